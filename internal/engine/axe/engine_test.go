package axe

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/a11yops/auditcrawler/internal/browser"
	"github.com/a11yops/auditcrawler/internal/clock/system"
)

func TestNewLoadsScriptAndAppliesDefaults(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "axe.min.js")
	require.NoError(t, os.WriteFile(path, []byte("window.axe = {};"), 0o600))

	pool := browser.NewPool(browser.Config{}, system.New(), zap.NewNop())
	e, err := New(Config{ScriptPath: path}, pool, system.New(), zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "window.axe = {};", e.script)
	assert.Equal(t, "AA", e.cfg.WCAGLevel)
	assert.Equal(t, 30*time.Second, e.cfg.NavigateTimeout)
}

func TestNewFailsWhenScriptMissing(t *testing.T) {
	t.Parallel()
	pool := browser.NewPool(browser.Config{}, system.New(), zap.NewNop())
	_, err := New(Config{ScriptPath: "/nonexistent/axe.js"}, pool, system.New(), zap.NewNop())
	require.Error(t, err)
}

func TestRunExpressionTagSelection(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level    string
		contains []string
		excludes []string
	}{
		{level: "A", contains: []string{`"wcag2a"`}, excludes: []string{`"wcag2aa"`}},
		{level: "AA", contains: []string{`"wcag2a"`, `"wcag2aa"`}, excludes: []string{`"wcag2aaa"`}},
		{level: "aaa", contains: []string{`"wcag2a"`, `"wcag2aa"`, `"wcag2aaa"`}},
		{level: "bogus", contains: []string{`"wcag2a"`, `"wcag2aa"`}, excludes: []string{`"wcag2aaa"`}},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			t.Parallel()
			expr := runExpression(tt.level)
			for _, want := range tt.contains {
				assert.Contains(t, expr, want)
			}
			for _, not := range tt.excludes {
				assert.NotContains(t, expr, not)
			}
		})
	}
}
