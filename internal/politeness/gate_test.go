package politeness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitTurnFirstVisitIsImmediate(t *testing.T) {
	t.Parallel()
	g := New(500 * time.Millisecond)

	start := time.Now()
	require.NoError(t, g.WaitTurn(context.Background(), "https://example.com/"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitTurnEnforcesMinimumGapPerHost(t *testing.T) {
	t.Parallel()
	const gap = 150 * time.Millisecond
	g := New(gap)

	require.NoError(t, g.WaitTurn(context.Background(), "https://example.com/a"))
	start := time.Now()
	require.NoError(t, g.WaitTurn(context.Background(), "https://example.com/b"))
	assert.GreaterOrEqual(t, time.Since(start), gap-10*time.Millisecond)
}

func TestWaitTurnIsIndependentAcrossHosts(t *testing.T) {
	t.Parallel()
	g := New(time.Second)

	require.NoError(t, g.WaitTurn(context.Background(), "https://one.example.com/"))
	start := time.Now()
	require.NoError(t, g.WaitTurn(context.Background(), "https://two.example.com/"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitTurnSerializesConcurrentCallers(t *testing.T) {
	t.Parallel()
	const gap = 100 * time.Millisecond
	g := New(gap)

	var mu sync.Mutex
	var grants []time.Time

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, g.WaitTurn(context.Background(), "https://example.com/"))
			mu.Lock()
			grants = append(grants, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, grants, 4)
	for i := range grants {
		for j := i + 1; j < len(grants); j++ {
			delta := grants[j].Sub(grants[i])
			if delta < 0 {
				delta = -delta
			}
			assert.GreaterOrEqual(t, delta, gap-20*time.Millisecond,
				"two grants for the same host landed closer than the minimum gap")
		}
	}
}

func TestWaitTurnHonorsContextCancellation(t *testing.T) {
	t.Parallel()
	g := New(time.Minute)

	require.NoError(t, g.WaitTurn(context.Background(), "https://example.com/"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := g.WaitTurn(ctx, "https://example.com/")
	require.Error(t, err)
}

func TestHostOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		rawURL  string
		want    string
		wantErr bool
	}{
		{name: "plain host", rawURL: "https://Example.COM/path", want: "example.com"},
		{name: "with port", rawURL: "http://example.com:8080/x", want: "example.com"},
		{name: "subdomain kept distinct", rawURL: "https://blog.example.com/", want: "blog.example.com"},
		{name: "no host", rawURL: "/relative/path", wantErr: true},
		{name: "garbage", rawURL: "://nope", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := HostOf(tt.rawURL)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
