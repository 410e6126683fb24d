package browser

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeClock, *int) {
	t.Helper()
	clock := newFakeClock()
	p := NewPool(cfg, clock, zap.NewNop())
	launches := 0
	p.launch = func() (*Instance, error) {
		launches++
		return &Instance{createdAt: clock.Now()}, nil
	}
	p.probe = func(*Instance) error { return nil }
	return p, clock, &launches
}

func TestAcquireLaunchesWhenPoolEmpty(t *testing.T) {
	t.Parallel()
	p, _, launches := newTestPool(t, Config{TargetSize: 2})

	inst, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, 1, *launches)
	assert.Equal(t, 1, inst.PagesServed())
}

func TestReleaseKeepsAtMostTargetSize(t *testing.T) {
	t.Parallel()
	p, _, launches := newTestPool(t, Config{TargetSize: 2})

	var out []*Instance
	for i := 0; i < 5; i++ {
		inst, err := p.Acquire(context.Background())
		require.NoError(t, err)
		out = append(out, inst)
	}
	assert.Equal(t, 5, *launches)
	assert.Equal(t, 5, p.Status().CheckedOut)

	for _, inst := range out {
		p.Release(inst)
	}

	st := p.Status()
	assert.Equal(t, 0, st.CheckedOut)
	assert.Equal(t, 2, st.PoolSize)
}

func TestAcquireReusesIdleInstance(t *testing.T) {
	t.Parallel()
	p, _, launches := newTestPool(t, Config{TargetSize: 2})

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(first)

	second, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, *launches)
	assert.Equal(t, 2, second.PagesServed())
}

func TestReleaseRetiresInstanceOverPageBudget(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestPool(t, Config{TargetSize: 2, MaxPagesPerInstance: 2})

	var inst *Instance
	for i := 0; i < 3; i++ {
		var err error
		inst, err = p.Acquire(context.Background())
		require.NoError(t, err)
		if i < 2 {
			p.Release(inst)
		}
	}
	require.Equal(t, 3, inst.PagesServed())

	p.Release(inst)
	assert.Equal(t, 0, p.Status().PoolSize, "instance past its page budget must not be pooled")
}

func TestReleaseRetiresAgedInstance(t *testing.T) {
	t.Parallel()
	p, clock, _ := newTestPool(t, Config{TargetSize: 2, MaxInstanceAge: 10 * time.Minute})

	inst, err := p.Acquire(context.Background())
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	p.Release(inst)
	assert.Equal(t, 0, p.Status().PoolSize)
}

func TestAcquireRetiresDeadIdleInstanceAndLaunchesFresh(t *testing.T) {
	t.Parallel()
	p, _, launches := newTestPool(t, Config{TargetSize: 2})

	dead, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(dead)

	p.probe = func(inst *Instance) error {
		if inst == dead {
			return fmt.Errorf("browser gone")
		}
		return nil
	}

	got, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, dead, got)
	assert.Equal(t, 2, *launches)
	assert.Equal(t, 1, p.Status().CheckedOut)
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestPool(t, Config{TargetSize: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestShutdownIsIdempotentAndBlocksAcquire(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestPool(t, Config{TargetSize: 2})

	inst, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(inst)
	require.Equal(t, 1, p.Status().PoolSize)

	require.NoError(t, p.Shutdown())
	require.NoError(t, p.Shutdown())

	assert.Equal(t, 0, p.Status().PoolSize)
	_, err = p.Acquire(context.Background())
	require.Error(t, err)
}

func TestReleaseAfterShutdownRetires(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestPool(t, Config{TargetSize: 2})

	inst, err := p.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Shutdown())
	p.Release(inst)
	assert.Equal(t, 0, p.Status().PoolSize)
}

func TestConcurrentAcquiresNeverShareAnInstance(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	p := NewPool(Config{TargetSize: 2}, clock, zap.NewNop())
	var launchMu sync.Mutex
	p.launch = func() (*Instance, error) {
		launchMu.Lock()
		defer launchMu.Unlock()
		return &Instance{createdAt: clock.Now()}, nil
	}
	p.probe = func(*Instance) error { return nil }

	// Warm the pool so some acquires hit the idle stack and some launch.
	warm, err := p.Acquire(context.Background())
	require.NoError(t, err)
	other, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(warm)
	p.Release(other)

	const n = 8
	got := make(chan *Instance, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := p.Acquire(context.Background())
			assert.NoError(t, err)
			got <- inst
		}()
	}
	wg.Wait()
	close(got)

	seen := make(map[*Instance]bool, n)
	for inst := range got {
		require.NotNil(t, inst)
		require.False(t, seen[inst], "instance handed to two callers at once")
		seen[inst] = true
	}
	assert.Equal(t, n, p.Status().CheckedOut)
}
