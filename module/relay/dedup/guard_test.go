package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMakeKey(t *testing.T) {
	a := MakeKey("conv-1", "hello   world", "", "agent-7")
	require.Equal(t, a, MakeKey("conv-1", " hello world ", "", "agent-7"))
	require.NotEqual(t, a, MakeKey("conv-2", "hello world", "", "agent-7"))
	require.NotEqual(t, a, MakeKey("conv-1", "hello world", "", "agent-8"))
	require.NotEqual(t, a, MakeKey("conv-1", "Hello world", "", "agent-7"))
	require.NotEqual(t,
		MakeKey("conv-1", "", "https://cdn/a.png", "agent-7"),
		MakeKey("conv-1", "", "https://cdn/b.png", "agent-7"))
}

func TestMemGuard_Window(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	g := NewMemGuard(WithClock(clk.Now), WithSweepEvery(0))
	defer g.Close()
	k := MakeKey("conv-1", "hello", "", "agent-1")

	dup, err := g.IsDuplicate(ctx, k)
	require.NoError(t, err)
	require.False(t, dup)

	ok, err := g.MarkPending(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, g.MarkCompleted(ctx, k, true))

	clk.Advance(30 * time.Second)
	dup, _ = g.IsDuplicate(ctx, k)
	require.True(t, dup, "completed send still blocks inside the window")

	clk.Advance(31 * time.Second)
	dup, _ = g.IsDuplicate(ctx, k)
	require.False(t, dup, "61s later the mark has expired")
	ok, _ = g.MarkPending(ctx, k)
	require.True(t, ok)
}

func TestMemGuard_FailureReleases(t *testing.T) {
	ctx := context.Background()
	g := NewMemGuard(WithSweepEvery(0))
	defer g.Close()
	k := MakeKey("conv-1", "retry me", "", "agent-1")

	ok, _ := g.MarkPending(ctx, k)
	require.True(t, ok)
	ok, _ = g.MarkPending(ctx, k)
	require.False(t, ok, "second pending mark must lose")

	require.NoError(t, g.MarkCompleted(ctx, k, false))
	dup, _ := g.IsDuplicate(ctx, k)
	require.False(t, dup)
	ok, _ = g.MarkPending(ctx, k)
	require.True(t, ok)
}

func TestMemGuard_ConcurrentMarkPending(t *testing.T) {
	ctx := context.Background()
	g := NewMemGuard(WithSweepEvery(0))
	defer g.Close()
	k := MakeKey("conv-1", "race", "", "agent-1")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := g.MarkPending(ctx, k); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
}

func TestMemGuard_Sweep(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	g := NewMemGuard(WithClock(clk.Now), WithSweepEvery(0))
	defer g.Close()

	for _, body := range []string{"a", "b", "c"} {
		_, _ = g.MarkPending(ctx, MakeKey("conv-1", body, "", "agent-1"))
	}
	clk.Advance(40 * time.Second)
	_, _ = g.MarkPending(ctx, MakeKey("conv-1", "d", "", "agent-1"))
	clk.Advance(21 * time.Second)

	require.Equal(t, 3, g.Sweep())
	require.Equal(t, 1, g.Len())
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisGuard_Window(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	g := NewRedisGuard(rdb)
	k := MakeKey("conv-1", "hello", "", "agent-1")

	ok, err := g.MarkPending(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = g.MarkPending(ctx, k)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, g.MarkCompleted(ctx, k, true))
	val, err := mr.Get("relay:dedup:" + k.String())
	require.NoError(t, err)
	require.Equal(t, markDone, val)
	require.Greater(t, mr.TTL("relay:dedup:"+k.String()), time.Duration(0))

	dup, err := g.IsDuplicate(ctx, k)
	require.NoError(t, err)
	require.True(t, dup)

	mr.FastForward(61 * time.Second)
	dup, err = g.IsDuplicate(ctx, k)
	require.NoError(t, err)
	require.False(t, dup)
}

func TestRedisGuard_FailureReleases(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	g := NewRedisGuard(rdb, WithPrefix("test:dedup"))
	k := MakeKey("conv-1", "oops", "", "agent-1")

	ok, _ := g.MarkPending(ctx, k)
	require.True(t, ok)
	require.NoError(t, g.MarkCompleted(ctx, k, false))
	dup, err := g.IsDuplicate(ctx, k)
	require.NoError(t, err)
	require.False(t, dup)
}
