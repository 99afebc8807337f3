package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) sleep(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	f.t = f.t.Add(d)
	return nil
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newFake(t *testing.T, caps map[Category]int) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l, err := New(caps, WithClock(clock.now, clock.sleep))
	require.NoError(t, err)
	return l, clock
}

func TestAcquireSixthCallWaitsForOldestToExpire(t *testing.T) {
	l, clock := newFake(t, map[Category]int{Search: 5})
	ctx := context.Background()
	t1 := clock.now()

	for range 5 {
		require.NoError(t, l.Acquire(ctx, Search))
	}
	assert.Empty(t, clock.sleeps, "first five calls are admitted immediately")

	require.NoError(t, l.Acquire(ctx, Search))
	require.Len(t, clock.sleeps, 1)
	assert.Equal(t, time.Second, clock.sleeps[0])
	assert.Equal(t, t1.Add(time.Second), clock.now())
}

func TestAcquireWaitShrinksAsTimePasses(t *testing.T) {
	l, clock := newFake(t, map[Category]int{Buy: 2})
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, Buy))
	clock.advance(300 * time.Millisecond)
	require.NoError(t, l.Acquire(ctx, Buy))
	clock.advance(400 * time.Millisecond)

	require.NoError(t, l.Acquire(ctx, Buy))
	require.Len(t, clock.sleeps, 1)
	assert.Equal(t, 300*time.Millisecond, clock.sleeps[0])

	// window now holds t=300ms and t=1000ms; well past both, no wait
	clock.advance(5 * time.Second)
	require.NoError(t, l.Acquire(ctx, Buy))
	assert.Len(t, clock.sleeps, 1)
}

func TestCategoriesAreIndependent(t *testing.T) {
	l, clock := newFake(t, map[Category]int{Search: 1, Buy: 1})
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, Search))
	require.NoError(t, l.Acquire(ctx, Buy))
	assert.Empty(t, clock.sleeps)
}

func TestUnknownCategory(t *testing.T) {
	l, _ := newFake(t, map[Category]int{Search: 1})
	err := l.Acquire(context.Background(), Relist)
	assert.ErrorIs(t, err, ErrUnknownCategory)
}

func TestNonPositiveCapacityRejected(t *testing.T) {
	_, err := New(map[Category]int{Search: 0})
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	_, err = New(map[Category]int{Search: -3})
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestCancelledWaitRecordsNothing(t *testing.T) {
	l, err := New(map[Category]int{History: 1})
	require.NoError(t, err)

	require.NoError(t, l.Acquire(context.Background(), History))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = l.Acquire(ctx, History)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, l.windows[History].stamps, 1)
}

func TestRealClockBound(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps for a second")
	}
	l, err := New(map[Category]int{Search: 5})
	require.NoError(t, err)

	ctx := context.Background()
	start := time.Now()
	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Acquire(ctx, Search))
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, time.Since(start), 950*time.Millisecond)
}

func TestObserverSeesWait(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	var waits []time.Duration
	l, err := New(map[Category]int{Balance: 1},
		WithClock(clock.now, clock.sleep),
		WithObserver(func(_ Category, d time.Duration) { waits = append(waits, d) }),
	)
	require.NoError(t, err)

	require.NoError(t, l.Acquire(context.Background(), Balance))
	require.NoError(t, l.Acquire(context.Background(), Balance))
	assert.Equal(t, []time.Duration{0, time.Second}, waits)
}

func TestCapacities(t *testing.T) {
	caps := Capacities(map[string]int{"search": 5, "buy": 2})
	assert.Equal(t, map[Category]int{Search: 5, Buy: 2}, caps)

	l, err := New(caps)
	require.NoError(t, err)
	assert.Equal(t, 5, l.Capacity(Search))
	assert.Equal(t, 0, l.Capacity(Relist))
}
