package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Category groups remote calls that share one quota.
type Category string

const (
	Catalog   Category = "catalog"
	Search    Category = "search"
	History   Category = "history"
	Buy       Category = "buy"
	Relist    Category = "relist"
	Inventory Category = "inventory"
	Balance   Category = "balance"
)

// Window is the trailing interval a category's capacity applies to.
const Window = time.Second

var (
	ErrUnknownCategory = errors.New("unknown rate limit category")
	ErrInvalidCapacity = errors.New("rate limit capacity must be positive")
)

type window struct {
	// lock is a one-slot semaphore so queued callers can give up on ctx
	lock     chan struct{}
	capacity int
	stamps   []time.Time // oldest first
}

// Limiter admits at most capacity calls per category in any trailing Window.
// Callers of one category are served one at a time; categories are independent.
type Limiter struct {
	windows map[Category]*window
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
	observe func(Category, time.Duration)
}

type Option func(*Limiter)

// WithClock replaces the time source and the sleep function.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(l *Limiter) {
		l.now = now
		l.sleep = sleep
	}
}

// WithObserver is called with the total time each successful Acquire waited.
func WithObserver(fn func(Category, time.Duration)) Option {
	return func(l *Limiter) { l.observe = fn }
}

func New(capacities map[Category]int, opts ...Option) (*Limiter, error) {
	l := &Limiter{
		windows: make(map[Category]*window, len(capacities)),
		now:     time.Now,
		sleep:   sleepContext,
	}
	for c, capacity := range capacities {
		if capacity <= 0 {
			return nil, fmt.Errorf("%w: %s=%d", ErrInvalidCapacity, c, capacity)
		}
		l.windows[c] = &window{
			lock:     make(chan struct{}, 1),
			capacity: capacity,
			stamps:   make([]time.Time, 0, capacity),
		}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Capacities converts a config map into limiter capacities.
func Capacities(m map[string]int) map[Category]int {
	out := make(map[Category]int, len(m))
	for k, v := range m {
		out[Category(k)] = v
	}
	return out
}

// Acquire blocks until one more call of category c fits in the window, then records it.
// A cancelled ctx aborts the wait without recording a call.
func (l *Limiter) Acquire(ctx context.Context, c Category) error {
	w, ok := l.windows[c]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}

	start := l.now()
	select {
	case w.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-w.lock }()

	if len(w.stamps) == w.capacity {
		wait := w.stamps[0].Add(Window).Sub(l.now())
		if wait > 0 {
			if err := l.sleep(ctx, wait); err != nil {
				return err
			}
		}
		copy(w.stamps, w.stamps[1:])
		w.stamps = w.stamps[:len(w.stamps)-1]
	}

	now := l.now()
	w.stamps = append(w.stamps, now)
	if l.observe != nil {
		l.observe(c, now.Sub(start))
	}
	return nil
}

// Capacity reports the configured capacity of c, or 0 if c is unknown.
func (l *Limiter) Capacity(c Category) int {
	if w, ok := l.windows[c]; ok {
		return w.capacity
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
