package clock

import (
	"context"
	"sync"
	"time"
)

// Fake is a Clock for tests. Sleep does not actually wait; instead it
// blocks until the test calls Advance with a duration covering the sleep,
// or until ctx is cancelled. This lets tests exercise the write-behind
// flusher's "one interval has elapsed" path without a real sleep.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	wake time.Time
	ch   chan struct{}
}

// NewFake returns a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	ch := make(chan struct{})
	f.waiters = append(f.waiters, fakeWaiter{wake: f.now.Add(d), ch: ch})
	f.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Advance moves the fake clock forward by d, waking any sleepers whose
// deadline has passed.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.wake.After(f.now) {
			close(w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
}
