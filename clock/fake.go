package clock

import (
	"context"
	"sync"
	"time"
)

// Fake is a manually driven Clock for tests.
//
// Sleep advances the fake time by the requested duration and returns at once,
// recording the duration so tests can assert on backoff schedules. Timers created
// by After and AfterFunc fire when Advance (or a Sleep) moves time past their deadline.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	waiters []*fakeWaiter
	nextID  int
}

type fakeWaiter struct {
	id       int
	deadline time.Time
	ch       chan time.Time
	fn       func()
	stopped  bool
	fired    bool
	clock    *Fake
}

// NewFake returns a Fake clock set to start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Sleep records d and advances the clock by it.
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.sleeps = append(f.sleeps, d)
	f.mu.Unlock()

	if d > 0 {
		f.Advance(d)
	}
	return ctx.Err()
}

// After returns a channel that receives once the fake time passes now+d.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.schedule(d, ch, nil)
	return ch
}

// AfterFunc schedules fn to run once the fake time passes now+d.
// fn runs synchronously inside the Advance call that triggers it; a timer with
// d <= 0 fires on the next Advance, never from inside AfterFunc itself.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	return f.schedule(d, nil, fn)
}

func (f *Fake) schedule(d time.Duration, ch chan time.Time, fn func()) *fakeWaiter {
	f.mu.Lock()
	f.nextID++
	w := &fakeWaiter{
		id:       f.nextID,
		deadline: f.now.Add(d),
		ch:       ch,
		fn:       fn,
		clock:    f,
	}
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()
	return w
}

// Advance moves the clock forward by d. Timers fire one at a time in deadline
// order, with the clock set to each timer's deadline as it fires, so timers
// scheduled by a firing callback also fire if they fall inside the window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		w := f.nextDue(target)
		if w == nil {
			break
		}
		if w.deadline.After(f.now) {
			f.now = w.deadline
		}
		w.fired = true
		now := f.now
		f.mu.Unlock()

		if w.ch != nil {
			w.ch <- now
		}
		if w.fn != nil {
			w.fn()
		}

		f.mu.Lock()
	}
	if target.After(f.now) {
		f.now = target
	}
	f.mu.Unlock()
}

// nextDue removes and returns the earliest live waiter due at or before target.
// Callers must hold f.mu.
func (f *Fake) nextDue(target time.Time) *fakeWaiter {
	best := -1
	live := f.waiters[:0]
	for _, w := range f.waiters {
		if w.stopped {
			continue
		}
		live = append(live, w)
	}
	f.waiters = live

	for i, w := range f.waiters {
		if w.deadline.After(target) {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		b := f.waiters[best]
		if w.deadline.Before(b.deadline) || (w.deadline.Equal(b.deadline) && w.id < b.id) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	w := f.waiters[best]
	f.waiters = append(f.waiters[:best], f.waiters[best+1:]...)
	return w
}

// Sleeps returns every duration passed to Sleep, in call order.
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.sleeps))
	copy(out, f.sleeps)
	return out
}

// TotalSlept returns the sum of all Sleep durations.
func (f *Fake) TotalSlept() time.Duration {
	var total time.Duration
	for _, d := range f.Sleeps() {
		total += d
	}
	return total
}

// Pending returns the number of timers that have not fired or been stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}

func (w *fakeWaiter) Stop() bool {
	w.clock.mu.Lock()
	defer w.clock.mu.Unlock()
	if w.stopped || w.fired {
		return false
	}
	w.stopped = true
	return true
}
