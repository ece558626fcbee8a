package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time stands still until Advance.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline order,
// after the clock's lock has been released, so a callback may call Now or
// schedule new timers. It must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	now     time.Time
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	callback func()
	ticks    chan time.Time
	interval time.Duration
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	if d <= 0 {
		f()
		return fakeTimer{stop: func() bool { return false }}
	}
	c.mu.Lock()
	w := &waiter{deadline: c.now.Add(d), callback: f}
	c.waiters = append(c.waiters, w)
	c.cond.Broadcast()
	c.mu.Unlock()

	return fakeTimer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.stopped || w.fired {
			return false
		}
		w.stopped = true
		return true
	}}
}

func (c *FakeClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &waiter{deadline: c.now.Add(d), ticks: make(chan time.Time, 1), interval: d}
	c.waiters = append(c.waiters, w)
	c.cond.Broadcast()
	return &fakeTicker{clock: c, w: w}
}

// Advance moves time forward by d and fires every waiter whose deadline
// is reached.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		w := c.nextDue(target)
		if w == nil {
			break
		}
		c.now = w.deadline
		if w.interval > 0 {
			select {
			case w.ticks <- c.now:
			default:
			}
			w.deadline = w.deadline.Add(w.interval)
			continue
		}
		w.fired = true
		callback := w.callback
		c.mu.Unlock()
		callback()
		c.mu.Lock()
	}
	c.now = target
	c.prune()
	c.mu.Unlock()
}

// WaitForTimers blocks until at least n timers or tickers are pending.
// Use it to synchronize with goroutines that arm timers before Advance.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pending() < n {
		c.cond.Wait()
	}
}

// Pending returns the number of armed timers and tickers.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending()
}

func (c *FakeClock) pending() int {
	n := 0
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			n++
		}
	}
	return n
}

func (c *FakeClock) nextDue(target time.Time) *waiter {
	live := make([]*waiter, 0, len(c.waiters))
	for _, w := range c.waiters {
		if !w.stopped && !w.fired && !w.deadline.After(target) {
			live = append(live, w)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].deadline.Before(live[j].deadline) })
	return live[0]
}

func (c *FakeClock) prune() {
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			kept = append(kept, w)
		}
	}
	c.waiters = kept
}

type fakeTimer struct{ stop func() bool }

func (t fakeTimer) Stop() bool { return t.stop() }

type fakeTicker struct {
	clock *FakeClock
	w     *waiter
}

func (t *fakeTicker) C() <-chan time.Time { return t.w.ticks }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.w.stopped = true
}
