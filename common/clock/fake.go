package clock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Fake is a clockwork fake clock whose time also moves when something
// waits on it. Every After call advances the clock by d and fires at once,
// so a loop that sleeps a thousand times runs without real delay. Waits are
// recorded in order for assertions.
//
// Timers and tickers created through the embedded FakeClock still fire only
// on Advance.
type Fake struct {
	*clockwork.FakeClock

	mu     sync.Mutex
	waits  []time.Duration
	onWait func(d time.Duration)
}

func NewFake(initial time.Time) *Fake {
	return &Fake{FakeClock: clockwork.NewFakeClockAt(initial)}
}

// OnWait registers a hook invoked (outside the lock) after every wait.
// Tests use it to cancel a loop after a number of iterations.
func (f *Fake) OnWait(fn func(d time.Duration)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onWait = fn
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	f.waits = append(f.waits, d)
	hook := f.onWait
	f.mu.Unlock()

	if d > 0 {
		f.FakeClock.Advance(d)
	}
	if hook != nil {
		hook(d)
	}

	ch := make(chan time.Time, 1)
	ch <- f.FakeClock.Now()
	return ch
}

func (f *Fake) Sleep(d time.Duration) {
	<-f.After(d)
}

// Waits returns a copy of every duration waited on, in order.
func (f *Fake) Waits() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.waits))
	copy(out, f.waits)
	return out
}
