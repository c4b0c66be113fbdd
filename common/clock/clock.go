// Package clock provides an injectable time source so loops that sleep
// between iterations can be driven deterministically in tests.
//
// Production code holds a Clock and calls Sleep(ctx, c, d) instead of
// time.Sleep. Tests pass a *Fake, which advances its own notion of time
// on every wait and returns immediately.
package clock

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the subset of clockwork.Clock the service depends on.
type Clock interface {
	Now() time.Time
	// After returns a channel that receives once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package.
func Real() Clock { return clockwork.NewRealClock() }

// Sleep waits for d on c, returning early with ctx.Err() if ctx is done first.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}
