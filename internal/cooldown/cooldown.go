// Package cooldown rate-limits alert dispatch at detection time. A single
// guard sits in front of the dispatcher: detections inside the cooldown
// window are dropped before any work is queued. When both fire and smoke
// are firing continuously, consecutive reports alternate between the two
// kinds so neither starves the other.
package cooldown

import (
	"sync"
	"time"

	"flareguard/internal/alert"
)

type Guard struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time

	// next is the only kind admitted for the following report; the zero
	// value admits any kind, which is the state before the first alert.
	next alert.Kind

	now func() time.Time // swapped in tests
}

// New returns a guard that admits at most one alert per interval.
func New(interval time.Duration) *Guard {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Guard{
		interval: interval,
		now:      time.Now,
	}
}

// Allow reports whether an alert of the given kind may be dispatched now.
// Admission advances the window and flips the expected kind: after a fire
// report the next admitted detection is smoke, and vice versa. Test
// alerts bypass both the window and the alternation.
//
// The returned revoke undoes the admission. Callers invoke it when the
// admitted alert was never queued, so a failed submission does not burn
// the window or flip the alternation. Revoke is always non-nil and a
// no-op for denials and test alerts.
func (g *Guard) Allow(kind alert.Kind) (revoke func(), ok bool) {
	nop := func() {}
	if kind == alert.KindTest {
		return nop, true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if !g.last.IsZero() && now.Sub(g.last) < g.interval {
		return nop, false
	}
	if g.next != "" && kind != g.next {
		return nop, false
	}

	prevLast, prevNext := g.last, g.next
	g.last = now
	if kind == alert.KindFire {
		g.next = alert.KindSmoke
	} else {
		g.next = alert.KindFire
	}
	return func() {
		g.mu.Lock()
		g.last, g.next = prevLast, prevNext
		g.mu.Unlock()
	}, true
}

// Expected returns the detection kind the guard will admit next. The
// empty kind means either is admitted.
func (g *Guard) Expected() alert.Kind {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next
}
