package cooldown

import (
	"testing"
	"time"

	"flareguard/internal/alert"
)

func newTestGuard(interval time.Duration) (*Guard, *time.Time) {
	g := New(interval)
	now := time.Unix(1000, 0)
	g.now = func() time.Time { return now }
	return g, &now
}

func allow(t *testing.T, g *Guard, kind alert.Kind) bool {
	t.Helper()
	_, ok := g.Allow(kind)
	return ok
}

func TestAllowWindow(t *testing.T) {
	g, now := newTestGuard(30 * time.Second)

	if !allow(t, g, alert.KindFire) {
		t.Fatal("first detection must pass")
	}
	*now = now.Add(10 * time.Second)
	if allow(t, g, alert.KindSmoke) {
		t.Fatal("detection inside the window must be dropped")
	}
	*now = now.Add(25 * time.Second)
	if !allow(t, g, alert.KindSmoke) {
		t.Fatal("detection past the window must pass")
	}
}

func TestFirstDetectionEitherKind(t *testing.T) {
	g, _ := newTestGuard(30 * time.Second)
	if !allow(t, g, alert.KindSmoke) {
		t.Fatal("smoke must pass before any alert was reported")
	}
}

func TestKindAlternation(t *testing.T) {
	g, now := newTestGuard(time.Second)

	if !allow(t, g, alert.KindFire) {
		t.Fatal("fire must pass")
	}
	if g.Expected() != alert.KindSmoke {
		t.Fatalf("expected next = %q", g.Expected())
	}

	*now = now.Add(2 * time.Second)
	if allow(t, g, alert.KindFire) {
		t.Fatal("second consecutive fire must wait for a smoke report")
	}
	if !allow(t, g, alert.KindSmoke) {
		t.Fatal("smoke must pass after fire")
	}

	*now = now.Add(2 * time.Second)
	if !allow(t, g, alert.KindFire) {
		t.Fatal("fire must pass again after smoke")
	}
}

func TestRevokeRestoresWindowAndAlternation(t *testing.T) {
	g, now := newTestGuard(30 * time.Second)

	if !allow(t, g, alert.KindFire) {
		t.Fatal("fire must pass")
	}
	*now = now.Add(time.Minute)

	revoke, ok := g.Allow(alert.KindSmoke)
	if !ok {
		t.Fatal("smoke must pass after the window")
	}
	revoke()

	// The revoked admission must not consume the window or flip the
	// expected kind: the same detection is admitted again immediately.
	if g.Expected() != alert.KindSmoke {
		t.Fatalf("expected next = %q after revoke, want smoke", g.Expected())
	}
	if !allow(t, g, alert.KindSmoke) {
		t.Fatal("smoke must pass again after the admission was revoked")
	}
}

func TestTestKindBypassesGuard(t *testing.T) {
	g, _ := newTestGuard(time.Hour)

	if !allow(t, g, alert.KindFire) {
		t.Fatal("fire must pass")
	}
	if !allow(t, g, alert.KindTest) {
		t.Fatal("test alerts must bypass the cooldown")
	}
	if g.Expected() != alert.KindSmoke {
		t.Fatal("test alerts must not advance the alternation")
	}
}
