package alert

import "testing"

func TestKindValid(t *testing.T) {
	for _, k := range []Kind{KindFire, KindSmoke, KindTest} {
		if !k.Valid() {
			t.Fatalf("%q reported invalid", k)
		}
	}
	if Kind("Flood").Valid() || Kind("").Valid() {
		t.Fatal("unknown kinds reported valid")
	}
}

func TestCaption(t *testing.T) {
	cases := map[Kind]string{
		KindFire:  "🚨 Fire Detected!",
		KindSmoke: "🚨 Smoke Detected!",
		KindTest:  "🔧 System Test: Fire Detection System Operational",
	}
	for kind, want := range cases {
		if got := (Alert{Kind: kind}).Caption(); got != want {
			t.Fatalf("Caption(%q) = %q, want %q", kind, got, want)
		}
	}
}
