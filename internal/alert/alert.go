// Package alert defines the alert request model shared by the dispatcher
// and the delivery channels.
package alert

import "time"

// Kind is the detection class carried by an alert.
type Kind string

const (
	KindFire  Kind = "Fire"
	KindSmoke Kind = "Smoke"
	KindTest  Kind = "Test"
)

// Valid reports whether k is one of the known detection kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindFire, KindSmoke, KindTest:
		return true
	}
	return false
}

// Alert is an accepted alert request. It is immutable once created:
// the dispatcher builds one per Submit() and workers only read it.
type Alert struct {
	// ImagePath is the locally persisted frame for this alert.
	ImagePath string
	Kind      Kind
	At        time.Time
}

// Caption renders the human-facing alert text without any media reference.
func (a Alert) Caption() string {
	if a.Kind == KindTest {
		return "🔧 System Test: Fire Detection System Operational"
	}
	return "🚨 " + string(a.Kind) + " Detected!"
}
