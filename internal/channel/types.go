package channel

import (
	"context"
	"errors"

	"flareguard/internal/alert"
	"flareguard/internal/media"
)

// ErrDisabled is returned by constructors when a channel's required
// credentials are absent. The channel is skipped at startup and logged
// once; it is never retried.
var ErrDisabled = errors.New("channel disabled: missing configuration")

// Channel is a delivery mechanism for alerts.
type Channel interface {
	Name() string

	// Deliver sends the alert through this channel. It returns an error
	// only when no recipient received the message; partial success counts
	// as delivered.
	Deliver(ctx context.Context, a alert.Alert, ref media.Reference) error
}

// Sender is the uniform capability every backend exposes: plain text and
// text with an optional media reference. Adapters compose Senders per
// recipient (broadcast) or hold a single one (direct message).
type Sender interface {
	SendText(ctx context.Context, text string) error
	SendMedia(ctx context.Context, text string, ref media.Reference) error
}

// Outcome is the per-(recipient, channel) delivery result.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeRetrying
	OutcomePermanentFailure
	OutcomeTransientFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeRetrying:
		return "retrying"
	case OutcomePermanentFailure:
		return "permanent-failure"
	case OutcomeTransientFailure:
		return "transient-failure"
	}
	return "unknown"
}
