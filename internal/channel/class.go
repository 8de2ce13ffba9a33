package channel

import (
	"context"
	"errors"
	"fmt"
	"net"

	twclient "github.com/twilio/twilio-go/client"
	tele "gopkg.in/telebot.v4"
)

// Class buckets a provider error for the retry policy.
type Class int

const (
	ClassNone Class = iota
	// ClassAuth: the provider rejected the recipient. Abort immediately
	// and mark the recipient for permanent removal.
	ClassAuth
	// ClassTimeout: retry with exponential backoff.
	ClassTimeout
	// ClassNetwork: transient connectivity problem, retry after a fixed
	// short delay.
	ClassNetwork
	// ClassUnknown: assumed alert-specific, not identity-specific.
	// Single attempt, no registry mutation.
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassAuth:
		return "auth"
	case ClassTimeout:
		return "timeout"
	case ClassNetwork:
		return "network"
	}
	return "unknown"
}

// StatusError reports a non-2xx response from a plain HTTP provider
// (CallMeBot, Imgur). Classify maps it by status code.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http=%d", e.Op, e.Status)
}

// Classify maps a send error onto the retry policy's error classes.
// nil maps to ClassNone.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	// Telegram Bot API errors carry a numeric code.
	var terr *tele.Error
	if errors.As(err, &terr) {
		return classifyStatus(terr.Code)
	}
	var ferr tele.FloodError
	if errors.As(err, &ferr) {
		return ClassNetwork
	}

	// Twilio REST errors carry the HTTP status.
	var twerr *twclient.TwilioRestError
	if errors.As(err, &twerr) {
		return classifyStatus(twerr.Status)
	}

	var serr *StatusError
	if errors.As(err, &serr) {
		return classifyStatus(serr.Status)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ClassTimeout
	}
	var operr *net.OpError
	if errors.As(err, &operr) {
		return ClassNetwork
	}
	var dnserr *net.DNSError
	if errors.As(err, &dnserr) {
		return ClassNetwork
	}

	return ClassUnknown
}

func classifyStatus(status int) Class {
	switch status {
	case 401, 403:
		return ClassAuth
	case 408, 504:
		return ClassTimeout
	case 429, 500, 502, 503:
		return ClassNetwork
	}
	return ClassUnknown
}
