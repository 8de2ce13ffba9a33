// Package retry wraps a single (recipient, channel) send unit with error
// classification and a bounded retry policy.
package retry

import (
	"context"
	"time"

	"flareguard/internal/channel"
	"flareguard/pkg/logx"
)

// Policy bounds the attempts for one send unit.
//
// Defaults (applied when fields are zero):
//   - MaxAttempts: 3
//   - TimeoutBase: 1s (delay doubles per attempt: 1s, 2s, 4s)
//   - NetworkDelay: 5s (fixed)
type Policy struct {
	MaxAttempts  int
	TimeoutBase  time.Duration
	NetworkDelay time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.TimeoutBase <= 0 {
		p.TimeoutBase = time.Second
	}
	if p.NetworkDelay <= 0 {
		p.NetworkDelay = 5 * time.Second
	}
	return p
}

// timeoutDelay is the exponential backoff for timeout-class failures:
// base<<attempt with attempt counted from zero.
func (p Policy) timeoutDelay(attempt int) time.Duration {
	return p.TimeoutBase << uint(attempt)
}

// Result is the final state of one send unit.
type Result struct {
	Outcome  channel.Outcome
	Class    channel.Class
	Attempts int
	Err      error
}

// Sent reports whether the unit was delivered.
func (r Result) Sent() bool { return r.Outcome == channel.OutcomeSent }

// RemoveRecipient reports whether the recipient should be pruned from the
// registry: only authorization-class failures are identity errors.
func (r Result) RemoveRecipient() bool { return r.Class == channel.ClassAuth }

// sleepHook is used in tests to avoid sleeping for real. It returns false
// when the context was cancelled before the delay elapsed.
var sleepHook = func(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Do runs fn under the policy. desc names the unit in logs
// (e.g. "telegram chat 123").
//
// Classification and action per attempt:
//   - auth/forbidden: abort immediately, permanent failure
//   - timeout: exponential backoff (1s, 2s, 4s), up to MaxAttempts
//   - transient network: fixed delay, same attempt budget
//   - other/unknown: abort after first failure, transient
func Do(ctx context.Context, p Policy, log logx.Logger, desc string, fn func(context.Context) error) Result {
	p = p.withDefaults()

	var lastErr error
	var lastClass channel.Class

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				log.Info("send succeeded after retry", logx.String("unit", desc), logx.Int("attempt", attempt+1))
			}
			return Result{Outcome: channel.OutcomeSent, Attempts: attempt + 1}
		}

		lastErr = err
		lastClass = channel.Classify(err)

		var delay time.Duration
		switch lastClass {
		case channel.ClassAuth:
			log.Warn("recipient rejected by provider",
				logx.String("unit", desc), logx.Int("attempt", attempt+1), logx.Err(err))
			return Result{Outcome: channel.OutcomePermanentFailure, Class: lastClass, Attempts: attempt + 1, Err: err}
		case channel.ClassTimeout:
			delay = p.timeoutDelay(attempt)
		case channel.ClassNetwork:
			delay = p.NetworkDelay
		default:
			log.Error("send failed",
				logx.String("unit", desc), logx.String("class", lastClass.String()),
				logx.Int("attempt", attempt+1), logx.Err(err))
			return Result{Outcome: channel.OutcomeTransientFailure, Class: lastClass, Attempts: attempt + 1, Err: err}
		}

		if attempt == p.MaxAttempts-1 {
			break
		}
		log.Warn("send retry scheduled",
			logx.String("unit", desc), logx.String("class", lastClass.String()),
			logx.Int("attempt", attempt+2), logx.Int("max", p.MaxAttempts),
			logx.Duration("delay", delay), logx.Err(err))
		if !sleepHook(ctx, delay) {
			return Result{Outcome: channel.OutcomeTransientFailure, Class: lastClass, Attempts: attempt + 1, Err: ctx.Err()}
		}
	}

	log.Warn("send abandoned after retries",
		logx.String("unit", desc), logx.String("class", lastClass.String()),
		logx.Int("attempts", p.MaxAttempts), logx.Err(lastErr))
	return Result{Outcome: channel.OutcomeTransientFailure, Class: lastClass, Attempts: p.MaxAttempts, Err: lastErr}
}
