// Package whatsapp is the direct-message channel. It has two
// interchangeable backends: the modern Twilio API and the legacy
// lightweight CallMeBot API. When Twilio is configured it is preferred
// exclusively; CallMeBot alone activates only when Twilio is absent. At
// runtime a failed Twilio send is retried once through CallMeBot (if
// configured) inside the same attempt, which is distinct from the retry
// engine's attempt-level retries on top.
package whatsapp

import (
	"context"
	"strings"
	"time"

	"flareguard/internal/alert"
	"flareguard/internal/channel"
	"flareguard/internal/history"
	"flareguard/internal/media"
	"flareguard/internal/retry"
	"flareguard/pkg/logx"
)

type Config struct {
	Twilio    TwilioConfig
	CallMeBot CallMeBotConfig

	// SendTimeout bounds each provider call. Default 15s.
	SendTimeout time.Duration

	Retry retry.Policy
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	To         string
}

func (c TwilioConfig) Complete() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.From != "" && c.To != ""
}

type CallMeBotConfig struct {
	APIKey string
	To     string
}

func (c CallMeBotConfig) Complete() bool {
	return c.APIKey != "" && c.To != ""
}

// backend is one concrete provider. The closed set {twilio, callmebot} is
// fixed at construction; there is no runtime probing.
type backend interface {
	name() string
	send(ctx context.Context, text string, ref media.Reference) error
}

type Adapter struct {
	cfg  Config
	log  logx.Logger
	hist *history.Store

	active   backend
	fallback backend
}

// New selects the backend set from validated configuration. It returns
// channel.ErrDisabled when neither backend is configured.
func New(cfg Config, hist *history.Store, log logx.Logger) (*Adapter, error) {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}

	a := &Adapter{cfg: cfg, log: log, hist: hist}
	switch {
	case cfg.Twilio.Complete():
		a.active = newTwilioBackend(cfg.Twilio, cfg.SendTimeout)
		if cfg.CallMeBot.Complete() {
			a.fallback = newCallMeBotBackend(cfg.CallMeBot, cfg.SendTimeout)
		}
		log.Info("whatsapp channel initialized", logx.String("backend", a.active.name()), logx.Bool("fallback", a.fallback != nil))
	case cfg.CallMeBot.Complete():
		a.active = newCallMeBotBackend(cfg.CallMeBot, cfg.SendTimeout)
		log.Info("whatsapp channel initialized (legacy backend)")
	default:
		return nil, channel.ErrDisabled
	}
	return a, nil
}

func (a *Adapter) Name() string { return "whatsapp" }

// SendText sends a plain text message through the backend chain.
func (a *Adapter) SendText(ctx context.Context, text string) error {
	return a.SendMedia(ctx, text, media.Reference{Provider: media.ProviderNone})
}

// SendMedia sends one message, falling back to the legacy backend once
// when the modern one fails. The primary error is returned so the retry
// engine classifies the preferred backend's failure.
func (a *Adapter) SendMedia(ctx context.Context, text string, ref media.Reference) error {
	err := a.active.send(ctx, text, ref)
	if err == nil {
		return nil
	}
	if a.fallback != nil {
		a.log.Warn("modern backend failed; falling back", logx.String("backend", a.fallback.name()), logx.Err(err))
		if ferr := a.fallback.send(ctx, text, ref); ferr == nil {
			a.log.Info("alert delivered via fallback backend", logx.String("backend", a.fallback.name()))
			return nil
		}
	}
	return err
}

func (a *Adapter) Deliver(ctx context.Context, al alert.Alert, ref media.Reference) error {
	text := messageText(al, ref)
	start := time.Now()
	res := retry.Do(ctx, a.cfg.Retry, a.log, "whatsapp", func(ctx context.Context) error {
		return a.SendMedia(ctx, text, ref)
	})
	a.record(ctx, res, time.Since(start))
	if !res.Sent() {
		return res.Err
	}
	a.log.Info("whatsapp alert delivered", logx.String("kind", string(al.Kind)), logx.Int("attempts", res.Attempts))
	return nil
}

// recipient is the configured destination number of the active backend.
func (a *Adapter) recipient() string {
	if a.cfg.Twilio.Complete() {
		return a.cfg.Twilio.To
	}
	return a.cfg.CallMeBot.To
}

// record writes the delivery outcome row. Best-effort: audit failures
// are logged and never affect the send.
func (a *Adapter) record(ctx context.Context, res retry.Result, took time.Duration) {
	var errText string
	if res.Err != nil {
		errText = res.Err.Error()
	}
	err := a.hist.RecordDelivery(ctx, history.DeliveryEntry{
		Channel:   a.Name(),
		Recipient: a.recipient(),
		Outcome:   res.Outcome.String(),
		Attempts:  res.Attempts,
		Error:     errText,
		TookMS:    took.Milliseconds(),
	})
	if err != nil && err != history.ErrDisabled {
		a.log.Warn("record delivery failed", logx.Err(err))
	}
}

func messageText(al alert.Alert, ref media.Reference) string {
	if al.Kind == alert.KindTest {
		return al.Caption()
	}
	if ref.Attached() {
		return al.Caption() + " View at " + ref.URL
	}
	return al.Caption() + " (Image attachment failed)"
}

// normalizeWhatsApp forces the "whatsapp:+<number>" form Twilio expects.
func normalizeWhatsApp(num string) string {
	num = strings.TrimSpace(num)
	if num == "" {
		return num
	}
	if strings.HasPrefix(num, "whatsapp:") {
		return num
	}
	if !strings.HasPrefix(num, "+") {
		num = "+" + num
	}
	return "whatsapp:" + num
}
