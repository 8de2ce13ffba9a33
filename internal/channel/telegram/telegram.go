// Package telegram is the broadcast-bot channel: it maintains its own
// discovered subscriber subset and sends each alert independently to
// every valid subscriber, each as its own retryable unit of work.
//
// The service owns exactly one bot client for its whole lifetime and all
// calls on it are serialized behind a mutex, so broadcast sends are
// effectively serialized across the service even though workers are not.
// Alert volume is low and bursty, not sustained, so the serialization is
// an accepted throughput bound.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"flareguard/internal/alert"
	"flareguard/internal/channel"
	"flareguard/internal/history"
	"flareguard/internal/media"
	"flareguard/internal/registry"
	"flareguard/internal/retry"
	"flareguard/pkg/logx"
)

// ErrNoRecipients means the registry holds no subscribers for this
// channel; nothing was delivered.
var ErrNoRecipients = errors.New("telegram: no subscribers registered")

type Config struct {
	Token string

	// DefaultChatID is an optional recipient seeded into the registry at
	// startup (discovery adds the rest).
	DefaultChatID int64

	// PollTimeout is the getUpdates long-poll window. Default 30s.
	PollTimeout time.Duration
	// SendTimeout bounds each API call. Default 20s.
	SendTimeout time.Duration

	RatePerSec int
	Retry      retry.Policy
}

// api is the subset of the bot client the adapter drives. *tele.Bot
// satisfies it; tests substitute a fake.
type api interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Raw(method string, payload interface{}) ([]byte, error)
}

type Adapter struct {
	cfg  Config
	log  logx.Logger
	reg  *registry.Store
	hist *history.Store

	// mu serializes every bot call; there is one client for the service.
	mu      sync.Mutex
	bot     api
	limiter *rate.Limiter
}

func New(cfg Config, reg *registry.Store, hist *history.Store, log logx.Logger) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, channel.ErrDisabled
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 20 * time.Second
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: false,
		Client:  &http.Client{Timeout: cfg.SendTimeout + cfg.PollTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}

	a := newWithAPI(cfg, bot, reg, hist, log)
	if cfg.DefaultChatID != 0 {
		if _, err := reg.Add(cfg.DefaultChatID); err != nil {
			log.Warn("seed default chat failed", logx.Err(err))
		}
	}
	log.Info("telegram channel initialized")
	return a, nil
}

func newWithAPI(cfg Config, bot api, reg *registry.Store, hist *history.Store, log logx.Logger) *Adapter {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	return &Adapter{
		cfg:     cfg,
		log:     log,
		reg:     reg,
		hist:    hist,
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

func (a *Adapter) Name() string { return "telegram" }

// Deliver fans the alert out to every registered subscriber. The photo is
// attached directly from the persisted frame; when the frame is
// unreadable the message degrades to text. Subscribers that fail with an
// authorization-class error are pruned in one batched registry write
// after the whole set is processed.
func (a *Adapter) Deliver(ctx context.Context, al alert.Alert, _ media.Reference) error {
	var img []byte
	if al.ImagePath != "" {
		data, err := os.ReadFile(al.ImagePath)
		if err != nil {
			a.log.Warn("alert image unreadable; sending text-only", logx.String("path", al.ImagePath), logx.Err(err))
		} else {
			img = data
		}
	}
	return a.broadcast(ctx, al.Caption(), img)
}

// SendText broadcasts a plain text message to every subscriber.
func (a *Adapter) SendText(ctx context.Context, text string) error {
	return a.broadcast(ctx, text, nil)
}

// SendMedia broadcasts text with the published reference appended. The
// alert path attaches the raw frame instead; this exists for the uniform
// channel surface.
func (a *Adapter) SendMedia(ctx context.Context, text string, ref media.Reference) error {
	if ref.Attached() {
		text = text + " " + ref.URL
	}
	return a.broadcast(ctx, text, nil)
}

func (a *Adapter) broadcast(ctx context.Context, caption string, img []byte) error {
	subs, err := a.reg.Load()
	if err != nil {
		return fmt.Errorf("telegram: load subscribers: %w", err)
	}
	if len(subs) == 0 {
		return ErrNoRecipients
	}

	var (
		sent     int
		removals []int64
		lastErr  error
	)
	for _, id := range subs {
		id := id
		start := time.Now()
		res := retry.Do(ctx, a.cfg.Retry, a.log, fmt.Sprintf("telegram chat %d", id), func(ctx context.Context) error {
			return a.sendOne(ctx, id, caption, img)
		})
		switch {
		case res.Sent():
			sent++
			a.log.Info("alert sent to telegram chat", logx.Int64("chat_id", id), logx.Int("attempts", res.Attempts))
		case res.RemoveRecipient():
			removals = append(removals, id)
			lastErr = res.Err
		default:
			lastErr = res.Err
		}
		a.record(ctx, id, res, time.Since(start))
	}

	if len(removals) > 0 {
		if err := a.reg.Remove(removals...); err != nil {
			a.log.Error("registry prune failed", logx.Err(err))
		} else {
			a.log.Info("removed invalid chat ids", logx.Any("chat_ids", removals), logx.Int("count", len(removals)))
		}
	}

	if sent == 0 {
		if lastErr != nil {
			return fmt.Errorf("telegram: no subscriber reachable: %w", lastErr)
		}
		return ErrNoRecipients
	}
	return nil
}

// record writes the per-subscriber outcome row. Best-effort: audit
// failures are logged and never affect the broadcast.
func (a *Adapter) record(ctx context.Context, chatID int64, res retry.Result, took time.Duration) {
	var errText string
	if res.Err != nil {
		errText = res.Err.Error()
	}
	err := a.hist.RecordDelivery(ctx, history.DeliveryEntry{
		Channel:   a.Name(),
		Recipient: strconv.FormatInt(chatID, 10),
		Outcome:   res.Outcome.String(),
		Attempts:  res.Attempts,
		Error:     errText,
		TookMS:    took.Milliseconds(),
	})
	if err != nil && err != history.ErrDisabled {
		a.log.Warn("record delivery failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

// sendOne performs a single provider call under the client mutex.
func (a *Adapter) sendOne(ctx context.Context, chatID int64, caption string, img []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	to := &tele.Chat{ID: chatID}
	if img != nil {
		photo := &tele.Photo{File: tele.FromReader(bytes.NewReader(img)), Caption: caption}
		_, err := a.bot.Send(to, photo)
		return err
	}
	_, err := a.bot.Send(to, caption)
	return err
}
