// Package app is the composition root: it loads configuration, builds
// the registry, media pipeline, channels, dispatcher, and poller, and
// owns their start/stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flareguard/internal/channel"
	"flareguard/internal/channel/telegram"
	"flareguard/internal/channel/whatsapp"
	"flareguard/internal/config"
	"flareguard/internal/dispatch"
	"flareguard/internal/history"
	"flareguard/internal/media"
	"flareguard/internal/poll"
	"flareguard/internal/registry"
	"flareguard/internal/retry"
	"flareguard/internal/runtime/supervisor"
	"flareguard/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	reg      *registry.Store
	pipeline *media.Pipeline
	hist     *history.Store
	disp     *dispatch.Service
	poller   *poll.Service

	channels []channel.Channel
	senders  []channel.Sender

	sup *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console || cfg.Logging.File == "",
		File:    logx.FileConfig{Enabled: cfg.Logging.File != "", Path: cfg.Logging.File},
	})
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, logs: logs, log: log}
	if err := a.build(cfg); err != nil {
		_ = logs.Close()
		return nil, err
	}

	// Reload only retunes the ambient side; channels and credentials are
	// fixed for the process lifetime.
	cfgm.SetOnChange(func(c *config.Config) {
		logs.Apply(logx.Config{
			Level:   c.Logging.Level,
			Console: c.Logging.Console || c.Logging.File == "",
			File:    logx.FileConfig{Enabled: c.Logging.File != "", Path: c.Logging.File},
		})
	})
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	policy, err := retryPolicy(cfg.Retry)
	if err != nil {
		return err
	}

	pipeline, err := media.New(context.Background(), media.Config{
		Dir: cfg.Media.Dir,
		GCS: media.GCSConfig{
			CredentialsFile: cfg.Media.GCS.CredentialsFile,
			Bucket:          cfg.Media.GCS.Bucket,
		},
		Imgur: media.ImgurConfig{ClientID: cfg.Media.Imgur.ClientID},
	}, a.log.With(logx.String("comp", "media")))
	if err != nil {
		return err
	}
	a.pipeline = pipeline

	// History opens before the channels so the adapters can record
	// per-recipient outcomes.
	busy, err := config.ParseDurationField("history.busy_timeout", cfg.History.BusyTimeout)
	if err != nil {
		return err
	}
	hist, err := history.Open(history.Config{Path: cfg.History.Path, BusyTimeout: busy},
		a.log.With(logx.String("comp", "history")))
	if err != nil {
		// History is an audit trail, not a delivery dependency.
		a.log.Warn("history store unavailable", logx.Err(err))
	} else {
		a.hist = hist
	}

	waTimeout, err := config.ParseDurationOrDefault("whatsapp.send_timeout", cfg.WhatsApp.SendTimeout, 15*time.Second)
	if err != nil {
		return err
	}
	wa, err := whatsapp.New(whatsapp.Config{
		Twilio: whatsapp.TwilioConfig{
			AccountSID: cfg.WhatsApp.Twilio.AccountSID,
			AuthToken:  cfg.WhatsApp.Twilio.AuthToken,
			From:       cfg.WhatsApp.Twilio.From,
			To:         cfg.WhatsApp.Twilio.To,
		},
		CallMeBot: whatsapp.CallMeBotConfig{
			APIKey: cfg.WhatsApp.CallMeBot.APIKey,
			To:     cfg.WhatsApp.CallMeBot.Phone,
		},
		SendTimeout: waTimeout,
		Retry:       policy,
	}, a.hist, a.log.With(logx.String("comp", "whatsapp")))
	switch {
	case err == nil:
		a.channels = append(a.channels, wa)
		a.senders = append(a.senders, wa)
	case errors.Is(err, channel.ErrDisabled):
		a.log.Info("whatsapp channel disabled")
	default:
		return err
	}

	if cfg.Telegram.Token != "" {
		reg, err := registry.New(registry.Config{
			Path:       cfg.Registry.Path,
			CursorPath: cfg.Registry.CursorPath,
			Key:        cfg.Registry.Key,
		}, a.log.With(logx.String("comp", "registry")))
		if err != nil {
			return err
		}
		a.reg = reg

		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 30*time.Second)
		if err != nil {
			return err
		}
		sendTimeout, err := config.ParseDurationOrDefault("telegram.send_timeout", cfg.Telegram.SendTimeout, 20*time.Second)
		if err != nil {
			return err
		}
		tg, err := telegram.New(telegram.Config{
			Token:         cfg.Telegram.Token,
			DefaultChatID: cfg.Telegram.DefaultChatID,
			PollTimeout:   pollTimeout,
			SendTimeout:   sendTimeout,
			RatePerSec:    cfg.Telegram.RatePerSec,
			Retry:         policy,
		}, reg, a.hist, a.log.With(logx.String("comp", "telegram")))
		if err != nil {
			return err
		}
		a.channels = append(a.channels, tg)
		a.senders = append(a.senders, tg)

		a.poller = poll.New(poll.Config{
			DiscoverSchedule: cfg.Poll.DiscoverSchedule,
			VerifySchedule:   cfg.Poll.VerifySchedule,
		}, tg, a.log.With(logx.String("comp", "poll")))
	} else {
		a.log.Info("telegram channel disabled")
	}

	if len(a.channels) == 0 {
		return errors.New("app: no delivery channel configured")
	}

	cooldownDur, err := config.ParseDurationOrDefault("dispatch.cooldown", cfg.Dispatch.Cooldown, 30*time.Second)
	if err != nil {
		return err
	}
	a.disp = dispatch.New(dispatch.Config{
		Workers:   cfg.Dispatch.Workers,
		QueueSize: cfg.Dispatch.QueueSize,
		Cooldown:  cooldownDur,
	}, pipeline, a.channels, a.hist, a.log.With(logx.String("comp", "dispatch")))
	return nil
}

func retryPolicy(cfg config.RetryConfig) (retry.Policy, error) {
	base, err := config.ParseDurationField("retry.timeout_base", cfg.TimeoutBase)
	if err != nil {
		return retry.Policy{}, err
	}
	netDelay, err := config.ParseDurationField("retry.network_delay", cfg.NetworkDelay)
	if err != nil {
		return retry.Policy{}, err
	}
	return retry.Policy{
		MaxAttempts:  cfg.MaxAttempts,
		TimeoutBase:  base,
		NetworkDelay: netDelay,
	}, nil
}

// Dispatcher exposes the alert intake for the detection loop.
func (a *App) Dispatcher() *dispatch.Service { return a.disp }

func (a *App) Start(ctx context.Context) error {
	a.disp.Start(ctx)
	if a.poller != nil {
		if err := a.poller.Start(ctx); err != nil {
			return err
		}
	}

	// The watch loop self-heals under the supervisor: a watcher failure
	// restarts it with backoff instead of losing reloads for good.
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "app"))))
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.log.Info("alert service started", logx.Int("channels", len(a.channels)))
	return nil
}

// Stop drains and releases everything. Skipping it leaks the worker pool.
func (a *App) Stop(ctx context.Context) error {
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}
	if a.poller != nil {
		a.poller.Stop(ctx)
	}
	a.disp.Stop(ctx)
	if a.hist != nil {
		_ = a.hist.Close()
	}
	_ = a.pipeline.Close()
	a.log.Info("alert service stopped")
	return a.logs.Close()
}

// SendTest delivers the operational self-test message over every
// configured channel, bypassing the dispatcher queue.
func (a *App) SendTest(ctx context.Context) error {
	const text = "🔧 System Test: Fire Detection System Operational"
	var firstErr error
	for i, s := range a.senders {
		if err := s.SendText(ctx, text); err != nil {
			a.log.Error("test message failed", logx.String("channel", a.channels[i].Name()), logx.Err(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("test message via %s: %w", a.channels[i].Name(), err)
			}
			continue
		}
		a.log.Info("test message sent", logx.String("channel", a.channels[i].Name()))
	}
	return firstErr
}
