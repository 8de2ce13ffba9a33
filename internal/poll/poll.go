// Package poll runs the background subscriber maintenance schedules:
// discovery of new broadcast-bot subscribers and the periodic
// verification sweep that prunes dead ones. Schedules are cron
// expressions (robfig/cron, 5-field with @every shorthand supported).
package poll

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"flareguard/pkg/logx"
)

// Source is the channel-side surface the poller drives. The telegram
// adapter satisfies it.
type Source interface {
	Discover(ctx context.Context) ([]int64, error)
	VerifySweep(ctx context.Context) error
}

type Config struct {
	// DiscoverSchedule defaults to "@every 1m".
	DiscoverSchedule string
	// VerifySchedule defaults to "@every 12h". Empty after defaulting is
	// not possible; set "-" to disable the sweep.
	VerifySchedule string
	// RunTimeout bounds each scheduled run. Default 2m.
	RunTimeout time.Duration
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	src Source
	log logx.Logger

	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, src Source, log logx.Logger) *Service {
	if cfg.DiscoverSchedule == "" {
		cfg.DiscoverSchedule = "@every 1m"
	}
	if cfg.VerifySchedule == "" {
		cfg.VerifySchedule = "@every 12h"
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 2 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, log: log}
}

// Start registers the schedules and runs one discovery pass immediately
// so subscribers who messaged the bot while the service was down are
// picked up before the first alert.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	c := cron.New()
	if _, err := c.AddFunc(s.cfg.DiscoverSchedule, func() { s.runDiscover() }); err != nil {
		return fmt.Errorf("poll: discover schedule %q: %w", s.cfg.DiscoverSchedule, err)
	}
	if s.cfg.VerifySchedule != "-" {
		if _, err := c.AddFunc(s.cfg.VerifySchedule, func() { s.runVerify() }); err != nil {
			return fmt.Errorf("poll: verify schedule %q: %w", s.cfg.VerifySchedule, err)
		}
	}
	s.c = c
	c.Start()

	go s.runDiscover()
	s.log.Info("subscriber polling started",
		logx.String("discover", s.cfg.DiscoverSchedule), logx.String("verify", s.cfg.VerifySchedule))
	return nil
}

// Stop halts the schedules and waits for in-flight runs to finish.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	stopCtx := c.Stop()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

func (s *Service) runDiscover() {
	ctx, cancel := s.runCtx()
	if ctx == nil {
		return
	}
	defer cancel()

	added, err := s.src.Discover(ctx)
	if err != nil {
		s.log.Warn("subscriber discovery failed", logx.Err(err))
		return
	}
	if len(added) > 0 {
		s.log.Info("subscriber discovery complete", logx.Int("added", len(added)), logx.Any("chat_ids", added))
	}
}

func (s *Service) runVerify() {
	ctx, cancel := s.runCtx()
	if ctx == nil {
		return
	}
	defer cancel()

	if err := s.src.VerifySweep(ctx); err != nil {
		s.log.Warn("verification sweep failed", logx.Err(err))
	}
}

func (s *Service) runCtx() (context.Context, context.CancelFunc) {
	s.mu.Lock()
	base := s.ctx
	timeout := s.cfg.RunTimeout
	s.mu.Unlock()
	if base == nil || base.Err() != nil {
		return nil, nil
	}
	return context.WithTimeout(base, timeout)
}
