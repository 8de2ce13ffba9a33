// Package dispatch accepts detection events and fans them out to the
// configured delivery channels through a bounded queue and a small
// worker pool. Submit is non-blocking for the detection loop: the frame
// is persisted synchronously, everything network-bound happens on the
// pool. A slow or dead channel does not stall detection; it queues work
// instead. There is no back-pressure signal to the caller, which is an
// accepted design risk.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flareguard/internal/alert"
	"flareguard/internal/channel"
	"flareguard/internal/cooldown"
	"flareguard/internal/history"
	"flareguard/internal/media"
	rtsup "flareguard/internal/runtime/supervisor"
	"flareguard/pkg/logx"
)

type Config struct {
	Workers   int           // default 2
	QueueSize int           // default 16
	Cooldown  time.Duration // default 30s
}

// Service is the alert dispatcher. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	cfg      Config
	pipeline *media.Pipeline
	channels []channel.Channel
	hist     *history.Store
	guard    *cooldown.Guard

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan alert.Alert
	abort    chan struct{} // closed on forced shutdown to release pending enqueues
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

func New(cfg Config, pipeline *media.Pipeline, channels []channel.Channel, hist *history.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	return &Service{
		log:      log,
		cfg:      cfg,
		pipeline: pipeline,
		channels: channels,
		hist:     hist,
		guard:    cooldown.New(cfg.Cooldown),
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	// Start is idempotent.
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan alert.Alert, s.cfg.QueueSize)
	s.abort = make(chan struct{})
	s.accepting = true
	workers := s.cfg.Workers
	q := s.queue

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "dispatch"))),
		// Delivery failures are per-alert concerns, never process-fatal.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.Go0(name, func(c context.Context) {
			s.workerLoop(c, q)
		})
	}
	s.log.Info("dispatcher started", logx.Int("workers", workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop blocks intake, drains queued alerts best-effort until the ctx
// deadline, then releases the pool. Skipping Stop leaks the workers.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without
	// leaking state.
	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so workers drain.
		s.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.abort = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Forced shutdown: release any Submit goroutine still blocked on
		// the full queue before the workers go away, or sendWG never
		// settles and the dispatcher can never be restarted.
		s.mu.Lock()
		if s.abort != nil {
			close(s.abort)
			s.abort = nil
		}
		s.mu.Unlock()
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Submit accepts a detection event. The frame is persisted to local disk
// synchronously; everything else runs on the worker pool. The return
// value reports acceptance only, it says nothing about delivery.
// Detections inside the cooldown window are dropped here.
func (s *Service) Submit(frame []byte, kind alert.Kind) bool {
	if !kind.Valid() {
		s.log.Warn("dropping alert with unknown kind", logx.String("kind", string(kind)))
		return false
	}
	revoke, ok := s.guard.Allow(kind)
	if !ok {
		s.log.Debug("alert suppressed by cooldown", logx.String("kind", string(kind)))
		return false
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		// Nothing was queued; the cooldown window stays open for the
		// next detection.
		revoke()
		s.log.Warn("dispatcher not running; alert dropped", logx.String("kind", string(kind)))
		return false
	}
	q := s.queue
	abort := s.abort
	s.sendWG.Add(1)
	s.mu.Unlock()

	al := alert.Alert{Kind: kind, At: time.Now()}
	if kind != alert.KindTest {
		path, err := s.pipeline.Persist(frame)
		if err != nil {
			s.sendWG.Done()
			revoke()
			s.log.Error("persist frame failed; alert dropped", logx.String("kind", string(kind)), logx.Err(err))
			return false
		}
		al.ImagePath = path
	}

	select {
	case q <- al:
		s.sendWG.Done()
	default:
		// Queue full. Delivery lags rather than dropping the alert or
		// blocking the detection loop. A forced shutdown abandons the
		// pending enqueue instead of holding sendWG open forever.
		s.log.Warn("dispatch queue full; delivery will lag", logx.String("kind", string(kind)))
		go func() {
			defer s.sendWG.Done()
			select {
			case q <- al:
			case <-abort:
				s.log.Warn("alert abandoned at forced shutdown", logx.String("kind", string(al.Kind)))
			}
		}()
	}
	s.log.Info("alert queued", logx.String("kind", string(kind)), logx.String("image", al.ImagePath))
	return true
}

func (s *Service) workerLoop(ctx context.Context, q <-chan alert.Alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case al, ok := <-q:
			if !ok {
				return
			}
			s.process(ctx, al)
		}
	}
}

// process publishes the frame and delivers to every channel. Channel
// failures are independent: one channel failing never blocks another,
// and overall success means at least one channel delivered.
func (s *Service) process(ctx context.Context, al alert.Alert) {
	ref := media.Reference{Provider: media.ProviderNone}
	if al.ImagePath != "" {
		ref = s.pipeline.Publish(ctx, al.ImagePath)
	}

	if err := s.hist.RecordAlert(ctx, history.AlertEntry{
		At:        al.At,
		Kind:      string(al.Kind),
		ImagePath: al.ImagePath,
		MediaURL:  ref.URL,
		Provider:  string(ref.Provider),
	}); err != nil && err != history.ErrDisabled {
		s.log.Warn("record alert failed", logx.Err(err))
	}

	// Per-recipient outcome rows are written by the channel adapters,
	// which know recipients and attempt counts; only the alert row is
	// recorded here.
	delivered := 0
	for _, ch := range s.channels {
		start := time.Now()
		err := ch.Deliver(ctx, al, ref)
		took := time.Since(start)

		if err != nil {
			s.log.Warn("channel delivery failed",
				logx.String("channel", ch.Name()), logx.String("kind", string(al.Kind)), logx.Err(err))
			continue
		}
		delivered++
		s.log.Info("channel delivery succeeded",
			logx.String("channel", ch.Name()), logx.String("kind", string(al.Kind)), logx.Duration("took", took))
	}

	if delivered == 0 {
		s.log.Error("alert delivery failed on all channels", logx.String("kind", string(al.Kind)))
		return
	}
	s.log.Info("alert dispatched",
		logx.String("kind", string(al.Kind)),
		logx.Int("channels", delivered),
		logx.String("media", ref.URL))
}
