package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"flareguard/internal/alert"
	"flareguard/internal/channel"
	"flareguard/internal/media"
	"flareguard/pkg/logx"
)

type fakeChannel struct {
	label string
	err   error

	mu        sync.Mutex
	delivered []alert.Alert
}

func (c *fakeChannel) Name() string { return c.label }

func (c *fakeChannel) Deliver(_ context.Context, al alert.Alert, _ media.Reference) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = append(c.delivered, al)
	return c.err
}

func (c *fakeChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delivered)
}

func newTestService(t *testing.T, cfg Config, chans ...channel.Channel) *Service {
	t.Helper()
	pipeline, err := media.New(context.Background(), media.Config{Dir: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("media.New: %v", err)
	}
	return New(cfg, pipeline, chans, nil, logx.Nop())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSubmitDeliversToAllChannels(t *testing.T) {
	ch1 := &fakeChannel{label: "one"}
	ch2 := &fakeChannel{label: "two"}
	s := newTestService(t, Config{}, ch1, ch2)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if !s.Submit([]byte("frame"), alert.KindFire) {
		t.Fatal("Submit rejected a valid detection")
	}
	waitFor(t, func() bool { return ch1.count() == 1 && ch2.count() == 1 })

	ch1.mu.Lock()
	al := ch1.delivered[0]
	ch1.mu.Unlock()
	if al.Kind != alert.KindFire {
		t.Fatalf("kind = %q", al.Kind)
	}
	if al.ImagePath == "" {
		t.Fatal("alert must carry the persisted frame path")
	}
}

func TestSubmitCooldownDropsSecondDetection(t *testing.T) {
	ch := &fakeChannel{label: "one"}
	s := newTestService(t, Config{Cooldown: time.Hour}, ch)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if !s.Submit([]byte("frame"), alert.KindFire) {
		t.Fatal("first detection must be accepted")
	}
	if s.Submit([]byte("frame"), alert.KindSmoke) {
		t.Fatal("detection inside the cooldown must be dropped")
	}
	waitFor(t, func() bool { return ch.count() == 1 })
}

func TestFailedSubmitKeepsCooldownOpen(t *testing.T) {
	ch := &fakeChannel{label: "one"}
	s := newTestService(t, Config{Cooldown: time.Hour}, ch)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	// An empty frame fails persist, so nothing is queued. The cooldown
	// window and the kind alternation must survive the failure.
	if s.Submit(nil, alert.KindFire) {
		t.Fatal("empty frame must be rejected")
	}
	if !s.Submit([]byte("frame"), alert.KindFire) {
		t.Fatal("next detection must be accepted after a failed submission")
	}
	waitFor(t, func() bool { return ch.count() == 1 })
}

func TestSubmitBeforeStartKeepsCooldownOpen(t *testing.T) {
	ch := &fakeChannel{label: "one"}
	s := newTestService(t, Config{Cooldown: time.Hour}, ch)

	if s.Submit([]byte("frame"), alert.KindFire) {
		t.Fatal("Submit must refuse before Start")
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())
	if !s.Submit([]byte("frame"), alert.KindFire) {
		t.Fatal("the dropped submission must not consume the window")
	}
}

func TestSubmitRejectsUnknownKind(t *testing.T) {
	s := newTestService(t, Config{}, &fakeChannel{label: "one"})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if s.Submit([]byte("frame"), alert.Kind("Flood")) {
		t.Fatal("unknown kind must be rejected")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	s := newTestService(t, Config{}, &fakeChannel{label: "one"})
	s.Start(context.Background())
	s.Stop(context.Background())

	if s.Submit([]byte("frame"), alert.KindFire) {
		t.Fatal("Submit must refuse after Stop")
	}
}

func TestStopDrainsQueue(t *testing.T) {
	ch := &fakeChannel{label: "one"}
	s := newTestService(t, Config{Workers: 1, Cooldown: time.Nanosecond}, ch)
	s.Start(context.Background())

	if !s.Submit([]byte("frame"), alert.KindFire) {
		t.Fatal("Submit rejected")
	}
	s.Stop(context.Background())

	if ch.count() != 1 {
		t.Fatalf("delivered = %d, want queue drained before Stop returns", ch.count())
	}
}

// blockingChannel occupies a worker until its context is canceled.
type blockingChannel struct {
	entered chan struct{}
}

func (c *blockingChannel) Name() string { return "blocking" }

func (c *blockingChannel) Deliver(ctx context.Context, _ alert.Alert, _ media.Reference) error {
	c.entered <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

func TestForcedStopReleasesPendingEnqueue(t *testing.T) {
	block := &blockingChannel{entered: make(chan struct{}, 3)}
	s := newTestService(t, Config{Workers: 1, QueueSize: 1, Cooldown: time.Nanosecond}, block)
	s.Start(context.Background())

	// First alert occupies the single worker, second fills the queue,
	// third parks a goroutine on the full queue.
	if !s.Submit([]byte("frame"), alert.KindFire) {
		t.Fatal("first Submit rejected")
	}
	<-block.entered
	if !s.Submit([]byte("frame"), alert.KindSmoke) {
		t.Fatal("second Submit rejected")
	}
	if !s.Submit([]byte("frame"), alert.KindFire) {
		t.Fatal("third Submit rejected")
	}

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	s.Stop(expired)

	// The forced stop must release the parked enqueue so shutdown can
	// complete; a second Stop waits for that completion.
	done := make(chan struct{})
	go func() {
		s.Stop(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown never completed; a pending enqueue is stuck")
	}
}

func TestDeliveryFailureDoesNotBlockOtherChannels(t *testing.T) {
	bad := &fakeChannel{label: "bad", err: errors.New("provider down")}
	good := &fakeChannel{label: "good"}
	s := newTestService(t, Config{}, bad, good)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if !s.Submit([]byte("frame"), alert.KindFire) {
		t.Fatal("Submit rejected")
	}
	waitFor(t, func() bool { return good.count() == 1 && bad.count() == 1 })
}

func TestTestAlertSkipsPersist(t *testing.T) {
	ch := &fakeChannel{label: "one"}
	s := newTestService(t, Config{}, ch)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if !s.Submit(nil, alert.KindTest) {
		t.Fatal("test alert rejected")
	}
	waitFor(t, func() bool { return ch.count() == 1 })

	ch.mu.Lock()
	al := ch.delivered[0]
	ch.mu.Unlock()
	if al.ImagePath != "" {
		t.Fatalf("test alert persisted a frame at %q", al.ImagePath)
	}
}
