package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"flareguard/pkg/logx"
)

type fakeSource struct {
	mu        sync.Mutex
	discovers int
	sweeps    int
	err       error
}

func (f *fakeSource) Discover(context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovers++
	return nil, f.err
}

func (f *fakeSource) VerifySweep(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return f.err
}

func (f *fakeSource) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discovers, f.sweeps
}

func TestStartRunsImmediateDiscovery(t *testing.T) {
	src := &fakeSource{}
	s := New(Config{DiscoverSchedule: "@every 1h", VerifySchedule: "-"}, src, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d, _ := src.counts(); d >= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("startup discovery pass never ran")
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := New(Config{DiscoverSchedule: "not a schedule"}, &fakeSource{}, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("bad schedule accepted")
	}
}

func TestStopPreventsFurtherRuns(t *testing.T) {
	src := &fakeSource{err: errors.New("provider down")}
	s := New(Config{DiscoverSchedule: "@every 1h"}, src, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop(context.Background())

	before, _ := src.counts()
	s.runDiscover()
	after, _ := src.counts()
	if after != before {
		t.Fatal("run executed after Stop")
	}
}

func TestStartIdempotent(t *testing.T) {
	s := New(Config{DiscoverSchedule: "@every 1h", VerifySchedule: "-"}, &fakeSource{}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
}
