package schedule

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	logx "streamcast/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	starts []int64
	stops  []int64
	err    error
}

func (r *recorder) actions() Actions {
	return Actions{
		Start: func(ctx context.Context, channelID int64, source, title string) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.err != nil {
				return r.err
			}
			r.starts = append(r.starts, channelID)
			return nil
		},
		Stop: func(ctx context.Context, channelID int64) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.err != nil {
				return r.err
			}
			r.stops = append(r.stops, channelID)
			return nil
		},
	}
}

func (r *recorder) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starts)
}

func TestApplyRejectsBadSpecs(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := New(rec.actions(), logx.Nop())
	t.Cleanup(s.Stop)

	err := s.Apply([]Window{{ChannelID: 1, StartSpec: "not a cron spec", Source: "https://example.com/r"}})
	if err == nil || !strings.Contains(err.Error(), "start spec") {
		t.Fatalf("bad start spec: got %v", err)
	}

	err = s.Apply([]Window{{
		ChannelID: 1,
		StartSpec: "0 8 * * *",
		StopSpec:  "61 99 * * *",
		Source:    "https://example.com/r",
	}})
	if err == nil || !strings.Contains(err.Error(), "stop spec") {
		t.Fatalf("bad stop spec: got %v", err)
	}
}

func TestApplyStartsWindows(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := New(rec.actions(), logx.Nop())
	t.Cleanup(s.Stop)

	if err := s.Apply([]Window{{
		ChannelID: 7,
		StartSpec: "@every 10ms",
		Source:    "https://example.com/morning",
		Title:     "morning show",
	}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && rec.startCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.startCount() == 0 {
		t.Fatal("scheduled start never fired")
	}
	rec.mu.Lock()
	if rec.starts[0] != 7 {
		rec.mu.Unlock()
		t.Fatalf("started channel %d, want 7", rec.starts[0])
	}
	rec.mu.Unlock()
}

func TestApplyEmptyStopsRunner(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := New(rec.actions(), logx.Nop())
	t.Cleanup(s.Stop)

	if err := s.Apply([]Window{{ChannelID: 3, StartSpec: "@every 10ms", Source: "https://example.com/r"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && rec.startCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.startCount() == 0 {
		t.Fatal("scheduled start never fired")
	}

	if err := s.Apply(nil); err != nil {
		t.Fatalf("Apply(nil): %v", err)
	}
	n := rec.startCount()
	time.Sleep(60 * time.Millisecond)
	// One in-flight fire may land after the swap; the runner itself is gone.
	if got := rec.startCount(); got > n+1 {
		t.Fatalf("runner kept firing after empty Apply: %d -> %d", n, got)
	}
}

func TestFireHandlesActionErrors(t *testing.T) {
	t.Parallel()

	rec := &recorder{err: errors.New("channel limit reached")}
	s := New(rec.actions(), logx.Nop())
	t.Cleanup(s.Stop)

	// Errors are logged and swallowed; the scheduler keeps running.
	s.fireStart(Window{ChannelID: 1, Source: "https://example.com/r"})
	s.fireStop(Window{ChannelID: 1})
	if rec.startCount() != 0 {
		t.Fatalf("start recorded despite action error")
	}
}

func TestStopIdempotent(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := New(rec.actions(), logx.Nop())
	if err := s.Apply([]Window{{ChannelID: 1, StartSpec: "0 8 * * *", Source: "https://example.com/r"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	s.Stop()
	s.Stop()
}
