package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitDone(t *testing.T, s *Supervisor) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.Wait(ctx)
}

func TestGoCleanExit(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	var ran atomic.Bool
	s.Go("worker", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	if err := waitDone(t, s); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !ran.Load() {
		t.Fatal("goroutine never ran")
	}
	c := s.Counters()
	if c.Active != 0 || c.Started != 1 {
		t.Fatalf("Counters = %+v", c)
	}
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	boom := errors.New("redis gone")
	s.Go("store.ping", func(ctx context.Context) error { return boom })
	s.Go("blocker", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	err := waitDone(t, s)
	if !errors.Is(err, boom) {
		t.Fatalf("Wait = %v, want wrapped %v", err, boom)
	}
	if !strings.Contains(err.Error(), "store.ping") {
		t.Fatalf("error %q missing task name", err)
	}
	select {
	case <-s.Context().Done():
	default:
		t.Fatal("context not cancelled after error")
	}
}

func TestCanceledIsCleanExit(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("poller", func(ctx context.Context) error { return context.Canceled })
	if err := waitDone(t, s); err != nil {
		t.Fatalf("Wait after context.Canceled return: %v", err)
	}
}

func TestPanicRecorded(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	s.Go("crasher", func(ctx context.Context) error { panic("nil item") })

	err := waitDone(t, s)
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("Wait = %v, want panic error", err)
	}
	snap := s.Snapshot()
	var found bool
	for _, ts := range snap.Tasks {
		if ts.Name == "crasher" {
			found = true
			if ts.Panics != 1 {
				t.Fatalf("panics = %d, want 1", ts.Panics)
			}
		}
	}
	if !found {
		t.Fatalf("crasher missing from snapshot: %+v", snap.Tasks)
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	if err := waitDone(t, s); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestGoRestartGivesUpAfterMaxRestarts(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("hopeless", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("still broken")
	},
		WithRestartBackoff(time.Millisecond, 5*time.Millisecond),
		WithMaxRestarts(2))

	if err := waitDone(t, s); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	// Initial run plus two restarts.
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestGoRestartStopsOnCancel(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	started := make(chan struct{}, 1)
	s.GoRestart("loop", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return errors.New("socket closed")
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("loop never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
