package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"streamcast/internal/store"
	"streamcast/internal/testsupport/redisstub"
	logx "streamcast/pkg/logx"
)

type callRecorder struct {
	mu       sync.Mutex
	warnings []time.Duration
	autoEnds []string
}

func (c *callRecorder) callbacks() Callbacks {
	return Callbacks{
		OnWarning: func(_ context.Context, _ int64, remaining time.Duration) {
			c.mu.Lock()
			c.warnings = append(c.warnings, remaining)
			c.mu.Unlock()
		},
		OnAutoEnd: func(_ context.Context, _ int64, reason string) {
			c.mu.Lock()
			c.autoEnds = append(c.autoEnds, reason)
			c.mu.Unlock()
		},
	}
}

func (c *callRecorder) counts() (warnings, autoEnds int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.warnings), len(c.autoEnds)
}

func newTestService(t *testing.T, cfg Config, cb Callbacks) (*Service, *redisstub.Server) {
	t.Helper()
	srv, err := redisstub.Start()
	if err != nil {
		t.Fatalf("start stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	st := store.New(store.Config{Addr: srv.Addr()})
	t.Cleanup(func() { _ = st.Close() })
	return New(cfg, cb, st, nil, logx.Nop()), srv
}

func TestTimeoutClamp(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{name: "zero uses default", in: 0, want: 5 * time.Minute},
		{name: "below floor", in: 10 * time.Second, want: time.Minute},
		{name: "above ceiling", in: 2 * time.Hour, want: 60 * time.Minute},
		{name: "in range", in: 7 * time.Minute, want: 7 * time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestService(t, Config{Timeout: tt.in}, Callbacks{})
			if got := s.Timeout(); got != tt.want {
				t.Fatalf("Timeout() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestArmCancel(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{Timeout: 2 * time.Minute}, Callbacks{})
	ctx := context.Background()

	if err := s.Arm(ctx, 1); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	remaining, armed, err := s.Remaining(ctx, 1)
	if err != nil || !armed {
		t.Fatalf("Remaining = armed=%v err=%v, want armed", armed, err)
	}
	if remaining <= 0 || remaining > 2*time.Minute {
		t.Fatalf("remaining = %v, want (0, 2m]", remaining)
	}

	if err := s.Cancel(ctx, 1, "track_started"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, armed, _ := s.Remaining(ctx, 1); armed {
		t.Fatal("still armed after cancel")
	}
	// cancelling a disarmed channel is a no-op
	if err := s.Cancel(ctx, 1, "track_started"); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
}

func TestExpiryFiresOnce(t *testing.T) {
	t.Parallel()
	rec := &callRecorder{}
	s, srv := newTestService(t, Config{Timeout: 2 * time.Minute}, rec.callbacks())
	ctx := context.Background()

	if err := s.Arm(ctx, 7); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	srv.FastForward(3 * time.Minute)

	s.observe(ctx)
	s.observe(ctx)

	_, ends := rec.counts()
	if ends != 1 {
		t.Fatalf("auto-end fired %d times, want 1", ends)
	}
	rec.mu.Lock()
	reason := rec.autoEnds[0]
	rec.mu.Unlock()
	if reason != "timeout" {
		t.Fatalf("auto-end reason = %q, want \"timeout\"", reason)
	}
}

func TestCancelBeatsExpiry(t *testing.T) {
	t.Parallel()
	rec := &callRecorder{}
	s, srv := newTestService(t, Config{Timeout: 2 * time.Minute}, rec.callbacks())
	ctx := context.Background()

	if err := s.Arm(ctx, 1); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if err := s.Cancel(ctx, 1, "track_started"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	srv.FastForward(3 * time.Minute)
	s.observe(ctx)

	if _, ends := rec.counts(); ends != 0 {
		t.Fatalf("auto-end fired after cancel")
	}
}

func TestWarningsFireOncePerThreshold(t *testing.T) {
	t.Parallel()
	rec := &callRecorder{}
	s, srv := newTestService(t, Config{Timeout: 2 * time.Minute}, rec.callbacks())
	ctx := context.Background()

	if err := s.Arm(ctx, 1); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	// cross the 60s threshold; repeat observation must not re-warn
	srv.FastForward(70 * time.Second)
	s.observe(ctx)
	s.observe(ctx)
	if warns, _ := rec.counts(); warns != 1 {
		t.Fatalf("warnings after 60s threshold = %d, want 1", warns)
	}

	// cross 30s
	srv.FastForward(25 * time.Second)
	s.observe(ctx)
	if warns, _ := rec.counts(); warns != 2 {
		t.Fatalf("warnings after 30s threshold = %d, want 2", warns)
	}

	// cross 10s
	srv.FastForward(20 * time.Second)
	s.observe(ctx)
	s.observe(ctx)
	if warns, _ := rec.counts(); warns != 3 {
		t.Fatalf("warnings after 10s threshold = %d, want 3", warns)
	}
}

func TestRearmResetsWarningState(t *testing.T) {
	t.Parallel()
	rec := &callRecorder{}
	s, srv := newTestService(t, Config{Timeout: 2 * time.Minute}, rec.callbacks())
	ctx := context.Background()

	if err := s.Arm(ctx, 1); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	srv.FastForward(70 * time.Second)
	s.observe(ctx)
	if warns, _ := rec.counts(); warns != 1 {
		t.Fatalf("warnings = %d, want 1", warns)
	}

	// re-arming restarts the countdown with fresh warning state
	if err := s.Arm(ctx, 1); err != nil {
		t.Fatalf("re-Arm: %v", err)
	}
	srv.FastForward(70 * time.Second)
	s.observe(ctx)
	if warns, _ := rec.counts(); warns != 2 {
		t.Fatalf("warnings after re-arm = %d, want 2", warns)
	}
}

func TestExtend(t *testing.T) {
	t.Parallel()
	s, srv := newTestService(t, Config{Timeout: 2 * time.Minute}, Callbacks{})
	ctx := context.Background()

	if err := s.Extend(ctx, 1, time.Minute); err == nil {
		t.Fatal("Extend without an armed timer must fail")
	}

	if err := s.Arm(ctx, 1); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	srv.FastForward(time.Minute)
	if err := s.Extend(ctx, 1, 2*time.Minute); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	remaining, armed, err := s.Remaining(ctx, 1)
	if err != nil || !armed {
		t.Fatalf("Remaining = armed=%v err=%v", armed, err)
	}
	// about 1m left plus 2m extension
	if remaining < 2*time.Minute+30*time.Second || remaining > 3*time.Minute {
		t.Fatalf("remaining after extend = %v, want ~3m", remaining)
	}

	if err := s.Extend(ctx, 1, 0); err == nil {
		t.Fatal("Extend(0) must fail")
	}
}

func TestOnListenerCount(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{Timeout: 2 * time.Minute}, Callbacks{})
	ctx := context.Background()

	if err := s.OnListenerCount(ctx, 1, 0); err != nil {
		t.Fatalf("OnListenerCount(0): %v", err)
	}
	if _, armed, _ := s.Remaining(ctx, 1); !armed {
		t.Fatal("drop to zero did not arm")
	}

	// a second zero report must not restart the countdown
	before, _, _ := s.Remaining(ctx, 1)
	if err := s.OnListenerCount(ctx, 1, 0); err != nil {
		t.Fatalf("OnListenerCount(0) again: %v", err)
	}
	after, _, _ := s.Remaining(ctx, 1)
	if after > before {
		t.Fatalf("repeated zero report restarted the timer: %v -> %v", before, after)
	}

	if err := s.OnListenerCount(ctx, 1, 3); err != nil {
		t.Fatalf("OnListenerCount(3): %v", err)
	}
	if _, armed, _ := s.Remaining(ctx, 1); armed {
		t.Fatal("listeners returning did not cancel")
	}
}

func TestStoreUnavailable(t *testing.T) {
	t.Parallel()
	s, srv := newTestService(t, Config{Timeout: 2 * time.Minute}, Callbacks{})
	_ = srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Arm(ctx, 1); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Arm with store down = %v, want ErrStoreUnavailable", err)
	}
	if err := s.Cancel(ctx, 1, "x"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Cancel with store down = %v, want ErrStoreUnavailable", err)
	}
}
