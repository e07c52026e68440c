// Package watchdog ends idle streams. When a channel's listener count drops
// to zero a countdown timer is written to the shared store with a TTL; the
// TTL expiring is the firing mechanism. An observation loop polls remaining
// time to emit pre-expiry warnings and to detect expiry.
package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"streamcast/internal/eventbus"
	"streamcast/internal/runtime/supervisor"
	"streamcast/internal/store"
	logx "streamcast/pkg/logx"
)

// ErrStoreUnavailable means the arm/disarm operation did not take effect and
// the caller must not assume any timer state.
var ErrStoreUnavailable = errors.New("watchdog store unavailable")

const (
	defaultTimeout = 5 * time.Minute
	minTimeout     = time.Minute
	maxTimeout     = 60 * time.Minute
)

type Config struct {
	// Timeout before an idle stream is ended. Default 5m, clamped to [1m, 60m].
	Timeout time.Duration
	// WarnThresholds are seconds-before-expiry at which a warning fires once
	// per timer instance. Default 60, 30, 10.
	WarnThresholds []int
	// PollInterval of the observation loop. Default 5s.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Timeout < minTimeout {
		c.Timeout = minTimeout
	}
	if c.Timeout > maxTimeout {
		c.Timeout = maxTimeout
	}
	if len(c.WarnThresholds) == 0 {
		c.WarnThresholds = []int{60, 30, 10}
	}
	// largest first so one pass fires the closest unfired threshold
	sort.Sort(sort.Reverse(sort.IntSlice(c.WarnThresholds)))
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	return c
}

// Callbacks are explicit function fields, invoked from the observation loop.
type Callbacks struct {
	OnWarning func(ctx context.Context, channelID int64, remaining time.Duration)
	OnAutoEnd func(ctx context.Context, channelID int64, reason string)
}

// timerRecord is the JSON value behind auto_end_timer:{channel}.
type timerRecord struct {
	StartedAt  time.Time `json:"started_at"`
	TimeoutSec int       `json:"timeout_sec"`
}

type armedState struct {
	warned map[int]bool
}

type Service struct {
	cfg   Config
	cb    Callbacks
	store *store.Store
	bus   eventbus.Bus
	log   logx.Logger

	mu    sync.Mutex
	armed map[int64]*armedState
}

func New(cfg Config, cb Callbacks, st *store.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		cb:    cb,
		store: st,
		bus:   bus,
		log:   log,
		armed: map[int64]*armedState{},
	}
}

func (s *Service) key(channelID int64) string {
	return s.store.Key(fmt.Sprintf("auto_end_timer:%d", channelID))
}

// Timeout reports the effective (clamped) idle timeout.
func (s *Service) Timeout() time.Duration { return s.cfg.Timeout }

// Arm starts the idle countdown for a channel. Arming an already armed
// channel restarts its countdown with a fresh warning state.
func (s *Service) Arm(ctx context.Context, channelID int64) error {
	return s.armFor(ctx, channelID, s.cfg.Timeout)
}

func (s *Service) armFor(ctx context.Context, channelID int64, timeout time.Duration) error {
	rec := timerRecord{StartedAt: time.Now().UTC(), TimeoutSec: int(timeout / time.Second)}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode timer record: %w", err)
	}
	if err := s.store.SetTTL(ctx, s.key(channelID), string(raw), timeout); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	s.armed[channelID] = &armedState{warned: map[int]bool{}}
	s.mu.Unlock()

	s.log.Info("idle timer armed",
		logx.Int64("channel", channelID), logx.Duration("timeout", timeout))
	return nil
}

// Cancel disarms the channel. It is idempotent: cancelling an already
// disarmed channel is a no-op. The reason is recorded for observability.
func (s *Service) Cancel(ctx context.Context, channelID int64, reason string) error {
	s.mu.Lock()
	_, wasArmed := s.armed[channelID]
	delete(s.armed, channelID)
	s.mu.Unlock()

	if _, err := s.store.Delete(ctx, s.key(channelID)); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.log.Info("idle timer cancelled",
		logx.Int64("channel", channelID), logx.String("reason", reason),
		logx.Bool("was_armed", wasArmed))
	if wasArmed && s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TopicWatchdogCancelled,
			Data: eventbus.WatchdogEvent{ChannelID: channelID, Reason: reason},
		})
	}
	return nil
}

// Extend pushes the expiry further out: the new countdown is the remaining
// time plus the extension. Warning state resets, since every threshold lies
// ahead again on the new countdown.
func (s *Service) Extend(ctx context.Context, channelID int64, by time.Duration) error {
	if by <= 0 {
		return fmt.Errorf("extend duration must be > 0")
	}
	remaining, exists, err := s.store.TTL(ctx, s.key(channelID))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !exists {
		return fmt.Errorf("channel %d has no armed timer", channelID)
	}
	return s.armFor(ctx, channelID, remaining+by)
}

// Remaining reports the time left on a channel's timer; armed is false when
// no timer exists.
func (s *Service) Remaining(ctx context.Context, channelID int64) (time.Duration, bool, error) {
	remaining, exists, err := s.store.TTL(ctx, s.key(channelID))
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return remaining, exists, nil
}

// OnListenerCount feeds listener presence: a drop to zero arms the timer, a
// return above zero cancels it.
func (s *Service) OnListenerCount(ctx context.Context, channelID int64, listeners int) error {
	s.mu.Lock()
	_, isArmed := s.armed[channelID]
	s.mu.Unlock()

	switch {
	case listeners <= 0 && !isArmed:
		return s.Arm(ctx, channelID)
	case listeners > 0 && isArmed:
		return s.Cancel(ctx, channelID, "listeners_returned")
	default:
		return nil
	}
}

// Start runs the observation loop under the supervisor until ctx is done.
func (s *Service) Start(sup *supervisor.Supervisor) {
	sup.GoRestart("watchdog.observe", func(ctx context.Context) error {
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return context.Canceled
			case <-ticker.C:
				s.observe(ctx)
			}
		}
	})
}

// observe walks the armed channels once. Store errors are logged and left for
// the next tick; consecutive failures are non-fatal.
func (s *Service) observe(ctx context.Context) {
	s.mu.Lock()
	channels := make([]int64, 0, len(s.armed))
	for ch := range s.armed {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	for _, ch := range channels {
		remaining, exists, err := s.store.TTL(ctx, s.key(ch))
		if err != nil {
			s.log.Warn("watchdog observe failed", logx.Int64("channel", ch), logx.Err(err))
			continue
		}
		if !exists {
			s.fire(ctx, ch)
			continue
		}
		s.warnIfDue(ctx, ch, remaining)
	}
}

// fire handles a timer whose record vanished without an explicit cancel:
// the TTL expired, so the stream ends with reason "timeout".
func (s *Service) fire(ctx context.Context, channelID int64) {
	s.mu.Lock()
	_, stillArmed := s.armed[channelID]
	delete(s.armed, channelID)
	s.mu.Unlock()
	if !stillArmed {
		// raced with Cancel
		return
	}

	s.log.Info("idle timer expired", logx.Int64("channel", channelID))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TopicWatchdogTriggered,
			Data: eventbus.WatchdogEvent{ChannelID: channelID, Reason: "timeout"},
		})
	}
	if s.cb.OnAutoEnd != nil {
		s.cb.OnAutoEnd(ctx, channelID, "timeout")
	}
}

func (s *Service) warnIfDue(ctx context.Context, channelID int64, remaining time.Duration) {
	s.mu.Lock()
	st := s.armed[channelID]
	var due []int
	if st != nil {
		for _, t := range s.cfg.WarnThresholds {
			if remaining <= time.Duration(t)*time.Second && !st.warned[t] {
				st.warned[t] = true
				due = append(due, t)
			}
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		s.log.Info("idle timer warning",
			logx.Int64("channel", channelID),
			logx.Int("threshold_sec", t),
			logx.Duration("remaining", remaining))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{
				Type: eventbus.TopicWatchdogWarning,
				Data: eventbus.WatchdogEvent{ChannelID: channelID, Remaining: remaining},
			})
		}
		if s.cb.OnWarning != nil {
			s.cb.OnWarning(ctx, channelID, remaining)
		}
	}
}
