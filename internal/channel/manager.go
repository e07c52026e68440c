package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"streamcast/internal/eventbus"
	"streamcast/internal/history"
	"streamcast/internal/runtime/supervisor"
	"streamcast/internal/store"
	"streamcast/internal/transcode"
	logx "streamcast/pkg/logx"
)

type Config struct {
	// MaxConcurrent caps how many channels may have a track in flight at
	// once. Idle runners do not count against it.
	MaxConcurrent int
	// IdlePoll is how often an idle runner re-checks its queue.
	IdlePoll time.Duration
	// StatusTTL bounds the shared-store status mirror so stale entries
	// expire if the process dies.
	StatusTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = 3 * time.Second
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = 60 * time.Second
	}
	return c
}

// Hooks are optional notifications out of the manager. OnError fires once
// when a channel enters the error state; the manager never retries on its
// own, restarting is the caller's call.
type Hooks struct {
	OnError func(channelID int64, err error)
}

// Manager runs one isolated runner per active channel and enforces the
// global concurrency ceiling.
type Manager struct {
	cfg       Config
	queue     Queue
	wd        Watchdog
	tc        Transcoder
	transport Transport
	resolver  Resolver
	hist      history.Store // may be nil
	st        *store.Store  // may be nil; disables the status mirror
	bus       eventbus.Bus
	hooks     Hooks
	log       logx.Logger

	// sem counts in-flight tracks, not runners: a slot is held from
	// Buffering until the track ends (pauses and reconnects included) and
	// returned while a runner sits Idle.
	sem *semaphore.Weighted

	mu      sync.Mutex
	runners map[int64]*runner
}

func New(cfg Config, q Queue, wd Watchdog, tc Transcoder, tr Transport, res Resolver, hist history.Store, st *store.Store, bus eventbus.Bus, hooks Hooks, log logx.Logger) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:       cfg,
		queue:     q,
		wd:        wd,
		tc:        tc,
		transport: tr,
		resolver:  res,
		hist:      hist,
		st:        st,
		bus:       bus,
		hooks:     hooks,
		log:       log.With(logx.String("component", "channel.manager")),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		runners:   make(map[int64]*runner),
	}
}

// CanStartChannel reports whether the number of channels currently playing a
// track is below the global ceiling. Started-but-idle channels never block a
// new start.
func (m *Manager) CanStartChannel() bool {
	if !m.sem.TryAcquire(1) {
		return false
	}
	m.sem.Release(1)
	return true
}

// ActiveCount reports how many runners are in an active playback state.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runners {
		if r.state().Status.active() {
			n++
		}
	}
	return n
}

// StartPlayback starts (or restarts) queue-driven playback for a channel.
// It returns ErrConcurrencyLimit when all slots are taken.
func (m *Manager) StartPlayback(ctx context.Context, sup *supervisor.Supervisor, channelID int64) error {
	return m.start(ctx, sup, channelID, nil)
}

// StartRadio starts continuous playback of a single live source. The queue
// is ignored while radio mode is active.
func (m *Manager) StartRadio(ctx context.Context, sup *supervisor.Supervisor, channelID int64, source, title string) error {
	if source == "" {
		return fmt.Errorf("channel %d: radio source is empty", channelID)
	}
	return m.start(ctx, sup, channelID, &radioSource{Source: source, Title: title})
}

func (m *Manager) start(ctx context.Context, sup *supervisor.Supervisor, channelID int64, radio *radioSource) error {
	m.mu.Lock()
	if r, ok := m.runners[channelID]; ok {
		m.mu.Unlock()
		// Restarting an errored/stopped channel replaces the runner.
		if r.state().Status.active() {
			return fmt.Errorf("channel %d: already active", channelID)
		}
		m.stopRunner(ctx, channelID, "restart")
		m.mu.Lock()
	}
	if !m.CanStartChannel() {
		m.mu.Unlock()
		return ErrConcurrencyLimit
	}

	rctx, cancel := context.WithCancel(sup.Context())
	r := newRunner(m, channelID, radio, cancel)
	m.runners[channelID] = r
	m.mu.Unlock()

	if err := m.wd.Cancel(ctx, channelID, "playback_started"); err != nil {
		m.log.Warn("watchdog cancel on start failed", logx.Int64("channel_id", channelID), logx.Err(err))
	}

	// The runner entry stays in the table after exit so state remains
	// inspectable until the next start replaces it.
	sup.Go(fmt.Sprintf("channel.%d", channelID), func(context.Context) error {
		r.run(rctx)
		return nil
	})
	m.log.Info("channel started",
		logx.Int64("channel_id", channelID),
		logx.Bool("radio", radio != nil))
	return nil
}

// StopChannel ends playback and moves the channel to the stopped state. It
// is a no-op for unknown channels.
func (m *Manager) StopChannel(ctx context.Context, channelID int64) error {
	return m.StopChannelReason(ctx, channelID, "stopped")
}

// StopChannelReason stops a channel recording a caller-supplied reason, e.g.
// "timeout" when the idle watchdog ends the stream.
func (m *Manager) StopChannelReason(ctx context.Context, channelID int64, reason string) error {
	m.mu.Lock()
	_, ok := m.runners[channelID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownChannel
	}
	m.stopRunner(ctx, channelID, reason)
	return nil
}

func (m *Manager) stopRunner(ctx context.Context, channelID int64, reason string) {
	m.mu.Lock()
	r, ok := m.runners[channelID]
	if ok {
		delete(m.runners, channelID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	r.stop(reason)
	_ = m.transport.Stop(channelID)
	if err := m.wd.Cancel(ctx, channelID, reason); err != nil {
		m.log.Warn("watchdog cancel on stop failed", logx.Int64("channel_id", channelID), logx.Err(err))
	}
	m.log.Info("channel stopped", logx.Int64("channel_id", channelID), logx.String("reason", reason))
}

// Pause suspends the current track. It reports false when the channel is not
// in a pausable state.
func (m *Manager) Pause(channelID int64) bool {
	r := m.runner(channelID)
	if r == nil {
		return false
	}
	return r.pause()
}

// Resume continues a paused track. It reports false when the channel is not
// paused.
func (m *Manager) Resume(channelID int64) bool {
	r := m.runner(channelID)
	if r == nil {
		return false
	}
	return r.resume()
}

// Skip interrupts the current track and lets the runner advance to the next
// queued item. It reports false when nothing is playing.
func (m *Manager) Skip(channelID int64) bool {
	r := m.runner(channelID)
	if r == nil {
		return false
	}
	return r.skipCurrent()
}

// SetSpeed stores the tempo multiplier applied to subsequent tracks.
func (m *Manager) SetSpeed(channelID int64, speed float64) error {
	if !transcode.ValidSpeed(speed) {
		return fmt.Errorf("channel %d: speed %.2f out of range [%.1f, %.1f]",
			channelID, speed, transcode.MinSpeed, transcode.MaxSpeed)
	}
	r := m.runner(channelID)
	if r == nil {
		return ErrUnknownChannel
	}
	r.setState(func(s *State) { s.Speed = speed })
	return nil
}

// SetEqualizer stores the EQ preset applied to subsequent tracks.
func (m *Manager) SetEqualizer(channelID int64, preset string) error {
	if !transcode.ValidEQPreset(preset) {
		return fmt.Errorf("channel %d: unknown eq preset %q", channelID, preset)
	}
	r := m.runner(channelID)
	if r == nil {
		return ErrUnknownChannel
	}
	r.setState(func(s *State) { s.EQPreset = preset })
	return nil
}

// OnListenerCount forwards listener-count updates to the idle watchdog for
// channels the manager is running.
func (m *Manager) OnListenerCount(ctx context.Context, channelID int64, listeners int) error {
	r := m.runner(channelID)
	if r == nil || !r.state().Status.active() {
		return nil
	}
	return m.wd.OnListenerCount(ctx, channelID, listeners)
}

// GetState returns a channel's snapshot.
func (m *Manager) GetState(channelID int64) (State, bool) {
	r := m.runner(channelID)
	if r == nil {
		return State{}, false
	}
	return r.state(), true
}

// Snapshot returns the snapshots of every known channel.
func (m *Manager) Snapshot() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, len(m.runners))
	for _, r := range m.runners {
		out = append(out, r.state())
	}
	return out
}

// Shutdown stops every runner.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.runners))
	for id := range m.runners {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.stopRunner(ctx, id, "shutdown")
	}
}

func (m *Manager) runner(channelID int64) *runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runners[channelID]
}

// mirrorState writes the snapshot to the shared store and publishes a status
// event. Mirror failures are logged, never propagated into playback.
func (m *Manager) mirrorState(s State) {
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{
			Type: eventbus.TopicChannelStatus,
			Data: eventbus.StatusEvent{
				ChannelID: s.ChannelID,
				Status:    s.Status.String(),
				Message:   s.Message,
			},
		})
	}
	if m.st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.st.SetHash(ctx, statusKey(s.ChannelID), s.hashFields(), m.cfg.StatusTTL); err != nil {
		m.log.Warn("status mirror write failed", logx.Int64("channel_id", s.ChannelID), logx.Err(err))
	}
}

func (m *Manager) record(ctx context.Context, e history.Entry) {
	if m.hist == nil {
		return
	}
	if err := m.hist.Append(ctx, e); err != nil {
		m.log.Warn("history append failed", logx.Int64("channel_id", e.ChannelID), logx.Err(err))
	}
}
