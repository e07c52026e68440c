package channel

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"streamcast/internal/history"
	"streamcast/internal/queue"
	rtsup "streamcast/internal/runtime/supervisor"
	"streamcast/internal/transcode"
	logx "streamcast/pkg/logx"
)

// ---- fakes ----

type fakeQueue struct {
	mu    sync.Mutex
	items map[int64][]queue.Item
	pops  int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{items: make(map[int64][]queue.Item)}
}

func (q *fakeQueue) push(channelID int64, items ...queue.Item) {
	q.mu.Lock()
	q.items[channelID] = append(q.items[channelID], items...)
	q.mu.Unlock()
}

func (q *fakeQueue) PeekNext(_ context.Context, ch int64) (*queue.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items[ch]) == 0 {
		return nil, nil
	}
	it := q.items[ch][0]
	return &it, nil
}

func (q *fakeQueue) PopNext(_ context.Context, ch int64) (*queue.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items[ch]) == 0 {
		return nil, nil
	}
	it := q.items[ch][0]
	q.items[ch] = q.items[ch][1:]
	q.pops++
	return &it, nil
}

func (q *fakeQueue) Skip(ctx context.Context, ch int64) (*queue.Item, error) {
	if _, err := q.PopNext(ctx, ch); err != nil {
		return nil, err
	}
	return q.PeekNext(ctx, ch)
}

func (q *fakeQueue) Len(_ context.Context, ch int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[ch]), nil
}

func (q *fakeQueue) popCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pops
}

type fakeWatchdog struct {
	mu      sync.Mutex
	arms    int
	cancels []string
}

func (w *fakeWatchdog) Arm(context.Context, int64) error {
	w.mu.Lock()
	w.arms++
	w.mu.Unlock()
	return nil
}

func (w *fakeWatchdog) Cancel(_ context.Context, _ int64, reason string) error {
	w.mu.Lock()
	w.cancels = append(w.cancels, reason)
	w.mu.Unlock()
	return nil
}

func (w *fakeWatchdog) OnListenerCount(context.Context, int64, int) error { return nil }

func (w *fakeWatchdog) armCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.arms
}

type fakeTranscoder struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeTranscoder) Transcode(context.Context, transcode.Request) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader("audio")), nil
}

// fakeTransport optionally blocks Play until Stop or context cancel, the way
// a real push process does.
type fakeTransport struct {
	block bool

	mu      sync.Mutex
	stops   map[int64]chan struct{}
	plays   int
	playErr error
	lastTrk TrackInfo
}

func newFakeTransport(block bool) *fakeTransport {
	return &fakeTransport{block: block, stops: make(map[int64]chan struct{})}
}

func (f *fakeTransport) Play(ctx context.Context, ch int64, stream io.ReadCloser, trk TrackInfo) error {
	defer stream.Close()
	f.mu.Lock()
	f.plays++
	f.lastTrk = trk
	err := f.playErr
	stop := make(chan struct{}, 1)
	f.stops[ch] = stop
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if !f.block {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return nil
	}
}

func (f *fakeTransport) Pause(int64) error  { return nil }
func (f *fakeTransport) Resume(int64) error { return nil }

func (f *fakeTransport) Stop(ch int64) error {
	f.mu.Lock()
	stop := f.stops[ch]
	f.mu.Unlock()
	if stop != nil {
		select {
		case stop <- struct{}{}:
		default:
		}
	}
	return nil
}

func (f *fakeTransport) playCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plays
}

func (f *fakeTransport) lastTrack() TrackInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastTrk
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (h *fakeHistory) Append(_ context.Context, e history.Entry) error {
	h.mu.Lock()
	h.entries = append(h.entries, e)
	h.mu.Unlock()
	return nil
}

func (h *fakeHistory) Recent(_ context.Context, ch int64, n int) ([]history.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []history.Entry
	for i := len(h.entries) - 1; i >= 0 && len(out) < n; i-- {
		if h.entries[i].ChannelID == ch {
			out = append(out, h.entries[i])
		}
	}
	return out, nil
}

func (h *fakeHistory) Close() error { return nil }

func (h *fakeHistory) reasons() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.Reason
	}
	return out
}

type passResolver struct{}

func (passResolver) Resolve(_ context.Context, source string) (ResolvedMedia, error) {
	return ResolvedMedia{URL: source, Title: "t"}, nil
}

type failResolver struct{}

func (failResolver) Resolve(context.Context, string) (ResolvedMedia, error) {
	return ResolvedMedia{}, errors.New("no such source")
}

// ---- harness ----

type env struct {
	m    *Manager
	q    *fakeQueue
	wd   *fakeWatchdog
	tc   *fakeTranscoder
	tr   *fakeTransport
	hist *fakeHistory
	sup  *rtsup.Supervisor
	ctx  context.Context
}

func newEnv(t *testing.T, cfg Config, tr *fakeTransport, res Resolver) *env {
	t.Helper()
	if cfg.IdlePoll == 0 {
		cfg.IdlePoll = 10 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e := &env{
		q:    newFakeQueue(),
		wd:   &fakeWatchdog{},
		tc:   &fakeTranscoder{},
		tr:   tr,
		hist: &fakeHistory{},
		sup:  rtsup.NewSupervisor(ctx),
		ctx:  ctx,
	}
	e.m = New(cfg, e.q, e.wd, e.tc, e.tr, res, e.hist, nil, nil, Hooks{}, logx.Nop())
	t.Cleanup(func() {
		cancel()
		wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer wcancel()
		_ = e.sup.Wait(wctx)
	})
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (e *env) waitStatus(t *testing.T, ch int64, want Status) {
	t.Helper()
	waitFor(t, "status "+want.String(), func() bool {
		st, ok := e.m.GetState(ch)
		return ok && st.Status == want
	})
}

func testItem(title string) queue.Item {
	return queue.Item{ID: "id-" + title, Title: title, Source: "https://media/" + title}
}

// ---- tests ----

func TestPauseResumeTransitions(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{}, newFakeTransport(true), passResolver{})
	e.q.push(1, testItem("a"))

	if err := e.m.StartPlayback(e.ctx, e.sup, 1); err != nil {
		t.Fatalf("StartPlayback: %v", err)
	}
	e.waitStatus(t, 1, StatusPlaying)

	if !e.m.Pause(1) {
		t.Fatal("Pause on playing channel = false")
	}
	if st, _ := e.m.GetState(1); st.Status != StatusPaused {
		t.Fatalf("status after pause = %v", st.Status)
	}
	if e.m.Pause(1) {
		t.Fatal("Pause on paused channel = true")
	}
	if !e.m.Resume(1) {
		t.Fatal("Resume on paused channel = false")
	}
	if st, _ := e.m.GetState(1); st.Status != StatusPlaying {
		t.Fatalf("status after resume = %v", st.Status)
	}
	if e.m.Resume(1) {
		t.Fatal("Resume on playing channel = true")
	}

	// unknown channels refuse both
	if e.m.Pause(99) || e.m.Resume(99) {
		t.Fatal("pause/resume on unknown channel = true")
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{MaxConcurrent: 2}, newFakeTransport(true), passResolver{})
	e.q.push(1, testItem("a"))
	e.q.push(2, testItem("b"))
	e.q.push(3, testItem("c"))

	if err := e.m.StartPlayback(e.ctx, e.sup, 1); err != nil {
		t.Fatalf("start 1: %v", err)
	}
	if err := e.m.StartPlayback(e.ctx, e.sup, 2); err != nil {
		t.Fatalf("start 2: %v", err)
	}
	e.waitStatus(t, 1, StatusPlaying)
	e.waitStatus(t, 2, StatusPlaying)
	if e.m.CanStartChannel() {
		t.Fatal("CanStartChannel = true at the ceiling")
	}
	if err := e.m.StartPlayback(e.ctx, e.sup, 3); !errors.Is(err, ErrConcurrencyLimit) {
		t.Fatalf("start over ceiling = %v, want ErrConcurrencyLimit", err)
	}

	// stopping one channel frees its slot
	if err := e.m.StopChannel(e.ctx, 1); err != nil {
		t.Fatalf("StopChannel: %v", err)
	}
	waitFor(t, "freed slot", e.m.CanStartChannel)
	if err := e.m.StartPlayback(e.ctx, e.sup, 3); err != nil {
		t.Fatalf("start 3 after stop: %v", err)
	}
}

func TestIdleChannelDoesNotHoldSlot(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{MaxConcurrent: 1}, newFakeTransport(true), passResolver{})

	// Channel 1 starts with nothing queued and settles in Idle. An idle
	// runner must not count against the ceiling.
	if err := e.m.StartPlayback(e.ctx, e.sup, 1); err != nil {
		t.Fatalf("start 1: %v", err)
	}
	e.waitStatus(t, 1, StatusIdle)
	if !e.m.CanStartChannel() {
		t.Fatal("CanStartChannel = false with only an idle channel")
	}

	// Channel 2 takes the single slot once its track is in flight.
	e.q.push(2, testItem("a"))
	if err := e.m.StartPlayback(e.ctx, e.sup, 2); err != nil {
		t.Fatalf("start 2: %v", err)
	}
	e.waitStatus(t, 2, StatusPlaying)
	if e.m.CanStartChannel() {
		t.Fatal("CanStartChannel = true while a track is in flight")
	}
	if err := e.m.StartPlayback(e.ctx, e.sup, 3); !errors.Is(err, ErrConcurrencyLimit) {
		t.Fatalf("start 3 = %v, want ErrConcurrencyLimit", err)
	}

	// Pausing keeps the slot held; the track is still in flight.
	if !e.m.Pause(2) {
		t.Fatal("Pause(2) = false")
	}
	if e.m.CanStartChannel() {
		t.Fatal("CanStartChannel = true while paused")
	}
	if !e.m.Resume(2) {
		t.Fatal("Resume(2) = false")
	}

	// When the track ends the runner goes Idle and the slot comes back.
	if err := e.tr.Stop(2); err != nil {
		t.Fatalf("transport stop: %v", err)
	}
	e.waitStatus(t, 2, StatusIdle)
	waitFor(t, "freed slot", e.m.CanStartChannel)
}

func TestStopChannel(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{}, newFakeTransport(true), passResolver{})
	e.q.push(1, testItem("a"))

	if err := e.m.StopChannel(e.ctx, 1); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("StopChannel(unknown) = %v, want ErrUnknownChannel", err)
	}

	if err := e.m.StartPlayback(e.ctx, e.sup, 1); err != nil {
		t.Fatalf("StartPlayback: %v", err)
	}
	e.waitStatus(t, 1, StatusPlaying)
	if err := e.m.StopChannel(e.ctx, 1); err != nil {
		t.Fatalf("StopChannel: %v", err)
	}
	// the runner entry is gone after an explicit stop
	if _, ok := e.m.GetState(1); ok {
		t.Fatal("state still registered after stop")
	}
	waitFor(t, "stopped reason in history", func() bool {
		for _, r := range e.hist.reasons() {
			if r == "stopped" {
				return true
			}
		}
		return false
	})
}

func TestSkipRecordsReason(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{}, newFakeTransport(true), passResolver{})
	e.q.push(1, testItem("a"), testItem("b"))

	if err := e.m.StartPlayback(e.ctx, e.sup, 1); err != nil {
		t.Fatalf("StartPlayback: %v", err)
	}
	e.waitStatus(t, 1, StatusPlaying)

	if !e.m.Skip(1) {
		t.Fatal("Skip on playing channel = false")
	}
	waitFor(t, "skip recorded", func() bool {
		for _, r := range e.hist.reasons() {
			if r == "skipped" {
				return true
			}
		}
		return false
	})
	// playback advanced to the next item
	waitFor(t, "next track playing", func() bool {
		st, ok := e.m.GetState(1)
		return ok && st.Status == StatusPlaying && st.Current != nil && st.Current.Title == "b"
	})

	if e.m.Skip(99) {
		t.Fatal("Skip on unknown channel = true")
	}
}

func TestTransportFailureReconnectsThenErrors(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport(false)
	tr.playErr = errors.New("ingest gone")
	var hookCalls int
	var hookMu sync.Mutex
	e := newEnv(t, Config{}, tr, passResolver{})
	e.m.hooks.OnError = func(int64, error) {
		hookMu.Lock()
		hookCalls++
		hookMu.Unlock()
	}
	e.q.push(1, testItem("a"))

	if err := e.m.StartPlayback(e.ctx, e.sup, 1); err != nil {
		t.Fatalf("StartPlayback: %v", err)
	}
	e.waitStatus(t, 1, StatusError)

	// one reconnect attempt, then error; no automatic retry afterwards
	if n := tr.playCount(); n != 2 {
		t.Fatalf("play attempts = %d, want 2", n)
	}
	hookMu.Lock()
	calls := hookCalls
	hookMu.Unlock()
	if calls != 1 {
		t.Fatalf("OnError fired %d times, want 1", calls)
	}
	st, _ := e.m.GetState(1)
	if st.Message == "" {
		t.Fatal("error state carries no message")
	}

	// an explicit restart replaces the errored runner
	tr.mu.Lock()
	tr.playErr = nil
	tr.mu.Unlock()
	e.q.push(1, testItem("b"))
	if err := e.m.StartPlayback(e.ctx, e.sup, 1); err != nil {
		t.Fatalf("restart after error: %v", err)
	}
	waitFor(t, "restart played", func() bool { return tr.playCount() >= 3 })
}

func TestResolveFailureSkipsQueueItem(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{}, newFakeTransport(false), failResolver{})
	e.q.push(1, testItem("bad"))

	if err := e.m.StartPlayback(e.ctx, e.sup, 1); err != nil {
		t.Fatalf("StartPlayback: %v", err)
	}
	// the unresolvable item is dropped and the channel settles back to idle
	e.waitStatus(t, 1, StatusIdle)
	waitFor(t, "error reason recorded", func() bool {
		for _, r := range e.hist.reasons() {
			if r == "error" {
				return true
			}
		}
		return false
	})
	if n := e.tr.playCount(); n != 0 {
		t.Fatalf("transport played an unresolvable item %d times", n)
	}
}

func TestRadioMode(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{}, newFakeTransport(true), passResolver{})
	e.q.push(1, testItem("queued"))

	if err := e.m.StartRadio(e.ctx, e.sup, 1, "https://radio/stream", "late night"); err != nil {
		t.Fatalf("StartRadio: %v", err)
	}
	e.waitStatus(t, 1, StatusPlaying)

	if trk := e.tr.lastTrack(); !trk.Radio {
		t.Fatalf("track info = %+v, want radio", trk)
	}
	// radio mode never touches the queue
	if n := e.q.popCount(); n != 0 {
		t.Fatalf("queue popped %d times in radio mode", n)
	}
	if n, _ := e.q.Len(e.ctx, 1); n != 1 {
		t.Fatalf("queue length = %d, want untouched 1", n)
	}

	if err := e.m.StartRadio(e.ctx, e.sup, 2, "", ""); err == nil {
		t.Fatal("StartRadio with empty source must fail")
	}
}

func TestRadioResolveFailureErrors(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{}, newFakeTransport(false), failResolver{})

	if err := e.m.StartRadio(e.ctx, e.sup, 1, "https://radio/404", ""); err != nil {
		t.Fatalf("StartRadio: %v", err)
	}
	// unlike queued items, a dead radio source is an error state
	e.waitStatus(t, 1, StatusError)
}

func TestIdleArmsWatchdogOnce(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{IdlePoll: 5 * time.Millisecond}, newFakeTransport(false), passResolver{})

	if err := e.m.StartPlayback(e.ctx, e.sup, 1); err != nil {
		t.Fatalf("StartPlayback: %v", err)
	}
	e.waitStatus(t, 1, StatusIdle)
	waitFor(t, "watchdog armed", func() bool { return e.wd.armCount() == 1 })

	// more idle polls must not re-arm
	time.Sleep(50 * time.Millisecond)
	if n := e.wd.armCount(); n != 1 {
		t.Fatalf("watchdog armed %d times while idle, want 1", n)
	}

	// a track arriving cancels the timer, and draining re-arms
	e.q.push(1, testItem("a"))
	waitFor(t, "re-armed after track", func() bool { return e.wd.armCount() == 2 })
}

func TestSetSpeedAndEqualizer(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{}, newFakeTransport(true), passResolver{})
	e.q.push(1, testItem("a"))

	if err := e.m.StartPlayback(e.ctx, e.sup, 1); err != nil {
		t.Fatalf("StartPlayback: %v", err)
	}
	e.waitStatus(t, 1, StatusPlaying)

	if err := e.m.SetSpeed(1, 1.5); err != nil {
		t.Fatalf("SetSpeed: %v", err)
	}
	if err := e.m.SetSpeed(1, 3.0); err == nil {
		t.Fatal("SetSpeed(3.0) accepted")
	}
	if err := e.m.SetEqualizer(1, "bass_boost"); err != nil {
		t.Fatalf("SetEqualizer: %v", err)
	}
	if err := e.m.SetEqualizer(1, "metal"); err == nil {
		t.Fatal("SetEqualizer(unknown) accepted")
	}
	st, _ := e.m.GetState(1)
	if st.Speed != 1.5 || st.EQPreset != "bass_boost" {
		t.Fatalf("state = speed %v eq %q", st.Speed, st.EQPreset)
	}

	if err := e.m.SetSpeed(99, 1.0); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("SetSpeed(unknown channel) = %v", err)
	}
}

func TestChannelIsolation(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport(true)
	e := newEnv(t, Config{}, tr, passResolver{})
	e.q.push(1, testItem("a"))
	e.q.push(2, testItem("b"))

	if err := e.m.StartPlayback(e.ctx, e.sup, 1); err != nil {
		t.Fatalf("start 1: %v", err)
	}
	if err := e.m.StartPlayback(e.ctx, e.sup, 2); err != nil {
		t.Fatalf("start 2: %v", err)
	}
	e.waitStatus(t, 1, StatusPlaying)
	e.waitStatus(t, 2, StatusPlaying)

	if err := e.m.StopChannel(e.ctx, 1); err != nil {
		t.Fatalf("stop 1: %v", err)
	}
	// channel 2 keeps playing
	time.Sleep(30 * time.Millisecond)
	if st, ok := e.m.GetState(2); !ok || st.Status != StatusPlaying {
		t.Fatalf("channel 2 disturbed by stopping channel 1: %+v", st)
	}

	snaps := e.m.Snapshot()
	if len(snaps) != 1 || snaps[0].ChannelID != 2 {
		t.Fatalf("Snapshot = %+v, want only channel 2", snaps)
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{}, newFakeTransport(true), passResolver{})
	e.q.push(1, testItem("a"))
	e.q.push(2, testItem("b"))
	_ = e.m.StartPlayback(e.ctx, e.sup, 1)
	_ = e.m.StartPlayback(e.ctx, e.sup, 2)
	e.waitStatus(t, 1, StatusPlaying)
	e.waitStatus(t, 2, StatusPlaying)

	e.m.Shutdown(e.ctx)
	if n := e.m.ActiveCount(); n != 0 {
		t.Fatalf("ActiveCount after shutdown = %d", n)
	}
}
