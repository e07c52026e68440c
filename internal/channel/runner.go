package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"streamcast/internal/eventbus"
	"streamcast/internal/history"
	"streamcast/internal/queue"
	"streamcast/internal/transcode"
	logx "streamcast/pkg/logx"
)

type radioSource struct {
	Source string
	Title  string
}

// errHalt ends the runner loop after the channel entered a terminal state.
var errHalt = errors.New("runner halted")

// runner drives playback for exactly one channel. All state mutations go
// through setState so the shared-store mirror and the event bus stay in sync.
type runner struct {
	m         *Manager
	channelID int64
	radio     *radioSource
	cancel    context.CancelFunc
	log       logx.Logger

	mu         sync.Mutex
	st         State
	skip       bool
	stopReason string
}

func newRunner(m *Manager, channelID int64, radio *radioSource, cancel context.CancelFunc) *runner {
	return &runner{
		m:         m,
		channelID: channelID,
		radio:     radio,
		cancel:    cancel,
		log:       m.log.With(logx.Int64("channel_id", channelID)),
		st:        newState(channelID),
	}
}

func (r *runner) state() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st
}

func (r *runner) setState(fn func(*State)) {
	r.mu.Lock()
	fn(&r.st)
	r.st.UpdatedAt = time.Now().UTC()
	snap := r.st
	r.mu.Unlock()
	r.m.mirrorState(snap)
}

func (r *runner) pause() bool {
	r.mu.Lock()
	ok := r.st.Status == StatusPlaying
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := r.m.transport.Pause(r.channelID); err != nil {
		r.log.Warn("pause failed", logx.Err(err))
		return false
	}
	r.setState(func(s *State) { s.Status = StatusPaused })
	return true
}

func (r *runner) resume() bool {
	r.mu.Lock()
	ok := r.st.Status == StatusPaused
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := r.m.transport.Resume(r.channelID); err != nil {
		r.log.Warn("resume failed", logx.Err(err))
		return false
	}
	r.setState(func(s *State) { s.Status = StatusPlaying })
	return true
}

func (r *runner) skipCurrent() bool {
	r.mu.Lock()
	ok := r.st.Current != nil && (r.st.Status == StatusPlaying || r.st.Status == StatusPaused || r.st.Status == StatusBuffering)
	if ok {
		r.skip = true
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	_ = r.m.transport.Stop(r.channelID)
	return true
}

// stop marks the terminal state and cancels the runner context. Called by
// the manager with the runner already removed from the table.
func (r *runner) stop(reason string) {
	r.mu.Lock()
	r.stopReason = reason
	r.mu.Unlock()
	r.setState(func(s *State) {
		s.Status = StatusStopped
		s.Current = nil
	})
	r.cancel()
}

func (r *runner) run(ctx context.Context) {
	wasIdle := false
	for {
		if ctx.Err() != nil {
			r.finishStopped()
			return
		}

		item, err := r.nextItem(ctx)
		if err != nil {
			r.log.Warn("queue read failed", logx.Err(err))
			if !r.sleep(ctx, r.m.cfg.IdlePoll) {
				r.finishStopped()
				return
			}
			continue
		}
		if item == nil {
			if !wasIdle {
				wasIdle = true
				r.setState(func(s *State) {
					s.Status = StatusIdle
					s.Current = nil
				})
				if aerr := r.m.wd.Arm(ctx, r.channelID); aerr != nil {
					r.log.Warn("watchdog arm failed", logx.Err(aerr))
				}
			}
			if !r.sleep(ctx, r.m.cfg.IdlePoll) {
				r.finishStopped()
				return
			}
			continue
		}

		if wasIdle {
			wasIdle = false
			if cerr := r.m.wd.Cancel(ctx, r.channelID, "track_started"); cerr != nil {
				r.log.Warn("watchdog cancel failed", logx.Err(cerr))
			}
		}
		if err := r.playItem(ctx, item); err != nil {
			return
		}
	}
}

func (r *runner) nextItem(ctx context.Context) (*queue.Item, error) {
	if r.radio != nil {
		return &queue.Item{
			ID:        fmt.Sprintf("radio:%d", r.channelID),
			ChannelID: r.channelID,
			Title:     r.radio.Title,
			Source:    r.radio.Source,
			Origin:    queue.OriginRadio,
		}, nil
	}
	return r.m.queue.PopNext(ctx, r.channelID)
}

// playItem plays one item end to end. A transport or transcode failure gets
// one reconnect attempt; a second failure puts the channel in the error
// state and returns errHalt.
func (r *runner) playItem(ctx context.Context, item *queue.Item) error {
	// The concurrency slot covers exactly one in-flight track, pauses and
	// reconnect attempts included. Waiting here (rather than failing) only
	// happens when starts raced past the admission check.
	if err := r.m.sem.Acquire(ctx, 1); err != nil {
		r.finishStopped()
		return errHalt
	}
	defer r.m.sem.Release(1)

	r.setState(func(s *State) {
		s.Status = StatusBuffering
		s.Current = item
		s.PositionSec = 0
		s.Message = ""
	})
	r.refreshQueueLen(ctx)

	media, err := r.m.resolver.Resolve(ctx, item.Source)
	if err != nil {
		if item.Origin == queue.OriginRadio {
			return r.fail(ctx, item, fmt.Errorf("radio source: %w", err))
		}
		// Unresolvable queued items are dropped; playback moves on.
		r.log.Warn("source resolve failed, skipping item",
			logx.String("item_id", item.ID), logx.Err(err))
		r.finishTrack(ctx, item, "error", 0)
		return nil
	}
	if item.Title == "" && media.Title != "" {
		item.Title = media.Title
		r.setState(func(s *State) { s.Current = item })
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if ctx.Err() != nil {
			r.finishStopped()
			return errHalt
		}
		if attempt > 0 {
			r.setState(func(s *State) { s.Status = StatusReconnecting })
			if !r.sleep(ctx, time.Second) {
				r.finishStopped()
				return errHalt
			}
		}

		stream, terr := r.m.tc.Transcode(ctx, r.buildRequest(media))
		if terr != nil {
			lastErr = fmt.Errorf("transcode: %w", terr)
			continue
		}

		r.setState(func(s *State) { s.Status = StatusPlaying })
		r.publishTrack(eventbus.TopicTrackStarted, item, "")
		start := time.Now()
		perr := r.m.transport.Play(ctx, r.channelID, stream, TrackInfo{
			ItemID: item.ID,
			Title:  item.Title,
			Radio:  item.Origin == queue.OriginRadio,
		})
		played := int(time.Since(start).Seconds())

		if ctx.Err() != nil {
			r.finishTrack(ctx, item, r.stopReasonOr("stopped"), played)
			r.finishStopped()
			return errHalt
		}
		if r.takeSkip() {
			r.finishTrack(ctx, item, "skipped", played)
			return nil
		}
		if perr == nil {
			r.finishTrack(ctx, item, "finished", played)
			return nil
		}
		lastErr = fmt.Errorf("transport: %w", perr)
		r.log.Warn("playback interrupted", logx.String("item_id", item.ID), logx.Err(perr))
	}
	return r.fail(ctx, item, lastErr)
}

func (r *runner) buildRequest(media ResolvedMedia) transcode.Request {
	st := r.state()
	var filters *transcode.Filters
	if st.EQPreset != "" || st.Speed != 1.0 {
		filters = &transcode.Filters{EQPreset: st.EQPreset, Speed: st.Speed}
	}
	return transcode.Request{
		SourceURL: media.URL,
		Filters:   filters,
	}
}

func (r *runner) finishTrack(ctx context.Context, item *queue.Item, reason string, playedSec int) {
	r.publishTrack(eventbus.TopicTrackEnded, item, reason)
	r.m.record(ctx, history.Entry{
		At:        time.Now().UTC(),
		ChannelID: r.channelID,
		ItemID:    item.ID,
		Title:     item.Title,
		Source:    item.Source,
		Origin:    item.Origin,
		Reason:    reason,
		PlayedSec: playedSec,
	})
}

// fail moves the channel into the error state. No automatic recovery:
// restarting takes an explicit StartPlayback.
func (r *runner) fail(ctx context.Context, item *queue.Item, err error) error {
	r.log.Error("channel entered error state", logx.Err(err))
	r.setState(func(s *State) {
		s.Status = StatusError
		s.Message = err.Error()
	})
	if item != nil {
		r.finishTrack(ctx, item, "error", 0)
	}
	if cerr := r.m.wd.Cancel(ctx, r.channelID, "error"); cerr != nil {
		r.log.Warn("watchdog cancel failed", logx.Err(cerr))
	}
	if r.m.hooks.OnError != nil {
		r.m.hooks.OnError(r.channelID, err)
	}
	return errHalt
}

// finishStopped settles the terminal state when the runner context ends. If
// stop() already set Stopped this is a no-op state-wise.
func (r *runner) finishStopped() {
	if r.state().Status == StatusStopped {
		return
	}
	r.setState(func(s *State) {
		s.Status = StatusStopped
		s.Current = nil
	})
}

func (r *runner) stopReasonOr(def string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopReason != "" {
		return r.stopReason
	}
	return def
}

func (r *runner) takeSkip() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.skip
	r.skip = false
	return s
}

func (r *runner) refreshQueueLen(ctx context.Context) {
	if r.radio != nil {
		return
	}
	if n, err := r.m.queue.Len(ctx, r.channelID); err == nil {
		r.setState(func(s *State) { s.QueueLen = n })
	}
}

func (r *runner) publishTrack(topic string, item *queue.Item, reason string) {
	if r.m.bus == nil {
		return
	}
	r.m.bus.Publish(eventbus.Event{
		Type: topic,
		Data: eventbus.TrackEvent{
			ChannelID: r.channelID,
			ItemID:    item.ID,
			Title:     item.Title,
			Reason:    reason,
		},
	})
}

func (r *runner) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
