package notify

import (
	"context"
	"fmt"
	"time"

	"streamcast/internal/eventbus"
	rtsup "streamcast/internal/runtime/supervisor"
	kit "streamcast/internal/transport"
	logx "streamcast/pkg/logx"
)

// Renderer subscribes to the event bus and turns playback events into chat
// notifications. It owns the subscription; rendering never blocks Publish.
type Renderer struct {
	svc    *Service
	bus    eventbus.Bus
	target kit.ChatTarget
	log    logx.Logger
}

func NewRenderer(svc *Service, bus eventbus.Bus, target kit.ChatTarget, log logx.Logger) *Renderer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Renderer{svc: svc, bus: bus, target: target, log: log.With(logx.String("comp", "notify.render"))}
}

func (r *Renderer) Start(sup *rtsup.Supervisor) {
	if r.target.ChatID == 0 || r.bus == nil {
		r.log.Debug("renderer disabled (no target chat)")
		return
	}
	sup.GoRestart("notify.render", func(ctx context.Context) error {
		ch, unsubscribe := r.bus.Subscribe(128)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-ch:
				if !ok {
					return nil
				}
				r.handle(ctx, ev)
			}
		}
	})
}

func (r *Renderer) handle(ctx context.Context, ev eventbus.Event) {
	text, prio := render(ev)
	if text == "" {
		return
	}
	err := r.svc.Notify(ctx, kit.Notification{
		Channel:  "telegram",
		Priority: prio,
		Target:   r.target,
		Text:     text,
	})
	if err != nil && err != ErrDisabled {
		r.log.Debug("notification not queued", logx.String("event", ev.Type), logx.Err(err))
	}
}

// render maps a bus event to message text and priority. Empty text means the
// event is not operator-facing.
func render(ev eventbus.Event) (string, int) {
	switch ev.Type {
	case eventbus.TopicWatchdogWarning:
		w, ok := ev.Data.(eventbus.WatchdogEvent)
		if !ok {
			return "", 0
		}
		return fmt.Sprintf("channel %d: stream ends in %s unless listeners return",
			w.ChannelID, w.Remaining.Round(time.Second)), kit.PriorityWarn

	case eventbus.TopicWatchdogTriggered:
		w, ok := ev.Data.(eventbus.WatchdogEvent)
		if !ok {
			return "", 0
		}
		return fmt.Sprintf("channel %d: stream ended (idle timeout)", w.ChannelID), kit.PriorityWarn

	case eventbus.TopicTrackStarted:
		t, ok := ev.Data.(eventbus.TrackEvent)
		if !ok || t.Title == "" {
			return "", 0
		}
		return fmt.Sprintf("channel %d: now playing: %s", t.ChannelID, t.Title), kit.PriorityLow

	case eventbus.TopicTrackEnded:
		t, ok := ev.Data.(eventbus.TrackEvent)
		if !ok || t.Reason != "error" {
			return "", 0
		}
		return fmt.Sprintf("channel %d: playback of %q failed", t.ChannelID, t.Title), kit.PriorityWarn

	case eventbus.TopicChannelStatus:
		s, ok := ev.Data.(eventbus.StatusEvent)
		if !ok || s.Status != "error" {
			return "", 0
		}
		msg := s.Message
		if msg == "" {
			msg = "unknown error"
		}
		return fmt.Sprintf("channel %d entered error state: %s", s.ChannelID, msg), kit.PriorityCritical
	}
	return "", 0
}
