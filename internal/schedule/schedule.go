// Package schedule drives cron-based playback windows: at the start spec a
// channel begins playing its configured source, at the optional stop spec it
// is stopped again.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "streamcast/pkg/logx"
)

// Window is one scheduled playback slot.
type Window struct {
	ChannelID int64
	StartSpec string
	StopSpec  string // optional
	Source    string
	Title     string
}

// Actions are the playback hooks the scheduler invokes. Both must be safe to
// call repeatedly; the scheduler does not track whether a channel is already
// playing.
type Actions struct {
	Start func(ctx context.Context, channelID int64, source, title string) error
	Stop  func(ctx context.Context, channelID int64) error
}

type Service struct {
	parser  cron.Parser
	actions Actions
	log     logx.Logger

	mu sync.Mutex
	c  *cron.Cron
}

func New(actions Actions, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		actions: actions,
		log:     log.With(logx.String("component", "schedule")),
	}
}

// Apply replaces the active schedule set and (re)starts the cron runner. An
// empty set stops it.
func (s *Service) Apply(windows []Window) error {
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(time.Local))

	for i, w := range windows {
		w := w
		if _, err := c.AddFunc(w.StartSpec, func() { s.fireStart(w) }); err != nil {
			return fmt.Errorf("schedule[%d]: start spec %q: %w", i, w.StartSpec, err)
		}
		if w.StopSpec != "" {
			if _, err := c.AddFunc(w.StopSpec, func() { s.fireStop(w) }); err != nil {
				return fmt.Errorf("schedule[%d]: stop spec %q: %w", i, w.StopSpec, err)
			}
		}
	}

	s.mu.Lock()
	old := s.c
	if len(windows) > 0 {
		s.c = c
		c.Start()
	} else {
		s.c = nil
	}
	s.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	s.log.Info("schedules applied", logx.Int("count", len(windows)))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}

func (s *Service) fireStart(w Window) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.actions.Start(ctx, w.ChannelID, w.Source, w.Title); err != nil {
		s.log.Warn("scheduled start failed",
			logx.Int64("channel_id", w.ChannelID), logx.String("source", w.Source), logx.Err(err))
		return
	}
	s.log.Info("scheduled playback started", logx.Int64("channel_id", w.ChannelID), logx.String("title", w.Title))
}

func (s *Service) fireStop(w Window) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.actions.Stop(ctx, w.ChannelID); err != nil {
		s.log.Warn("scheduled stop failed", logx.Int64("channel_id", w.ChannelID), logx.Err(err))
		return
	}
	s.log.Info("scheduled playback stopped", logx.Int64("channel_id", w.ChannelID))
}
