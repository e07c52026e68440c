// Package app assembles the playback core: config, logging, the shared
// store, the playback services and the Telegram command surface, with
// transactional config hot-reload and ordered shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"streamcast/internal/channel"
	"streamcast/internal/config"
	"streamcast/internal/eventbus"
	"streamcast/internal/history"
	"streamcast/internal/notify"
	"streamcast/internal/observability/pprof"
	"streamcast/internal/queue"
	rtsup "streamcast/internal/runtime/supervisor"
	"streamcast/internal/schedule"
	"streamcast/internal/store"
	"streamcast/internal/transcode"
	kit "streamcast/internal/transport"
	stream "streamcast/internal/transport/stream"
	telegram "streamcast/internal/transport/telegram/adapter"
	"streamcast/internal/transport/telegram/router"
	"streamcast/internal/watchdog"
	logx "streamcast/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	st   *store.Store

	adapter *telegram.Adapter

	queue    *queue.Service
	wd       *watchdog.Service
	tc       *transcode.Client
	pusher   *stream.Pusher
	manager  *channel.Manager
	hist     history.Store
	notif    *notify.Service
	renderer *notify.Renderer
	sched    *schedule.Service
	pprof    *pprof.Service
	router   *router.Router

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// logx.New() calls Apply() immediately. If Telegram logging is enabled
	// but the target chat isn't set yet, Apply() warns. Bootstrap with
	// Telegram logging disabled, set the target, then Apply() the final
	// config.
	baseLogCfg := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    false,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	logSvc, log := logx.New(baseLogCfg, ad)
	log = log.With(logx.String("comp", "app"))

	if cfg.Telegram.LogChatID != 0 {
		logSvc.SetTelegramTarget(cfg.Telegram.LogChatID, cfg.Logging.Telegram.ThreadID)
	}
	finalLogCfg := baseLogCfg
	finalLogCfg.Telegram.Enabled = cfg.Logging.Telegram.Enabled
	logSvc.Apply(finalLogCfg)

	bus := eventbus.New()

	stCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st := store.New(stCfg)

	histCfg, err := mapHistoryConfig(cfg)
	if err != nil {
		return nil, err
	}
	hist, err := history.Open(histCfg, log.With(logx.String("comp", "history")))
	if err != nil {
		return nil, err
	}
	if hist != nil {
		log.Info("play history enabled", logx.String("driver", histCfg.Driver))
	}

	queueSvc := queue.New(queue.Config{MaxSize: cfg.Queue.MaxSize},
		st, bus, log.With(logx.String("comp", "queue")))

	// The watchdog's auto-end callback stops the channel through the
	// manager, which is constructed after the watchdog. Late-bind it.
	var mgr *channel.Manager
	wdCfg, err := mapWatchdogConfig(cfg)
	if err != nil {
		return nil, err
	}
	wd := watchdog.New(wdCfg, watchdog.Callbacks{
		OnAutoEnd: func(ctx context.Context, channelID int64, reason string) {
			if mgr == nil {
				return
			}
			if err := mgr.StopChannelReason(ctx, channelID, reason); err != nil {
				log.Warn("auto-end stop failed",
					logx.Int64("channel_id", channelID), logx.Err(err))
			}
		},
	}, st, bus, log.With(logx.String("comp", "watchdog")))

	tcCfg, err := mapTranscodeConfig(cfg)
	if err != nil {
		return nil, err
	}
	tc := transcode.New(tcCfg, log.With(logx.String("comp", "transcode")))

	pusher, err := stream.New(stream.Config{
		FFmpegPath:        cfg.Stream.FFmpegPath,
		IngestURLTemplate: cfg.Stream.IngestURLTemplate,
		Format:            cfg.Stream.Format,
	}, log.With(logx.String("comp", "stream")))
	if err != nil {
		return nil, err
	}

	cacheTTL, err := config.ParseDurationOrDefault("resolver.cache_ttl", cfg.Resolver.CacheTTL, 15*time.Minute)
	if err != nil {
		return nil, err
	}
	resolver := channel.NewCachedResolver(channel.URLResolver{}, cacheTTL,
		log.With(logx.String("comp", "resolver")))

	chCfg, err := mapChannelConfig(cfg)
	if err != nil {
		return nil, err
	}
	mgr = channel.New(chCfg, queueSvc, wd, tc, pusher, resolver, hist, st, bus,
		channel.Hooks{
			OnError: func(channelID int64, err error) {
				log.Error("channel entered error state",
					logx.Int64("channel_id", channelID), logx.Err(err))
			},
		}, log.With(logx.String("comp", "channel")))

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc := notify.New(ncfg, ad, bus, log.With(logx.String("comp", "notify")))
	renderer := notify.NewRenderer(notifSvc, bus, kit.ChatTarget{
		ChatID:   cfg.Telegram.NotifyChatID,
		ThreadID: cfg.Telegram.NotifyThreadID,
	}, log.With(logx.String("comp", "notify")))

	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(pprofCfg, log.With(logx.String("comp", "pprof")))
	pprofSvc.SetStatusSource(func() any { return mgr.Snapshot() })

	rt := router.New(log.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerIDs)

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		st:       st,
		adapter:  ad,
		queue:    queueSvc,
		wd:       wd,
		tc:       tc,
		pusher:   pusher,
		manager:  mgr,
		hist:     hist,
		notif:    notifSvc,
		renderer: renderer,
		pprof:    pprofSvc,
		router:   rt,
		updates:  make(chan kit.Update, 256),
	}

	a.sched = schedule.New(schedule.Actions{
		Start: func(ctx context.Context, channelID int64, source, title string) error {
			if a.sup == nil {
				return fmt.Errorf("app not started")
			}
			return a.manager.StartRadio(ctx, a.sup, channelID, source, title)
		},
		Stop: func(ctx context.Context, channelID int64) error {
			err := a.manager.StopChannelReason(ctx, channelID, "schedule")
			if err == channel.ErrUnknownChannel {
				return nil
			}
			return err
		},
	}, log.With(logx.String("comp", "schedule")))

	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or
// Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		// Typed mappings double as validation so a bad duration rejects the
		// reload instead of surfacing mid-flight.
		if _, err := mapStoreConfig(cfg); err != nil {
			return err
		}
		if _, err := mapWatchdogConfig(cfg); err != nil {
			return err
		}
		if _, err := mapTranscodeConfig(cfg); err != nil {
			return err
		}
		if _, err := mapChannelConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifyConfig(cfg); err != nil {
			return err
		}
		if _, err := mapHistoryConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPprofConfig(cfg); err != nil {
			return err
		}
		if _, err := mapScheduleWindows(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.renderer.Start(a.sup)

	a.wd.Start(a.sup)

	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	if windows, err := mapScheduleWindows(a.cfgm.Get()); err != nil {
		return err
	} else if len(windows) > 0 {
		if err := a.sched.Apply(windows); err != nil {
			return err
		}
	}

	a.router.Register(router.BuildCommands(router.Ports{
		Manager:  a.manager,
		Queue:    a.queue,
		Watchdog: a.wd,
		History:  a.hist,
		Sup:      a.sup,
	}))
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	// Log events for observability/debug; components subscribe themselves
	// for behavior.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				lastApplied = newCfg
				a.applyReload(c, newCfg, sections)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("started")
	return nil
}

// applyReload pushes a validated config into the components that support
// hot reload. Sections that need a restart are called out instead.
func (a *App) applyReload(ctx context.Context, cfg *config.Config, sections []string) {
	for _, s := range sections {
		switch s {
		case "redis", "queue", "watchdog", "transcode", "channels", "stream", "history":
			a.log.Warn("config section changed; restart required to take effect",
				logx.String("section", s))
		}
	}

	// Log target first so Apply() doesn't warn when Telegram logging is on.
	a.logs.SetTelegramTarget(cfg.Telegram.LogChatID, cfg.Logging.Telegram.ThreadID)
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	})

	a.router.SetOwners(cfg.Telegram.OwnerIDs)

	if ncfg, err := mapNotifyConfig(cfg); err == nil {
		a.notif.Apply(ncfg)
		if ncfg.Enabled {
			a.notif.Start(a.sup.Context())
		} else {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		}
	}

	if pcfg, err := mapPprofConfig(cfg); err == nil {
		a.pprof.Reconfigure(a.sup.Context(), pcfg)
	}

	if windows, err := mapScheduleWindows(cfg); err == nil {
		if err := a.sched.Apply(windows); err != nil {
			a.log.Warn("schedule reload failed", logx.Err(err))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason string) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", reason))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step failed", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step timed out", logx.String("name", name),
				logx.Duration("after", time.Since(start)))
		}
	}

	step("schedule", 1*time.Second, func(context.Context) error {
		a.sched.Stop()
		return nil
	})
	step("channels", 5*time.Second, func(c context.Context) error {
		a.manager.Shutdown(c)
		return nil
	})
	step("notify", 3*time.Second, func(c context.Context) error {
		a.notif.Stop(c)
		return nil
	})
	step("pprof", 1*time.Second, func(c context.Context) error {
		a.pprof.Stop(c)
		return nil
	})
	step("adapter", 2*time.Second, func(c context.Context) error {
		return a.adapter.Stop(c)
	})
	step("history", 1*time.Second, func(context.Context) error {
		if a.hist == nil {
			return nil
		}
		return a.hist.Close()
	})
	step("store", 1*time.Second, func(context.Context) error {
		return a.st.Close()
	})
	step("supervisor", 3*time.Second, func(c context.Context) error {
		return a.sup.Wait(c)
	})

	a.log.Info("stopped")
	return a.logs.Close()
}
