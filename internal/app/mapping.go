package app

import (
	"fmt"
	"strings"
	"time"

	"streamcast/internal/channel"
	"streamcast/internal/config"
	"streamcast/internal/history"
	"streamcast/internal/notify"
	"streamcast/internal/observability/pprof"
	"streamcast/internal/schedule"
	"streamcast/internal/store"
	"streamcast/internal/transcode"
	"streamcast/internal/watchdog"
)

// The map* helpers translate the raw (string-duration) config sections into
// the typed component configs, so a bad duration fails loudly at startup and
// at hot-reload validation instead of deep inside a component.

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	dial, err := config.ParseDurationOrDefault("redis.dial_timeout", cfg.Redis.DialTimeout, 5*time.Second)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Addr:        cfg.Redis.Addr,
		DB:          cfg.Redis.DB,
		Password:    cfg.Redis.Password,
		DialTimeout: dial,
		KeyPrefix:   cfg.Redis.KeyPrefix,
	}, nil
}

func mapWatchdogConfig(cfg *config.Config) (watchdog.Config, error) {
	timeout, err := config.ParseDurationOrDefault("watchdog.timeout", cfg.Watchdog.Timeout, 0)
	if err != nil {
		return watchdog.Config{}, err
	}
	poll, err := config.ParseDurationOrDefault("watchdog.poll_interval", cfg.Watchdog.PollInterval, 0)
	if err != nil {
		return watchdog.Config{}, err
	}
	return watchdog.Config{
		Timeout:        timeout,
		WarnThresholds: cfg.Watchdog.WarnThresholds,
		PollInterval:   poll,
	}, nil
}

func mapTranscodeConfig(cfg *config.Config) (transcode.Config, error) {
	tc := cfg.Transcode
	reqTimeout, err := config.ParseDurationOrDefault("transcode.request_timeout", tc.RequestTimeout, 0)
	if err != nil {
		return transcode.Config{}, err
	}
	retryBase, err := config.ParseDurationOrDefault("transcode.retry_base", tc.RetryBase, 0)
	if err != nil {
		return transcode.Config{}, err
	}
	retryMax, err := config.ParseDurationOrDefault("transcode.retry_max_delay", tc.RetryMaxDelay, 0)
	if err != nil {
		return transcode.Config{}, err
	}
	openTimeout, err := config.ParseDurationOrDefault("transcode.breaker.open_timeout", tc.Breaker.OpenTimeout, 0)
	if err != nil {
		return transcode.Config{}, err
	}
	return transcode.Config{
		BaseURL:            tc.BaseURL,
		RequestTimeout:     reqTimeout,
		RetryMax:           tc.RetryMax,
		RetryBase:          retryBase,
		RetryMaxDelay:      retryMax,
		RetryJitter:        tc.RetryJitter,
		BreakerThreshold:   tc.Breaker.Threshold,
		BreakerOpenTimeout: openTimeout,
		FallbackEnabled:    tc.Fallback.Enabled,
		FFmpegPath:         tc.Fallback.FFmpegPath,
	}, nil
}

func mapChannelConfig(cfg *config.Config) (channel.Config, error) {
	idle, err := config.ParseDurationOrDefault("channels.idle_poll", cfg.Channels.IdlePoll, 0)
	if err != nil {
		return channel.Config{}, err
	}
	ttl, err := config.ParseDurationOrDefault("channels.status_ttl", cfg.Channels.StatusTTL, 0)
	if err != nil {
		return channel.Config{}, err
	}
	return channel.Config{
		MaxConcurrent: cfg.Channels.MaxConcurrent,
		IdlePoll:      idle,
		StatusTTL:     ttl,
	}, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notify.Config{}, nil
	}
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 0)
	if err != nil {
		return notify.Config{}, err
	}
	retryMax, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 0)
	if err != nil {
		return notify.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 0)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMax,
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
	}, nil
}

func mapHistoryConfig(cfg *config.Config) (history.Config, error) {
	h := cfg.History
	if h == nil {
		return history.Config{}, nil
	}
	busy, err := config.ParseDurationOrDefault("history.busy_timeout", h.BusyTimeout, 0)
	if err != nil {
		return history.Config{}, err
	}
	return history.Config{
		Driver:      h.Driver,
		Path:        h.Path,
		BusyTimeout: busy,
	}, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	p := cfg.Pprof
	read, err := config.ParseDurationOrDefault("pprof.read_timeout", p.ReadTimeout, 5*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("pprof.write_timeout", p.WriteTimeout, 0)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("pprof.idle_timeout", p.IdleTimeout, 60*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:       p.Enabled,
		Addr:          p.Addr,
		Prefix:        p.Prefix,
		Token:         p.Token,
		AllowInsecure: p.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapScheduleWindows(cfg *config.Config) ([]schedule.Window, error) {
	if len(cfg.Schedules) == 0 {
		return nil, nil
	}
	out := make([]schedule.Window, 0, len(cfg.Schedules))
	for i, s := range cfg.Schedules {
		if s.ChannelID == 0 {
			return nil, fmt.Errorf("schedules[%d].channel_id is required", i)
		}
		if strings.TrimSpace(s.StartSpec) == "" {
			return nil, fmt.Errorf("schedules[%d].start_spec is required", i)
		}
		if strings.TrimSpace(s.Source) == "" {
			return nil, fmt.Errorf("schedules[%d].source is required", i)
		}
		out = append(out, schedule.Window{
			ChannelID: s.ChannelID,
			StartSpec: s.StartSpec,
			StopSpec:  s.StopSpec,
			Source:    s.Source,
			Title:     s.Title,
		})
	}
	return out, nil
}
