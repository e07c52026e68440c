package config

import (
	"fmt"
	"strings"
)

// Validate checks field syntax (durations, ranges, enums) without applying
// defaults. Services clamp and default their own sections; validation here is
// what gates a hot reload before commit/publish.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	durations := []struct {
		path string
		raw  string
	}{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"redis.dial_timeout", c.Redis.DialTimeout},
		{"watchdog.timeout", c.Watchdog.Timeout},
		{"watchdog.poll_interval", c.Watchdog.PollInterval},
		{"transcode.request_timeout", c.Transcode.RequestTimeout},
		{"transcode.retry_base", c.Transcode.RetryBase},
		{"transcode.retry_max_delay", c.Transcode.RetryMaxDelay},
		{"transcode.breaker.open_timeout", c.Transcode.Breaker.OpenTimeout},
		{"channels.idle_poll", c.Channels.IdlePoll},
		{"channels.status_ttl", c.Channels.StatusTTL},
		{"resolver.cache_ttl", c.Resolver.CacheTTL},
		{"pprof.read_timeout", c.Pprof.ReadTimeout},
		{"pprof.write_timeout", c.Pprof.WriteTimeout},
		{"pprof.idle_timeout", c.Pprof.IdleTimeout},
	}
	if n := c.Notifier; n != nil {
		durations = append(durations,
			struct{ path, raw string }{"notifier.retry_base", n.RetryBase},
			struct{ path, raw string }{"notifier.retry_max_delay", n.RetryMaxDelay},
			struct{ path, raw string }{"notifier.dedup_window", n.DedupWindow},
		)
	}
	if h := c.History; h != nil {
		durations = append(durations,
			struct{ path, raw string }{"history.busy_timeout", h.BusyTimeout})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if c.Queue.MaxSize < 0 {
		return fmt.Errorf("queue.max_size: must be >= 0")
	}
	if c.Channels.MaxConcurrent < 0 {
		return fmt.Errorf("channels.max_concurrent: must be >= 0")
	}
	if c.Transcode.RetryMax < 0 {
		return fmt.Errorf("transcode.retry_max: must be >= 0")
	}
	if j := c.Transcode.RetryJitter; j < 0 || j > 1 {
		return fmt.Errorf("transcode.retry_jitter: must be in [0, 1]")
	}
	if c.Transcode.Breaker.Threshold < 0 {
		return fmt.Errorf("transcode.breaker.threshold: must be >= 0")
	}
	for _, s := range c.Watchdog.WarnThresholds {
		if s <= 0 {
			return fmt.Errorf("watchdog.warn_thresholds: values must be > 0 seconds")
		}
	}

	if t := c.Stream.IngestURLTemplate; t != "" && !strings.Contains(t, "%d") {
		return fmt.Errorf("stream.ingest_url_template: must contain a %%d channel placeholder")
	}

	if h := c.History; h != nil {
		switch strings.TrimSpace(strings.ToLower(h.Driver)) {
		case "", "file", "sqlite":
		default:
			return fmt.Errorf("history.driver: unknown driver %q", h.Driver)
		}
	}

	for i, sc := range c.Schedules {
		if sc.ChannelID == 0 {
			return fmt.Errorf("schedules[%d]: channel_id is required", i)
		}
		if strings.TrimSpace(sc.StartSpec) == "" {
			return fmt.Errorf("schedules[%d]: start_spec is required", i)
		}
		if strings.TrimSpace(sc.Source) == "" {
			return fmt.Errorf("schedules[%d]: source is required", i)
		}
	}

	return nil
}
