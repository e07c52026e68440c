package config

import (
	"reflect"
	"strings"

	logx "streamcast/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (telegram token, redis password,
// pprof token) are surfaced only as "set / not set".
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Telegram (never log token)
	if oldCfg.Telegram.NotifyChatID != newCfg.Telegram.NotifyChatID ||
		oldCfg.Telegram.NotifyThreadID != newCfg.Telegram.NotifyThreadID ||
		oldCfg.Telegram.LogChatID != newCfg.Telegram.LogChatID ||
		(strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int64("telegram.notify_chat_id", newCfg.Telegram.NotifyChatID),
			logx.Bool("telegram.log_chat_set", newCfg.Telegram.LogChatID != 0),
		)
	}

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Redis (never log password)
	if strings.TrimSpace(oldCfg.Redis.Addr) != strings.TrimSpace(newCfg.Redis.Addr) ||
		oldCfg.Redis.DB != newCfg.Redis.DB ||
		strings.TrimSpace(oldCfg.Redis.KeyPrefix) != strings.TrimSpace(newCfg.Redis.KeyPrefix) ||
		(oldCfg.Redis.Password != "") != (newCfg.Redis.Password != "") {
		changed = append(changed, "redis")
		attrs = append(attrs,
			logx.String("redis.addr", strings.TrimSpace(newCfg.Redis.Addr)),
			logx.Int("redis.db", newCfg.Redis.DB),
			logx.Bool("redis.password_set", newCfg.Redis.Password != ""),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs, logx.Int("queue.max_size", newCfg.Queue.MaxSize))
	}

	if !reflect.DeepEqual(oldCfg.Watchdog, newCfg.Watchdog) {
		changed = append(changed, "watchdog")
		attrs = append(attrs,
			logx.String("watchdog.timeout", strings.TrimSpace(newCfg.Watchdog.Timeout)),
			logx.Int("watchdog.warn_thresholds", len(newCfg.Watchdog.WarnThresholds)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Transcode, newCfg.Transcode) {
		changed = append(changed, "transcode")
		attrs = append(attrs,
			logx.String("transcode.base_url", strings.TrimSpace(newCfg.Transcode.BaseURL)),
			logx.Int("transcode.retry_max", newCfg.Transcode.RetryMax),
			logx.Int("transcode.breaker.threshold", newCfg.Transcode.Breaker.Threshold),
			logx.Bool("transcode.fallback", newCfg.Transcode.Fallback.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		attrs = append(attrs, logx.Int("channels.max_concurrent", newCfg.Channels.MaxConcurrent))
	}

	if !reflect.DeepEqual(oldCfg.Stream, newCfg.Stream) {
		changed = append(changed, "stream")
		attrs = append(attrs, logx.String("stream.format", newCfg.Stream.Format))
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		en := newCfg.Notifier != nil && newCfg.Notifier.Enabled
		attrs = append(attrs, logx.Bool("notifier.enabled", en))
	}

	if !reflect.DeepEqual(oldCfg.History, newCfg.History) {
		changed = append(changed, "history")
		if h := newCfg.History; h != nil {
			attrs = append(attrs, logx.String("history.driver", strings.TrimSpace(h.Driver)))
		}
	}

	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs, logx.Int("schedules.count", len(newCfg.Schedules)))
	}

	// Pprof (never log token)
	if !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	return changed, attrs
}
