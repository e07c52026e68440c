// Package history persists completed/skipped tracks for status surfaces.
//
// Drivers:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If the driver is empty or "none", history is disabled and Open returns
// (nil, nil).
package history

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "streamcast/pkg/logx"
)

// Entry records one played (or aborted) item. Keep it compact and
// schema-stable.
type Entry struct {
	At        time.Time `json:"at"`
	ChannelID int64     `json:"channel_id"`
	ItemID    string    `json:"item_id"`
	Title     string    `json:"title"`
	Source    string    `json:"source,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	// Reason: finished, skipped, stopped, error, timeout.
	Reason    string `json:"reason"`
	PlayedSec int    `json:"played_sec,omitempty"`
}

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the minimal persistence API the playback core uses.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// Recent returns up to n latest entries for a channel, newest first.
	Recent(ctx context.Context, channelID int64, n int) ([]Entry, error)
	Close() error
}

// Open initializes the configured store. It returns (nil, nil) if history is
// disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + driver)
	}
}
