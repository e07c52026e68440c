// Package queue implements the per-channel playback queue on top of the
// shared ordered store. Items are JSON documents in one Redis list per
// channel, so every process serving that channel observes the same queue.
package queue

import (
	"errors"
	"time"
)

var (
	// ErrQueueFull rejects enqueues beyond the per-channel capacity.
	ErrQueueFull = errors.New("queue full")
	// ErrInvalidPosition rejects Move targets outside [0, length-1].
	ErrInvalidPosition = errors.New("invalid position")
	// ErrItemNotFound rejects Move of an id no longer present.
	ErrItemNotFound = errors.New("item not found")
)

// Item origins. Origin tags where an item came from; it changes audit events,
// not playback behavior.
const (
	OriginQueued   = "queued"
	OriginPriority = "priority"
	OriginRadio    = "radio"
)

// Item is one unit of playable content. Items are read-only while queued:
// they are created on enqueue and destroyed on pop/skip/remove/clear, with
// Move the only repositioning operation.
type Item struct {
	ID        string            `json:"id"`
	ChannelID int64             `json:"channel_id"`
	Title     string            `json:"title"`
	Source    string            `json:"source"`
	// DurationSec is nil for live/endless sources (e.g. radio).
	DurationSec *int              `json:"duration_sec,omitempty"`
	Origin      string            `json:"origin,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
}

type Config struct {
	// MaxSize bounds the number of pending items per channel. Default 100.
	MaxSize int
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 100
	}
	return c
}
