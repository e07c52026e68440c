package eventbus

import "time"

// Event types published by the playback core. Subscribers (notifications,
// status surfaces) treat delivery as best-effort: a dropped event must never
// change playback behavior.
const (
	TopicQueueChanged      = "queue.changed"
	TopicTrackStarted      = "track.started"
	TopicTrackEnded        = "track.ended"
	TopicWatchdogWarning   = "watchdog.warning"
	TopicWatchdogCancelled = "watchdog.cancelled"
	TopicWatchdogTriggered = "watchdog.triggered"
	TopicChannelStatus     = "channel.status"
)

// QueueEvent reports a queue mutation on one channel.
type QueueEvent struct {
	ChannelID int64  `json:"channel_id"`
	Op        string `json:"op"` // enqueue, enqueue_priority, remove, move, pop, skip, clear
	ItemID    string `json:"item_id,omitempty"`
	Length    int    `json:"length"`
}

// TrackEvent reports playback starting or ending for one item.
type TrackEvent struct {
	ChannelID int64  `json:"channel_id"`
	ItemID    string `json:"item_id"`
	Title     string `json:"title"`
	Reason    string `json:"reason,omitempty"` // finished, skipped, stopped, error, timeout
}

// WatchdogEvent reports idle-timer activity for one channel.
type WatchdogEvent struct {
	ChannelID int64         `json:"channel_id"`
	Remaining time.Duration `json:"remaining,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// StatusEvent reports a channel state transition.
type StatusEvent struct {
	ChannelID int64  `json:"channel_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}
