// Package channel owns the per-channel playback state machine and the
// process-wide concurrency gate. Each active channel gets one isolated
// runner goroutine that pulls items from the playback queue, prepares them
// through the transcode client, and feeds the transport; a failure in one
// runner never touches another channel.
package channel

import "encoding/json"

// Status is the per-channel playback state.
//
// Transitions: Idle → Buffering → Playing ⇄ Paused; any state →
// Reconnecting → Playing|Error; any state → Stopped (terminal until
// restarted); any state → Error (requires explicit restart).
type Status int

const (
	StatusIdle Status = iota
	StatusBuffering
	StatusPlaying
	StatusPaused
	StatusReconnecting
	StatusError
	StatusStopped
)

var statusNames = map[Status]string{
	StatusIdle:         "idle",
	StatusBuffering:    "buffering",
	StatusPlaying:      "playing",
	StatusPaused:       "paused",
	StatusReconnecting: "reconnecting",
	StatusError:        "error",
	StatusStopped:      "stopped",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// active reports whether the channel's runner should keep pulling items.
func (s Status) active() bool {
	switch s {
	case StatusError, StatusStopped:
		return false
	default:
		return true
	}
}
