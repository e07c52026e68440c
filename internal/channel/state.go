package channel

import (
	"fmt"
	"strconv"
	"time"

	"streamcast/internal/queue"
)

// State is one channel's runtime snapshot. The manager owns the authoritative
// copy; a mirror is written to the shared store (channel_status:{id}, short
// TTL) so status surfaces in other processes can read it.
type State struct {
	ChannelID int64       `json:"channel_id"`
	Status    Status      `json:"status"`
	Current   *queue.Item `json:"current,omitempty"`
	// PositionSec is seconds into the current item (best effort).
	PositionSec int `json:"position_sec"`
	// Speed is the tempo multiplier applied to the next transcode request.
	Speed float64 `json:"speed"`
	// EQPreset is the equalizer selection applied to the next request.
	EQPreset string `json:"eq_preset,omitempty"`
	QueueLen int    `json:"queue_len"`
	// Message carries the last error for surfaces; cleared on restart.
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newState(channelID int64) State {
	return State{
		ChannelID: channelID,
		Status:    StatusIdle,
		Speed:     1.0,
		UpdatedAt: time.Now().UTC(),
	}
}

// hashFields flattens the snapshot for the shared-store mirror.
func (s State) hashFields() map[string]string {
	f := map[string]string{
		"status":     s.Status.String(),
		"speed":      strconv.FormatFloat(s.Speed, 'f', 2, 64),
		"queue_len":  strconv.Itoa(s.QueueLen),
		"updated_at": s.UpdatedAt.Format(time.RFC3339),
	}
	if s.EQPreset != "" {
		f["eq_preset"] = s.EQPreset
	}
	if s.Message != "" {
		f["message"] = s.Message
	}
	if s.Current != nil {
		f["item_id"] = s.Current.ID
		f["title"] = s.Current.Title
		if s.Current.DurationSec != nil {
			f["duration_sec"] = strconv.Itoa(*s.Current.DurationSec)
		}
		f["position_sec"] = strconv.Itoa(s.PositionSec)
	}
	return f
}

func statusKey(channelID int64) string {
	return fmt.Sprintf("channel_status:%d", channelID)
}
