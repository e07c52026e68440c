package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"streamcast/internal/eventbus"
	"streamcast/internal/store"
	logx "streamcast/pkg/logx"
)

// Service is safe for concurrent use; all state lives in the shared store.
type Service struct {
	cfg   Config
	store *store.Store
	bus   eventbus.Bus
	log   logx.Logger
}

func New(cfg Config, st *store.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), store: st, bus: bus, log: log}
}

func (s *Service) key(channelID int64) string {
	return s.store.Key(fmt.Sprintf("stream_queue:%d", channelID))
}

// Enqueue appends item to the tail. It returns the item id, assigning one if
// the caller left it empty, and fails with ErrQueueFull at capacity.
func (s *Service) Enqueue(ctx context.Context, channelID int64, item Item) (string, error) {
	return s.enqueue(ctx, channelID, item, false)
}

// EnqueuePriority inserts item at the head ("jump the line"), with the same
// capacity check as Enqueue.
func (s *Service) EnqueuePriority(ctx context.Context, channelID int64, item Item) (string, error) {
	return s.enqueue(ctx, channelID, item, true)
}

func (s *Service) enqueue(ctx context.Context, channelID int64, item Item, head bool) (string, error) {
	key := s.key(channelID)
	n, err := s.store.ListLen(ctx, key)
	if err != nil {
		return "", err
	}
	if n >= int64(s.cfg.MaxSize) {
		return "", fmt.Errorf("channel %d at %d items: %w", channelID, n, ErrQueueFull)
	}

	item.ChannelID = channelID
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	if item.Origin == "" {
		if head {
			item.Origin = OriginPriority
		} else {
			item.Origin = OriginQueued
		}
	}

	raw, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("encode queue item: %w", err)
	}

	var length int64
	if head {
		length, err = s.store.ListPushHead(ctx, key, string(raw))
	} else {
		length, err = s.store.ListPushTail(ctx, key, string(raw))
	}
	if err != nil {
		return "", err
	}

	op := "enqueue"
	if head {
		op = "enqueue_priority"
	}
	s.publish(channelID, op, item.ID, int(length))
	s.log.Debug("item enqueued",
		logx.Int64("channel", channelID), logx.String("item", item.ID),
		logx.String("op", op), logx.Int64("len", length))
	return item.ID, nil
}

// Remove deletes the first item matching id. A missing id returns false, not
// an error: concurrent pops make that a benign race.
func (s *Service) Remove(ctx context.Context, channelID int64, itemID string) (bool, error) {
	key := s.key(channelID)
	raws, err := s.store.ListRange(ctx, key, 0, -1)
	if err != nil {
		return false, err
	}
	for _, raw := range raws {
		it, err := decodeItem(raw)
		if err != nil {
			continue
		}
		if it.ID != itemID {
			continue
		}
		n, err := s.store.ListRemove(ctx, key, 1, raw)
		if err != nil {
			return false, err
		}
		if n == 0 {
			// popped by someone else between read and remove
			return false, nil
		}
		s.publish(channelID, "remove", itemID, len(raws)-1)
		return true, nil
	}
	return false, nil
}

// moveAttempts bounds the optimistic retry when a concurrent enqueue lands
// between the read and the rewrite.
const moveAttempts = 3

// Move repositions the item to newIndex and returns the resulting order. The
// list is rewritten atomically (delete plus bulk reinsert in one transaction)
// so observers never see a partial reorder. Moving an item onto its current
// position is a no-op.
func (s *Service) Move(ctx context.Context, channelID int64, itemID string, newIndex int) ([]Item, error) {
	key := s.key(channelID)

	var lastErr error
	for attempt := 0; attempt < moveAttempts; attempt++ {
		raws, err := s.store.ListRange(ctx, key, 0, -1)
		if err != nil {
			return nil, err
		}
		if newIndex < 0 || newIndex > len(raws)-1 {
			return nil, fmt.Errorf("index %d of %d: %w", newIndex, len(raws), ErrInvalidPosition)
		}

		cur := -1
		for i, raw := range raws {
			it, err := decodeItem(raw)
			if err == nil && it.ID == itemID {
				cur = i
				break
			}
		}
		if cur == -1 {
			return nil, fmt.Errorf("item %s: %w", itemID, ErrItemNotFound)
		}
		if cur == newIndex {
			return decodeItems(raws), nil
		}

		reordered := make([]string, 0, len(raws))
		reordered = append(reordered, raws[:cur]...)
		reordered = append(reordered, raws[cur+1:]...)
		reordered = append(reordered[:newIndex], append([]string{raws[cur]}, reordered[newIndex:]...)...)

		if err := s.store.RewriteList(ctx, key, reordered); err != nil {
			return nil, err
		}

		// A concurrent enqueue between read and rewrite is dropped by the
		// rewrite; detect it by length and retry the whole move.
		n, err := s.store.ListLen(ctx, key)
		if err != nil {
			return nil, err
		}
		if n == int64(len(reordered)) {
			s.publish(channelID, "move", itemID, int(n))
			return decodeItems(reordered), nil
		}
		lastErr = fmt.Errorf("concurrent write during move on channel %d", channelID)
	}
	return nil, lastErr
}

// PeekNext returns the head without consuming it; nil on an empty queue.
func (s *Service) PeekNext(ctx context.Context, channelID int64) (*Item, error) {
	raws, err := s.store.ListRange(ctx, s.key(channelID), 0, 0)
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		return nil, nil
	}
	it, err := decodeItem(raws[0])
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// PopNext removes and returns the head; nil on an empty queue.
func (s *Service) PopNext(ctx context.Context, channelID int64) (*Item, error) {
	return s.pop(ctx, channelID, "pop")
}

// Skip is PopNext recorded under a skip reason: it consumes the head (the
// currently playing reference) and returns the new head, nil when the queue
// is exhausted.
func (s *Service) Skip(ctx context.Context, channelID int64) (*Item, error) {
	if _, err := s.pop(ctx, channelID, "skip"); err != nil {
		return nil, err
	}
	return s.PeekNext(ctx, channelID)
}

func (s *Service) pop(ctx context.Context, channelID int64, op string) (*Item, error) {
	key := s.key(channelID)
	raw, ok, err := s.store.ListPopHead(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	it, err := decodeItem(raw)
	if err != nil {
		return nil, err
	}
	n, lenErr := s.store.ListLen(ctx, key)
	if lenErr != nil {
		n = 0
	}
	s.publish(channelID, op, it.ID, int(n))
	return &it, nil
}

// Clear empties the channel's queue and reports how many items were dropped.
func (s *Service) Clear(ctx context.Context, channelID int64) (int, error) {
	key := s.key(channelID)
	n, err := s.store.ListLen(ctx, key)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := s.store.Delete(ctx, key); err != nil {
		return 0, err
	}
	s.publish(channelID, "clear", "", 0)
	s.log.Info("queue cleared", logx.Int64("channel", channelID), logx.Int64("removed", n))
	return int(n), nil
}

// List returns a page of pending items plus the total count.
func (s *Service) List(ctx context.Context, channelID int64, limit, offset int) ([]Item, int, error) {
	key := s.key(channelID)
	total, err := s.store.ListLen(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = int(total)
	}
	if offset < 0 {
		offset = 0
	}
	if int64(offset) >= total {
		return nil, int(total), nil
	}
	raws, err := s.store.ListRange(ctx, key, int64(offset), int64(offset+limit-1))
	if err != nil {
		return nil, 0, err
	}
	return decodeItems(raws), int(total), nil
}

// Len reports the current queue length.
func (s *Service) Len(ctx context.Context, channelID int64) (int, error) {
	n, err := s.store.ListLen(ctx, s.key(channelID))
	return int(n), err
}

func (s *Service) publish(channelID int64, op, itemID string, length int) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TopicQueueChanged,
		Data: eventbus.QueueEvent{ChannelID: channelID, Op: op, ItemID: itemID, Length: length},
	})
}

func decodeItem(raw string) (Item, error) {
	var it Item
	if err := json.Unmarshal([]byte(raw), &it); err != nil {
		return Item{}, fmt.Errorf("decode queue item: %w", err)
	}
	return it, nil
}

func decodeItems(raws []string) []Item {
	out := make([]Item, 0, len(raws))
	for _, raw := range raws {
		if it, err := decodeItem(raw); err == nil {
			out = append(out, it)
		}
	}
	return out
}
