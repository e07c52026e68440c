package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logx "streamcast/pkg/logx"
)

// fileStore is an append-only JSON Lines backend. Every Append writes one
// line and fsync is left to the OS; Recent is served from an in-memory tail
// replayed at open time.
type fileStore struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	tail []Entry // ring of the latest entries across all channels
	max  int
	log  logx.Logger
}

const fileTailMax = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		path = "./streamcast.history.jsonl"
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create dir %q: %w", dir, err)
		}
	}

	s := &fileStore{max: fileTailMax, log: log.With(logx.String("component", "history.file"))}
	if err := s.replay(path); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("history: open %q: %w", path, err)
	}
	s.f = f
	s.enc = json.NewEncoder(f)
	s.log.Debug("history file opened", logx.String("path", path), logx.Int("tail", len(s.tail)))
	return s, nil
}

// replay loads the existing file into the in-memory tail. Malformed lines are
// skipped with a warning instead of failing the open.
func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("history: read %q: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	bad := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			bad++
			continue
		}
		s.push(e)
	}
	if bad > 0 {
		s.log.Warn("history file had malformed lines", logx.String("path", path), logx.Int("count", bad))
	}
	return sc.Err()
}

func (s *fileStore) push(e Entry) {
	s.tail = append(s.tail, e)
	if len(s.tail) > s.max {
		s.tail = s.tail[len(s.tail)-s.max:]
	}
}

func (s *fileStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("history: store closed")
	}
	if err := s.enc.Encode(e); err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	s.push(e)
	return nil
}

func (s *fileStore) Recent(_ context.Context, channelID int64, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, n)
	for i := len(s.tail) - 1; i >= 0 && len(out) < n; i-- {
		if s.tail[i].ChannelID == channelID {
			out = append(out, s.tail[i])
		}
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
