package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "streamcast/pkg/logx"
)

func entry(ch int64, title, reason string) Entry {
	return Entry{
		At:        time.Now().UTC(),
		ChannelID: ch,
		ItemID:    "id-" + title,
		Title:     title,
		Source:    "https://media/" + title,
		Origin:    "queued",
		Reason:    reason,
		PlayedSec: 30,
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", "NONE"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestFileAppendRecent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	for _, e := range []Entry{
		entry(1, "a", "finished"),
		entry(2, "b", "finished"),
		entry(1, "c", "skipped"),
		entry(1, "d", "finished"),
	} {
		if err := st.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := st.Recent(ctx, 1, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	// newest first, filtered to the channel
	if len(got) != 2 || got[0].Title != "d" || got[1].Title != "c" {
		t.Fatalf("Recent = %+v", got)
	}

	if got, _ := st.Recent(ctx, 3, 5); len(got) != 0 {
		t.Fatalf("Recent(empty channel) = %+v", got)
	}
	if got, _ := st.Recent(ctx, 1, 0); got != nil {
		t.Fatalf("Recent(n=0) = %+v", got)
	}
}

func TestFileReplayOnReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.jsonl")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Append(ctx, entry(1, "a", "finished")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// double close is a no-op
	if err := st.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := st.Append(ctx, entry(1, "b", "finished")); err == nil {
		t.Fatal("Append after Close succeeded")
	}

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	got, err := st2.Recent(ctx, 1, 10)
	if err != nil || len(got) != 1 || got[0].Title != "a" {
		t.Fatalf("Recent after reopen = %+v err=%v", got, err)
	}
}

func TestFileReplaySkipsMalformedLines(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.jsonl")
	seed := `{"at":"2026-01-02T03:04:05Z","channel_id":1,"item_id":"x","title":"ok","source":"s","origin":"queued","reason":"finished","played_sec":10}
this is not json
{"at":"2026-01-02T03:05:05Z","channel_id":1,"item_id":"y","title":"ok2","source":"s","origin":"queued","reason":"finished","played_sec":10}
`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	got, err := st.Recent(context.Background(), 1, 10)
	if err != nil || len(got) != 2 {
		t.Fatalf("Recent = %d entries err=%v, want 2", len(got), err)
	}
}
