package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	kit "streamcast/internal/transport"
	logx "streamcast/pkg/logx"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (a *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (a *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	a.sent = append(a.sent, text)
	a.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (a *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}

func (a *fakeAdapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	return nil
}

func (a *fakeAdapter) sentTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

type harness struct {
	r       *Router
	ad      *fakeAdapter
	updates chan kit.Update
}

func newHarness(t *testing.T, owners []int64) *harness {
	t.Helper()
	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, owners)
	updates := make(chan kit.Update)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.DispatchLoop(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("dispatch loop did not stop")
		}
	})
	return &harness{r: r, ad: ad, updates: updates}
}

func (h *harness) send(t *testing.T, fromID int64, text string) {
	t.Helper()
	up := kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			ID:     1,
			ChatID: 100,
			FromID: fromID,
			Text:   text,
		},
	}
	select {
	case h.updates <- up:
	case <-time.After(3 * time.Second):
		t.Fatal("dispatch loop not consuming updates")
	}
}

func waitReply(t *testing.T, ad *fakeAdapter, want int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got := ad.sentTexts()
		if len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d replies, got %v", want, ad.sentTexts())
	return nil
}

func TestDispatchRunsHandler(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	var (
		mu   sync.Mutex
		args []string
	)
	h.r.Register([]Command{{
		Name:  "play",
		Usage: "/play <url>",
		Handle: func(ctx context.Context, req *Request) error {
			mu.Lock()
			args = req.Args
			mu.Unlock()
			_, err := req.Adapter.SendText(ctx, req.Chat, "queued", nil)
			return err
		},
	}})

	h.send(t, 1, "/play https://example.com/a.mp3")
	got := waitReply(t, h.ad, 1)
	if got[0] != "queued" {
		t.Fatalf("reply = %q, want %q", got[0], "queued")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(args) != 1 || args[0] != "https://example.com/a.mp3" {
		t.Fatalf("handler args = %v", args)
	}
}

func TestBotSuffixAndAlias(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.r.Register([]Command{{
		Name:    "queue",
		Aliases: []string{"q"},
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.Adapter.SendText(ctx, req.Chat, "cmd:"+req.Command, nil)
			return err
		},
	}})

	h.send(t, 1, "/q@streamcastbot")
	got := waitReply(t, h.ad, 1)
	if got[0] != "cmd:queue" {
		t.Fatalf("alias dispatch reply = %q, want %q", got[0], "cmd:queue")
	}
}

func TestOwnerGating(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []int64{7})

	var calls int
	var mu sync.Mutex
	h.r.Register([]Command{{
		Name:   "stop",
		Access: AccessOwnerOnly,
		Handle: func(ctx context.Context, req *Request) error {
			mu.Lock()
			calls++
			mu.Unlock()
			_, err := req.Adapter.SendText(ctx, req.Chat, "stopped", nil)
			return err
		},
	}})

	h.send(t, 999, "/stop")
	got := waitReply(t, h.ad, 1)
	if got[0] != "unauthorized" {
		t.Fatalf("non-owner reply = %q, want %q", got[0], "unauthorized")
	}
	mu.Lock()
	if calls != 0 {
		mu.Unlock()
		t.Fatalf("handler ran for non-owner")
	}
	mu.Unlock()

	h.send(t, 7, "/stop")
	got = waitReply(t, h.ad, 2)
	if got[1] != "stopped" {
		t.Fatalf("owner reply = %q, want %q", got[1], "stopped")
	}
}

func TestSetOwnersHotReload(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []int64{1})
	h.r.Register([]Command{{
		Name:   "stop",
		Access: AccessOwnerOnly,
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.Adapter.SendText(ctx, req.Chat, "stopped", nil)
			return err
		},
	}})

	h.r.SetOwners([]int64{2})

	h.send(t, 1, "/stop")
	got := waitReply(t, h.ad, 1)
	if got[0] != "unauthorized" {
		t.Fatalf("removed owner reply = %q, want %q", got[0], "unauthorized")
	}

	h.send(t, 2, "/stop")
	got = waitReply(t, h.ad, 2)
	if got[1] != "stopped" {
		t.Fatalf("new owner reply = %q, want %q", got[1], "stopped")
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.r.Register(nil)

	h.send(t, 1, "/definitelynotacommand")
	got := waitReply(t, h.ad, 1)
	if !strings.Contains(got[0], "/help") {
		t.Fatalf("unknown command reply = %q, want a /help hint", got[0])
	}
}

func TestPlainTextIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.r.Register(nil)

	h.send(t, 1, "hello there")
	time.Sleep(50 * time.Millisecond)
	if got := h.ad.sentTexts(); len(got) != 0 {
		t.Fatalf("plain text triggered replies: %v", got)
	}
}

func TestHelpListsCommands(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.r.Register([]Command{
		{Name: "play", Description: "queue a track", Handle: func(ctx context.Context, req *Request) error { return nil }},
		{Name: "skip", Description: "skip current track", Handle: func(ctx context.Context, req *Request) error { return nil }},
	})

	h.send(t, 1, "/help")
	got := waitReply(t, h.ad, 1)
	for _, want := range []string{"/play", "/skip", "/help"} {
		if !strings.Contains(got[0], want) {
			t.Fatalf("help text missing %q:\n%s", want, got[0])
		}
	}
}
