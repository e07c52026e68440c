package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "streamcast/pkg/logx"
)

func TestURLResolver(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		source    string
		wantURL   string
		wantTitle string
		wantErr   bool
	}{
		{
			name:      "direct mp3",
			source:    "https://cdn.example.com/shows/morning-mix.mp3",
			wantURL:   "https://cdn.example.com/shows/morning-mix.mp3",
			wantTitle: "morning-mix",
		},
		{
			name:      "plain http",
			source:    "http://example.com/live.aac",
			wantURL:   "http://example.com/live.aac",
			wantTitle: "live",
		},
		{
			name:      "no path falls back to host",
			source:    "https://radio.example.com",
			wantURL:   "https://radio.example.com",
			wantTitle: "radio.example.com",
		},
		{
			name:    "ftp rejected",
			source:  "ftp://example.com/a.mp3",
			wantErr: true,
		},
		{
			name:    "bare text rejected",
			source:  "some song name",
			wantErr: true,
		},
		{
			name:    "empty rejected",
			source:  "   ",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := URLResolver{}.Resolve(context.Background(), tt.source)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Resolve(%q) accepted, want error", tt.source)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.source, err)
			}
			if got.URL != tt.wantURL || got.Title != tt.wantTitle {
				t.Fatalf("Resolve(%q) = %+v, want url %q title %q", tt.source, got, tt.wantURL, tt.wantTitle)
			}
		})
	}
}

type countingResolver struct {
	calls int
	err   error
}

func (c *countingResolver) Resolve(ctx context.Context, source string) (ResolvedMedia, error) {
	c.calls++
	if c.err != nil {
		return ResolvedMedia{}, c.err
	}
	return ResolvedMedia{URL: source, Title: "t"}, nil
}

func TestCachedResolverMemoizes(t *testing.T) {
	t.Parallel()

	inner := &countingResolver{}
	r := NewCachedResolver(inner, time.Minute, logx.Nop())

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(context.Background(), "https://example.com/a.mp3"); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("upstream calls = %d, want 1", inner.calls)
	}

	if _, err := r.Resolve(context.Background(), "https://example.com/b.mp3"); err != nil {
		t.Fatalf("Resolve distinct source: %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("upstream calls = %d, want 2", inner.calls)
	}
}

func TestCachedResolverDoesNotCacheFailures(t *testing.T) {
	t.Parallel()

	inner := &countingResolver{err: errors.New("upstream 404")}
	r := NewCachedResolver(inner, time.Minute, logx.Nop())

	for i := 0; i < 2; i++ {
		if _, err := r.Resolve(context.Background(), "https://example.com/missing.mp3"); err == nil {
			t.Fatal("Resolve succeeded, want error")
		}
	}
	if inner.calls != 2 {
		t.Fatalf("upstream calls = %d, want 2 (failures not cached)", inner.calls)
	}
}
