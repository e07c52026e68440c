package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"streamcast/internal/queue"
	"streamcast/internal/transcode"
	logx "streamcast/pkg/logx"
)

var (
	// ErrConcurrencyLimit is returned when starting playback would exceed
	// the global active-channel ceiling.
	ErrConcurrencyLimit = errors.New("channel: concurrent channel limit reached")
	// ErrUnknownChannel is returned for operations on a channel the manager
	// has never seen.
	ErrUnknownChannel = errors.New("channel: unknown channel")
)

// Queue is the slice of the playback queue the manager drives.
type Queue interface {
	PeekNext(ctx context.Context, channelID int64) (*queue.Item, error)
	PopNext(ctx context.Context, channelID int64) (*queue.Item, error)
	Skip(ctx context.Context, channelID int64) (*queue.Item, error)
	Len(ctx context.Context, channelID int64) (int, error)
}

// Watchdog arms and cancels the idle-stream timer around playback
// transitions.
type Watchdog interface {
	Arm(ctx context.Context, channelID int64) error
	Cancel(ctx context.Context, channelID int64, reason string) error
	OnListenerCount(ctx context.Context, channelID int64, listeners int) error
}

// Transcoder produces a playable audio stream for a request.
type Transcoder interface {
	Transcode(ctx context.Context, req transcode.Request) (io.ReadCloser, error)
}

// TrackInfo is the metadata handed to the transport alongside the stream.
type TrackInfo struct {
	ItemID string
	Title  string
	Radio  bool
}

// Transport pushes audio into the broadcast channel. Play blocks until the
// track finishes or ctx is cancelled; Stop interrupts a blocked Play.
type Transport interface {
	Play(ctx context.Context, channelID int64, stream io.ReadCloser, track TrackInfo) error
	Pause(channelID int64) error
	Resume(channelID int64) error
	Stop(channelID int64) error
}

// ResolvedMedia is the playable form of a queue item's source.
type ResolvedMedia struct {
	URL         string
	Title       string
	DurationSec int
}

// Resolver turns a queue item source (URL, search query, radio id) into a
// direct media URL.
type Resolver interface {
	Resolve(ctx context.Context, source string) (ResolvedMedia, error)
}

// CachedResolver memoizes successful resolutions for a TTL so repeated plays
// of the same source skip the upstream lookup.
type CachedResolver struct {
	inner Resolver
	cache *gocache.Cache
	log   logx.Logger
}

func NewCachedResolver(inner Resolver, ttl time.Duration, log logx.Logger) *CachedResolver {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedResolver{
		inner: inner,
		cache: gocache.New(ttl, ttl*2),
		log:   log.With(logx.String("component", "resolver.cache")),
	}
}

func (r *CachedResolver) Resolve(ctx context.Context, source string) (ResolvedMedia, error) {
	if v, ok := r.cache.Get(source); ok {
		return v.(ResolvedMedia), nil
	}
	media, err := r.inner.Resolve(ctx, source)
	if err != nil {
		return ResolvedMedia{}, fmt.Errorf("resolve %q: %w", source, err)
	}
	r.cache.SetDefault(source, media)
	r.log.Debug("resolved source", logx.String("source", source), logx.String("url", media.URL))
	return media, nil
}
