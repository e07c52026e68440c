// Package transcode obtains a ready-to-stream byte source for a queue item
// from a remote transcoding service, wrapping every call in retry with
// backoff and a circuit breaker, and falling back to a local ffmpeg
// subprocess when the service is unavailable.
package transcode

import (
	"errors"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects the call locally and
// fallback is disabled.
var ErrCircuitOpen = errors.New("transcode circuit open")

// Request describes one transcoding job. The same parameter set drives both
// the remote service and the ffmpeg fallback.
type Request struct {
	SourceURL string `json:"source_url"`
	// Format is the container/codec family: opus, mp3, aac, pcm. Default opus.
	Format     string   `json:"format,omitempty"`
	Bitrate    int      `json:"bitrate,omitempty"`     // kbit/s, default 64
	SampleRate int      `json:"sample_rate,omitempty"` // default 48000
	Channels   int      `json:"channels,omitempty"`    // default 2
	Filters    *Filters `json:"audio_filters,omitempty"`
	Normalize  bool     `json:"normalize,omitempty"`
	// TargetLoudness in LUFS, used when Normalize is set. Default -16.
	TargetLoudness float64 `json:"target_loudness,omitempty"`
	FadeIn         float64 `json:"fade_in,omitempty"` // seconds
}

// Filters are the simple per-channel audio adjustments.
type Filters struct {
	// EQPreset is one of flat, bass_boost, voice, treble.
	EQPreset string `json:"eq_preset,omitempty"`
	// Speed is a tempo multiplier in [0.5, 2.0].
	Speed float64 `json:"speed,omitempty"`
	// Volume is a linear gain factor; 1.0 is unchanged.
	Volume float64 `json:"volume,omitempty"`
}

type Config struct {
	BaseURL        string
	RequestTimeout time.Duration // default 30s

	// RetryMax is the total number of remote attempts. Default 3.
	RetryMax      int
	RetryBase     time.Duration // default 1s
	RetryMaxDelay time.Duration // default 30s
	// RetryJitter spreads delays by ±fraction to avoid retry storms across
	// channels. Default 0.25.
	RetryJitter float64

	BreakerThreshold   int           // default 5
	BreakerOpenTimeout time.Duration // default 30s

	FallbackEnabled bool
	FFmpegPath      string // default "ffmpeg"
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryJitter <= 0 || c.RetryJitter > 1 {
		c.RetryJitter = 0.25
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = 30 * time.Second
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	return c
}

// Permanent wraps an application-level rejection from the remote service
// (bad parameters, unsupported format). Permanent errors are not retried and
// do not count against the breaker: the service answered, so they are not an
// availability signal.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// IsPermanent reports whether err (or anything it wraps) was marked Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
