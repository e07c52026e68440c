package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	logx "streamcast/pkg/logx"
)

// Remote is the transport to the transcoding service. Implementations return
// the encoded byte stream; a Permanent error marks an application-level
// rejection that must not be retried.
type Remote interface {
	Stream(ctx context.Context, req Request) (io.ReadCloser, error)
	Health(ctx context.Context) error
}

// Client wraps Remote calls in retry-with-backoff and a circuit breaker.
//
// One Client is typically shared by all channels so the breaker reflects the
// remote service's overall health rather than one channel's local view; the
// constructor makes that lifetime explicit instead of hiding it in a package
// singleton.
type Client struct {
	cfg      Config
	breaker  *Breaker
	remote   Remote
	fallback *ffmpegEncoder
	log      logx.Logger
	rng      *rand.Rand

	sleep func(ctx context.Context, d time.Duration) error // test hook
}

func New(cfg Config, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	return newClient(cfg, newHTTPRemote(cfg), log)
}

// NewWithRemote swaps the transport; tests use it to count remote attempts.
func NewWithRemote(cfg Config, remote Remote, log logx.Logger) *Client {
	return newClient(cfg.withDefaults(), remote, log)
}

func newClient(cfg Config, remote Remote, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:      cfg,
		breaker:  NewBreaker(cfg.BreakerThreshold, cfg.BreakerOpenTimeout),
		remote:   remote,
		fallback: &ffmpegEncoder{path: cfg.FFmpegPath, log: log},
		log:      log,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepCtx,
	}
}

// Breaker exposes the circuit breaker for status surfaces.
func (c *Client) Breaker() *Breaker { return c.breaker }

// Transcode returns the encoded stream for req. While the breaker is open no
// remote attempt is made at all: the call goes straight to the fallback, or
// fails fast with ErrCircuitOpen when fallback is disabled.
func (c *Client) Transcode(ctx context.Context, req Request) (io.ReadCloser, error) {
	var lastErr error

	if c.breaker.Allow() {
		for attempt := 0; attempt < c.cfg.RetryMax; attempt++ {
			rc, err := c.remote.Stream(ctx, req)
			if err == nil {
				c.breaker.RecordSuccess()
				return rc, nil
			}
			if IsPermanent(err) {
				// The service answered and rejected the request; not an
				// availability signal.
				return nil, err
			}
			c.breaker.RecordFailure()
			lastErr = err
			c.log.Warn("transcode attempt failed",
				logx.Int("attempt", attempt+1),
				logx.Int("max", c.cfg.RetryMax),
				logx.Err(err))

			if attempt < c.cfg.RetryMax-1 {
				d := backoffDelay(attempt, c.cfg.RetryBase, c.cfg.RetryMaxDelay, c.cfg.RetryJitter, c.rng)
				if err := c.sleep(ctx, d); err != nil {
					return nil, err
				}
			}
		}
	} else {
		lastErr = ErrCircuitOpen
		c.log.Warn("circuit open, skipping remote transcoder")
	}

	if c.cfg.FallbackEnabled {
		return c.fallback.Stream(ctx, req)
	}
	if lastErr == nil {
		lastErr = ErrCircuitOpen
	}
	return nil, lastErr
}

// Healthy probes the remote service without touching the breaker.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.remote.Health(ctx) == nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ---- HTTP transport ----

type httpRemote struct {
	baseURL string
	client  *http.Client
}

func newHTTPRemote(cfg Config) *httpRemote {
	return &httpRemote{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.RequestTimeout},
	}
}

func (h *httpRemote) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, Permanent(fmt.Errorf("encode transcode request: %w", err))
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/api/v1/transcode", bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(err)
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(hreq)
	if err != nil {
		// connection refused / timeout: a transport failure the breaker
		// should count
		return nil, fmt.Errorf("transcoder request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, Permanent(fmt.Errorf("transcoder returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	return resp.Body, nil
}

func (h *httpRemote) Health(ctx context.Context) error {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(hreq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}
