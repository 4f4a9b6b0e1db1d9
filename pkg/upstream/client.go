// Package upstream fetches inspiration text from the fixed upstream endpoint.
package upstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"muse/pkg/config"
	"muse/pkg/fault"

	"golang.org/x/time/rate"
)

const chunkSize = 4 << 10

// HTTPDoer is the part of *http.Client the upstream client needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Result is one materialized upstream response.
//
// Anomaly is set when the body was not valid UTF-8; Text is then empty and the
// fetch still counts as successful.
type Result struct {
	Text    string
	Anomaly error
}

// Client issues exactly one GET per Fetch. It keeps no per-call state, so one
// Client (and its pooled transport) is shared by all triggers.
type Client struct {
	url     string
	doer    HTTPDoer
	limiter *rate.Limiter
	log     *slog.Logger
}

// New builds a client for cfg.URL. A nil doer gets a pooled *http.Client with no
// overall timeout; transport-level dial and TLS defaults still apply.
func New(cfg config.UpstreamConfig, doer HTTPDoer, log *slog.Logger) (*Client, error) {
	target := strings.TrimSpace(cfg.URL)
	if target == "" {
		return nil, fault.ConfigurationFault("upstream.url is required")
	}

	if doer == nil {
		doer = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		url:     target,
		doer:    doer,
		limiter: newLimiter(cfg.RatePerSecond, cfg.Burst),
		log:     log.With("component", "upstream.client"),
	}, nil
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}

	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// URL returns the configured upstream endpoint.
func (c *Client) URL() string {
	return c.url
}

// Fetch performs one GET and returns the concatenated, decoded body.
//
// Only transport problems (dial, DNS, reset, a body that breaks off) return an
// error. Non-2xx statuses are relayed as-is.
func (c *Client) Fetch(ctx context.Context) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	meta := map[string]any{"url": c.url}

	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, fault.TransportFailure(err, "upstream: wait for request slot", meta)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Result{}, fault.TransportFailure(err, "upstream: create request", meta)
	}

	startedAt := time.Now()
	c.log.Debug("upstream request started", "url", c.url)

	resp, err := c.doer.Do(req)
	if err != nil {
		c.log.Debug("upstream request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return Result{}, fault.TransportFailure(err, "upstream: execute request", meta)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Warn("upstream returned non-success status", "status", resp.StatusCode)
	}

	body, chunks, err := unchunk(resp.Body)
	if err != nil {
		c.log.Debug("upstream body read failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		meta["status_code"] = resp.StatusCode
		return Result{}, fault.TransportFailure(err, "upstream: read response body", meta)
	}

	result := decode(body)
	c.log.Debug("upstream request completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"status", resp.StatusCode,
		"chunks", chunks,
		"bytes", len(body),
	)

	return result, nil
}

// unchunk reads body to EOF, appending each chunk in arrival order.
func unchunk(body io.Reader) ([]byte, int, error) {
	var (
		buf    []byte
		chunks int
	)

	scratch := make([]byte, chunkSize)
	for {
		n, err := body.Read(scratch)
		if n > 0 {
			buf = append(buf, scratch[:n]...)
			chunks++
		}
		if errors.Is(err, io.EOF) {
			return buf, chunks, nil
		}
		if err != nil {
			return nil, chunks, err
		}
	}
}

func decode(body []byte) Result {
	if !utf8.Valid(body) {
		return Result{Anomaly: fault.DecodeAnomaly(map[string]any{"bytes": len(body)})}
	}

	return Result{Text: string(body)}
}
