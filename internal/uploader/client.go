// Package uploader is the device side of ingestion: it posts fragments and
// heartbeats to the server with bounded retries, and streams a device's
// fragments into rotating sessions.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/octavio/internal/ingest"
)

const (
	DefaultAttempts      = 3
	DefaultRetryInterval = 15 * time.Second
	defaultMaxInterval   = time.Minute
)

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server answered %d: %s", e.Code, e.Body)
}

// Client posts to an octavio server.
type Client struct {
	baseURL  string
	http     *http.Client
	attempts int
	interval time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAttempts bounds the number of tries per request. Values below one
// mean a single try.
func WithAttempts(n int) Option {
	return func(c *Client) {
		if n < 1 {
			n = 1
		}
		c.attempts = n
	}
}

// WithRetryInterval sets the first wait between tries. Later waits grow
// exponentially.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) { c.interval = d }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
		attempts: DefaultAttempts,
		interval: DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendFragment posts one fragment and returns the server's receipt.
func (c *Client) SendFragment(ctx context.Context, frag ingest.Fragment) (ingest.Receipt, error) {
	var receipt ingest.Receipt
	if err := c.post(ctx, "/piano", frag, &receipt); err != nil {
		return ingest.Receipt{}, err
	}
	return receipt, nil
}

// SendHeartbeat posts one liveness ping.
func (c *Client) SendHeartbeat(ctx context.Context, hb ingest.Heartbeat) error {
	return c.post(ctx, "/heartbeat", hb, nil)
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.interval
	eb.MaxInterval = max(c.interval, defaultMaxInterval)
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.attempts-1)), ctx)
}

// post sends body as JSON and decodes the answer into out when out is not
// nil. Transport failures and 5xx answers are retried; 4xx answers are not.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	url := c.baseURL + path

	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			serr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
			if resp.StatusCode < 500 {
				return backoff.Permanent(serr)
			}
			return serr
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		slog.Info("request failed, retrying", "path", path, "attempt", attempt, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, c.newBackOff(ctx), notify); err != nil {
		var serr *StatusError
		if errors.As(err, &serr) && serr.Code < 500 {
			return err
		}
		return fmt.Errorf("post %s after %d attempts: %w", path, attempt, err)
	}
	return nil
}
