// Package channel holds the HTTP clients of the messaging and voice
// providers the dispatcher talks to.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ignatij/leadflow/pkg/dispatch"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Config describes one provider endpoint.
type Config struct {
	BaseURL       string        `mapstructure:"base_url"`
	Token         string        `mapstructure:"token"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// client posts JSON to a provider. Failures come back classified: network
// errors, throttling and 5xx are transient, every other non-2xx is permanent.
type client struct {
	name    string
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

func newClient(name string, cfg Config) *client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &client{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// ProviderError is a non-2xx provider response.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider responded %d: %s", e.Provider, e.StatusCode, e.Body)
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500
}

func (c *client) post(ctx context.Context, path, idempotencyKey string, body, out interface{}) error {
	if c.baseURL == "" {
		return dispatch.Permanentf("%s provider not configured", c.name)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return dispatch.Permanent(errors.Wrap(err, "encode request"))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return dispatch.Transient(errors.Wrap(err, "rate limit wait"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return dispatch.Permanent(errors.Wrap(err, "build request"))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return dispatch.Transient(errors.Wrapf(err, "%s %s", c.name, path))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return dispatch.Transient(errors.Wrap(err, "read response"))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		perr := &ProviderError{Provider: c.name, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		if retryable(resp.StatusCode) {
			return dispatch.Transient(perr)
		}
		return dispatch.Permanent(perr)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return dispatch.Permanent(errors.Wrap(err, "decode response"))
	}
	return nil
}

type idResponse struct {
	ID string `json:"id"`
}
