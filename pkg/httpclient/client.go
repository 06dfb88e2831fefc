// Copyright 2025 The corpusflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpclient wraps net/http with retry, backoff, and error
// classification shared by every downstream adapter (LLM providers,
// embeddings, rerank, compression, Milvus).
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/corpusflow/corpusflow/pkg/apierr"
)

// PoolConfig sizes the shared transport connection pool.
type PoolConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
}

// NewPool builds an *http.Client backed by a pooled transport. All adapters
// share one pool so connection reuse works across components.
func NewPool(cfg PoolConfig, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// Client retries transient failures with capped exponential backoff.
type Client struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func WithMaxRetries(max int) Option {
	return func(c *Client) {
		c.maxRetries = max
	}
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = delay
	}
}

func WithMaxDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.maxDelay = delay
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func New(opts ...Option) *Client {
	client := &Client{
		client:     &http.Client{Timeout: 60 * time.Second},
		maxRetries: 3,
		baseDelay:  time.Second,
		maxDelay:   10 * time.Second,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Do sends the request, retrying retryable failures up to maxRetries
// attempts total. The final classified error is returned when every attempt
// fails; non-retryable failures return immediately.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, apierr.Wrap(apierr.Internal, err, "recreating request body for retry")
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)
		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		lastErr = classify(resp, err)
		if resp != nil {
			drain(resp)
		}

		if !apierr.IsRetryable(lastErr) || attempt == c.maxRetries-1 {
			return nil, lastErr
		}

		delay := c.backoff(attempt)
		c.logger.Warn("retrying request",
			"method", req.Method,
			"url", req.URL.String(),
			"attempt", attempt+1,
			"max_attempts", c.maxRetries,
			"delay", delay,
			"error", lastErr)

		select {
		case <-req.Context().Done():
			return nil, apierr.Wrap(apierr.Timeout, req.Context().Err(), "request canceled during backoff")
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

// backoff returns base*2^attempt capped at maxDelay, with ±25% jitter.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.baseDelay << uint(attempt)
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(delay) * jitter)
}

// classify maps transport errors and HTTP statuses onto apierr kinds so
// callers and the retry loop agree on what is transient.
func classify(resp *http.Response, err error) error {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return apierr.Wrap(apierr.Timeout, err, "request timed out")
		}
		if ctxErr := contextError(err); ctxErr != nil {
			return ctxErr
		}
		return apierr.Wrap(apierr.Unreachable, err, "request failed")
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := fmt.Sprintf("HTTP %d from %s", resp.StatusCode, resp.Request.URL.Host)
	if len(body) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, bytes.TrimSpace(body))
	}
	return apierr.FromStatus(resp.StatusCode, msg)
}

func contextError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apierr.Wrap(apierr.Timeout, err, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return apierr.Wrap(apierr.Timeout, err, "request canceled")
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// PostJSON marshals in, posts it, and decodes the response into out.
// out may be nil when the response body is irrelevant.
func (c *Client) PostJSON(ctx context.Context, url string, headers map[string]string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return apierr.Wrap(apierr.Internal, err, "marshaling request to %s", url)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return apierr.Wrap(apierr.Internal, err, "building request to %s", url)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apierr.Wrap(apierr.Parse, err, "decoding response from %s", url)
	}
	return nil
}

// GetJSON fetches url and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, url string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apierr.Wrap(apierr.Internal, err, "building request to %s", url)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apierr.Wrap(apierr.Parse, err, "decoding response from %s", url)
	}
	return nil
}
