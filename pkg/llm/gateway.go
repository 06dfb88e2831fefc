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

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/corpusflow/corpusflow/pkg/apierr"
	"github.com/corpusflow/corpusflow/pkg/cache"
	"github.com/corpusflow/corpusflow/pkg/httpclient"
	"github.com/corpusflow/corpusflow/pkg/observability"
	"github.com/corpusflow/corpusflow/pkg/registry"
)

// defaultBaseURLs maps providers to their OpenAI-compatible API roots.
// Overridable per provider via LLM_BASE_URL_<PROVIDER>.
var defaultBaseURLs = map[string]string{
	"nebius":    "https://api.studio.nebius.com/v1",
	"sambanova": "https://api.sambanova.ai/v1",
	"jina":      "https://api.jina.ai/v1",
	"openai":    "https://api.openai.com/v1",
}

// Gateway routes chat requests to providers by model id.
type Gateway struct {
	registry *registry.Registry
	client   *httpclient.Client
	keys     map[string]string
	baseURLs map[string]string
	cache    *cache.Cache[Response]
	sem      *semaphore.Weighted
	metrics  observability.Metrics
	logger   *slog.Logger

	// stripPatterns is compiled once per reasoning model at construction;
	// streamTags holds the literal tag pair derived from each pattern.
	stripPatterns map[string]*regexp.Regexp
	streamTags    map[string][2]string
}

type Option func(*Gateway)

// WithBaseURL overrides a provider's API root, mainly for tests.
func WithBaseURL(provider, url string) Option {
	return func(g *Gateway) {
		g.baseURLs[provider] = strings.TrimRight(url, "/")
	}
}

func WithCache(size int, ttl time.Duration) Option {
	return func(g *Gateway) {
		g.cache = cache.New[Response](size, ttl)
	}
}

func WithConcurrency(n int) Option {
	return func(g *Gateway) {
		g.sem = semaphore.NewWeighted(int64(n))
	}
}

func WithMetrics(m observability.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// New builds the gateway. keys maps provider names to API keys; a model
// whose provider has no key fails at call time, not at startup, so
// deployments can omit providers they never route to.
func New(reg *registry.Registry, client *httpclient.Client, keys map[string]string, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		registry:      reg,
		client:        client,
		keys:          keys,
		baseURLs:      make(map[string]string, len(defaultBaseURLs)),
		cache:         cache.New[Response](1000, time.Hour),
		sem:           semaphore.NewWeighted(20),
		metrics:       &observability.PrometheusMetrics{},
		logger:        slog.Default(),
		stripPatterns: make(map[string]*regexp.Regexp),
		streamTags:    make(map[string][2]string),
	}
	for provider, url := range defaultBaseURLs {
		g.baseURLs[provider] = url
	}

	for _, opt := range opts {
		opt(g)
	}

	for _, m := range reg.Models() {
		if !m.EmitsReasoning {
			continue
		}
		re, err := regexp.Compile(m.StripPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid strip pattern for model %s: %w", m.ID, err)
		}
		g.stripPatterns[m.ID] = re
		open, close := reasoningTags(m.StripPattern)
		g.streamTags[m.ID] = [2]string{open, close}
	}

	return g, nil
}

// Chat runs a non-streaming completion. Identical requests within the cache
// TTL are served from memory with Cached=true and CacheAge set.
func (g *Gateway) Chat(ctx context.Context, req Request) (Response, error) {
	model, ok := g.registry.Model(req.Model)
	if !ok {
		return Response{}, apierr.New(apierr.InvalidArgument, "unknown model %q", req.Model)
	}

	key := g.cacheKey(req)
	if resp, age, hit := g.cache.Get(key); hit {
		g.metrics.RecordCacheLookup(ctx, "llm", true)
		resp.Cached = true
		resp.CacheAge = age
		return resp, nil
	}
	g.metrics.RecordCacheLookup(ctx, "llm", false)

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return Response{}, apierr.Wrap(apierr.Timeout, err, "waiting for llm slot")
	}
	defer g.sem.Release(1)

	start := time.Now()
	resp, err := g.complete(ctx, model, req)
	g.metrics.RecordLLMCall(ctx, model.ID, time.Since(start),
		resp.PromptTokens, resp.CompletionTokens, resp.CostUSD, err)
	if err != nil {
		return Response{}, err
	}

	g.cache.Set(key, resp)
	return resp, nil
}

func (g *Gateway) complete(ctx context.Context, model registry.Model, req Request) (Response, error) {
	url, headers, err := g.endpoint(model, "/chat/completions")
	if err != nil {
		return Response{}, err
	}

	wire := chatCompletionRequest{
		Model:       model.ID,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	var out chatCompletionResponse
	if err := g.client.PostJSON(ctx, url, headers, wire, &out); err != nil {
		return Response{}, err
	}
	if len(out.Choices) == 0 {
		return Response{}, apierr.New(apierr.Upstream, "provider %s returned no choices", model.Provider)
	}

	content := out.Choices[0].Message.Content
	if re, ok := g.stripPatterns[model.ID]; ok {
		content = strings.TrimSpace(re.ReplaceAllString(content, ""))
	}

	return Response{
		Content:          content,
		Model:            model.ID,
		Provider:         model.Provider,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		CostUSD:          model.Cost(out.Usage.PromptTokens, out.Usage.CompletionTokens),
	}, nil
}

// ChatStream runs a streaming completion, invoking fn for each content
// delta. Streaming responses always bypass the cache; reasoning tags are
// filtered out of the stream before deltas reach fn.
func (g *Gateway) ChatStream(ctx context.Context, req Request, fn StreamFunc) error {
	model, ok := g.registry.Model(req.Model)
	if !ok {
		return apierr.New(apierr.InvalidArgument, "unknown model %q", req.Model)
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return apierr.Wrap(apierr.Timeout, err, "waiting for llm slot")
	}
	defer g.sem.Release(1)

	url, headers, err := g.endpoint(model, "/chat/completions")
	if err != nil {
		return err
	}

	wire := chatCompletionRequest{
		Model:       model.ID,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return apierr.Wrap(apierr.Internal, err, "marshaling stream request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return apierr.Wrap(apierr.Internal, err, "building stream request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	start := time.Now()
	filter := fn
	if model.EmitsReasoning {
		tags := g.streamTags[model.ID]
		tf := newTagFilter(tags[0], tags[1])
		filter = func(delta string) error {
			visible := tf.Filter(delta)
			if visible == "" {
				return nil
			}
			return fn(visible)
		}
	}

	err = relaySSE(resp.Body, filter)
	g.metrics.RecordLLMCall(ctx, model.ID, time.Since(start), 0, 0, 0, err)
	return err
}

// reasoningTags derives the literal tag pair from a strip pattern shaped
// like `(?is)<think>.*?</think>`. Patterns in any other shape fall back to
// think tags, which every supported reasoning model emits.
func reasoningTags(pattern string) (open, close string) {
	p := pattern
	if strings.HasPrefix(p, "(?") {
		if i := strings.IndexByte(p, ')'); i > 0 {
			p = p[i+1:]
		}
	}
	parts := strings.Split(p, ".*?")
	if len(parts) == 2 && parts[0] != "" && parts[1] != "" &&
		!strings.ContainsAny(parts[0]+parts[1], `\[](){}|+*?^$.`) {
		return parts[0], parts[1]
	}
	return "<think>", "</think>"
}

func (g *Gateway) endpoint(model registry.Model, path string) (string, map[string]string, error) {
	base, ok := g.baseURLs[model.Provider]
	if !ok {
		return "", nil, apierr.New(apierr.Internal, "no base URL for provider %q", model.Provider)
	}
	key, ok := g.keys[model.Provider]
	if !ok || key == "" {
		return "", nil, apierr.New(apierr.Unauthorized, "no API key configured for provider %q", model.Provider)
	}
	return base + path, map[string]string{"Authorization": "Bearer " + key}, nil
}

func (g *Gateway) cacheKey(req Request) string {
	parts := make([]string, 0, len(req.Messages)*2+3)
	parts = append(parts, req.Model,
		strconv.FormatFloat(req.Temperature, 'f', -1, 64),
		strconv.Itoa(req.MaxTokens))
	for _, m := range req.Messages {
		parts = append(parts, m.Role, m.Content)
	}
	return cache.Key(parts...)
}

// CacheStats exposes the response cache for the operational endpoints.
func (g *Gateway) CacheStats() cache.Stats { return g.cache.Stats() }

// CacheClear empties the response cache.
func (g *Gateway) CacheClear() { g.cache.Clear() }
