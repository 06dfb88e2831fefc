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

// Package embedder calls the OpenAI-compatible embeddings service. Large
// inputs are split into batches embedded concurrently; results keep input
// order.
package embedder

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/corpusflow/corpusflow/pkg/apierr"
	"github.com/corpusflow/corpusflow/pkg/cache"
	"github.com/corpusflow/corpusflow/pkg/httpclient"
	"github.com/corpusflow/corpusflow/pkg/registry"
)

// Embedder embeds text with one model against one service endpoint.
type Embedder struct {
	baseURL   string
	client    *httpclient.Client
	model     registry.Model
	apiKey    string
	batchSize int
	sem       *semaphore.Weighted
	cache     *cache.Cache[[]float32]
	logger    *slog.Logger
}

type Option func(*Embedder)

func WithBatchSize(n int) Option {
	return func(e *Embedder) {
		e.batchSize = n
	}
}

func WithConcurrency(n int) Option {
	return func(e *Embedder) {
		e.sem = semaphore.NewWeighted(int64(n))
	}
}

func WithCache(size int, ttl time.Duration) Option {
	return func(e *Embedder) {
		e.cache = cache.New[[]float32](size, ttl)
	}
}

func WithAPIKey(key string) Option {
	return func(e *Embedder) {
		e.apiKey = key
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Embedder) {
		e.logger = logger
	}
}

func New(baseURL string, client *httpclient.Client, model registry.Model, opts ...Option) *Embedder {
	e := &Embedder{
		baseURL:   baseURL,
		client:    client,
		model:     model,
		batchSize: 100,
		sem:       semaphore.NewWeighted(50),
		cache:     cache.New[[]float32](10000, time.Hour),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dimension returns the embedding dimension of the configured model.
func (e *Embedder) Dimension() int { return e.model.EmbeddingDimension }

// ModelID returns the configured embedding model id.
func (e *Embedder) ModelID() string { return e.model.ID }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding for one text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in input order. Texts are grouped into batches of
// at most batchSize and embedded concurrently under the semaphore; cached
// texts are not re-sent.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	// Resolve cache hits and collect the rest.
	var missing []int
	for i, text := range texts {
		if vec, _, hit := e.cache.Get(cache.Key(e.model.ID, text)); hit {
			out[i] = vec
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(missing); start += e.batchSize {
		end := start + e.batchSize
		if end > len(missing) {
			end = len(missing)
		}
		indices := missing[start:end]

		g.Go(func() error {
			if err := e.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer e.sem.Release(1)

			batch := make([]string, len(indices))
			for j, idx := range indices {
				batch[j] = texts[idx]
			}

			vecs, err := e.embed(gctx, batch)
			if err != nil {
				return err
			}
			for j, idx := range indices {
				out[idx] = vecs[j]
				e.cache.Set(cache.Key(e.model.ID, texts[idx]), vecs[j])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Embedder) embed(ctx context.Context, batch []string) ([][]float32, error) {
	headers := map[string]string{}
	if e.apiKey != "" {
		headers["Authorization"] = "Bearer " + e.apiKey
	}

	var resp embeddingResponse
	if err := e.client.PostJSON(ctx, e.baseURL+"/embeddings", headers,
		embeddingRequest{Model: e.model.ID, Input: batch}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(batch) {
		return nil, apierr.New(apierr.Upstream,
			"embeddings service returned %d vectors for %d inputs", len(resp.Data), len(batch))
	}

	// The service may reorder; index restores input order.
	vecs := make([][]float32, len(batch))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(batch) {
			return nil, apierr.New(apierr.Upstream, "embedding index %d out of range", d.Index)
		}
		if want := e.model.EmbeddingDimension; want > 0 && len(d.Embedding) != want {
			return nil, apierr.New(apierr.Upstream,
				"embedding dimension %d, expected %d", len(d.Embedding), want)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// CacheStats exposes the embedding cache for the operational endpoints.
func (e *Embedder) CacheStats() cache.Stats { return e.cache.Stats() }

// CacheClear empties the embedding cache.
func (e *Embedder) CacheClear() { e.cache.Clear() }
