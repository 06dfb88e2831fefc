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

package metadata

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/corpusflow/corpusflow/pkg/cache"
	"github.com/corpusflow/corpusflow/pkg/llm"
	"github.com/corpusflow/corpusflow/pkg/registry"
)

// minChunkLength is the threshold below which extraction is skipped; a
// shorter chunk gets empty metadata without an LLM call.
const minChunkLength = 10

// ChatClient is the slice of the LLM gateway the extractor needs.
type ChatClient interface {
	Chat(ctx context.Context, req llm.Request) (llm.Response, error)
}

// Extractor produces cleaned metadata for chunks.
type Extractor struct {
	client    ChatClient
	model     registry.Model
	cache     *cache.Cache[Metadata]
	sem       *semaphore.Weighted
	batchSize int
	logger    *slog.Logger
}

type Option func(*Extractor)

func WithCache(size int, ttl time.Duration) Option {
	return func(e *Extractor) {
		e.cache = cache.New[Metadata](size, ttl)
	}
}

func WithConcurrency(n int) Option {
	return func(e *Extractor) {
		e.sem = semaphore.NewWeighted(int64(n))
	}
}

func WithBatchSize(n int) Option {
	return func(e *Extractor) {
		e.batchSize = n
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) {
		e.logger = logger
	}
}

func New(client ChatClient, model registry.Model, opts ...Option) *Extractor {
	e := &Extractor{
		client:    client,
		model:     model,
		cache:     cache.New[Metadata](1000, time.Hour),
		sem:       semaphore.NewWeighted(20),
		batchSize: 40,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract returns cleaned metadata for one chunk. Chunks under the minimum
// length get empty metadata without calling the model. Unparseable model
// output also yields empty metadata; extraction failures never lose chunks.
func (e *Extractor) Extract(ctx context.Context, text string, counts Counts) (Metadata, error) {
	if len(strings.TrimSpace(text)) < minChunkLength {
		return Metadata{}, nil
	}
	counts = counts.withDefaults()

	key := cacheKey(e.model.ID, text, counts)
	if md, _, hit := e.cache.Get(key); hit {
		return md, nil
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return Metadata{}, err
	}
	defer e.sem.Release(1)

	resp, err := e.client.Chat(ctx, llm.Request{
		Model: e.model.ID,
		Messages: []llm.Message{
			{Role: "system", Content: buildSystemPrompt(counts)},
			{Role: "user", Content: buildPrompt(text)},
		},
		Temperature: 0.1,
		MaxTokens:   1024,
	})
	if err != nil {
		return Metadata{}, err
	}

	md, err := ExtractJSON(resp.Content)
	if err != nil {
		e.logger.Warn("metadata extraction produced unparseable output",
			"model", e.model.ID, "error", err)
		return Metadata{}, nil
	}

	md = Clean(md)
	e.cache.Set(key, md)
	return md, nil
}

// ExtractBatch extracts metadata for chunks in order. The result is
// positionally aligned with texts: result[i] belongs to texts[i]. A chunk
// whose extraction fails transiently gets empty metadata and the batch
// continues; only cancellation aborts the whole batch.
//
// Every batch is issued at once; the semaphore, not batch boundaries, caps
// in-flight model calls.
func (e *Extractor) ExtractBatch(ctx context.Context, texts []string, counts Counts) ([]Metadata, error) {
	out := make([]Metadata, len(texts))

	outer, octx := errgroup.WithContext(ctx)
	for offset := 0; offset < len(texts); offset += e.batchSize {
		end := offset + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		offset := offset
		outer.Go(func() error {
			g, gctx := errgroup.WithContext(octx)
			for i := offset; i < end; i++ {
				i := i
				g.Go(func() error {
					md, err := e.Extract(gctx, texts[i], counts)
					if err != nil {
						if gctx.Err() != nil {
							return gctx.Err()
						}
						e.logger.Warn("metadata extraction failed, storing chunk without metadata",
							"index", i, "error", err)
						return nil
					}
					out[i] = md
					return nil
				})
			}
			return g.Wait()
		})
	}
	if err := outer.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// cacheKey fingerprints everything that shapes the output: the model, the
// prompt counts, and the text. Only a prefix of the text is hashed; the full
// length disambiguates shared prefixes.
func cacheKey(model, text string, counts Counts) string {
	prefix := text
	if len(prefix) > 1000 {
		prefix = prefix[:1000]
	}
	return cache.Key(model, prefix, strconv.Itoa(len(text)),
		counts.Keywords, counts.Topics, counts.Questions, counts.SummaryLength)
}

// CacheStats exposes the extraction cache for the operational endpoints.
func (e *Extractor) CacheStats() cache.Stats { return e.cache.Stats() }

// CacheClear empties the extraction cache.
func (e *Extractor) CacheClear() { e.cache.Clear() }
