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

// Package retrieval drives a query through search, optional reranking and
// compression, and answer generation. Intent classification runs in
// parallel with search; the critical path is max(intent, search), not
// their sum.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/corpusflow/corpusflow/pkg/apierr"
	"github.com/corpusflow/corpusflow/pkg/intent"
	"github.com/corpusflow/corpusflow/pkg/llm"
	"github.com/corpusflow/corpusflow/pkg/observability"
	"github.com/corpusflow/corpusflow/pkg/registry"
	"github.com/corpusflow/corpusflow/pkg/search"
)

const (
	defaultSearchTopK       = 10
	defaultRerankTopK       = 5
	defaultMaxContextChunks = 5
	defaultTemperature      = 0.3
	defaultMaxTokens        = 1536
)

// apologyAnswer is returned when search finds nothing. Clients key off the
// "I couldn't find" prefix, so the wording is part of the API.
const apologyAnswer = "I couldn't find relevant information for this question in the selected collection. Try rephrasing the question or ingesting the relevant documents first."

// Request is one retrieval.
type Request struct {
	Query          string `json:"query"`
	CollectionName string `json:"collection_name"`
	TenantID       string `json:"tenant_id"`

	SearchTopK       int     `json:"search_top_k"`
	RerankTopK       int     `json:"rerank_top_k"`
	MaxContextChunks int     `json:"max_context_chunks"`
	CompressionRatio float64 `json:"compression_ratio"`
	ScoreThreshold   float64 `json:"score_threshold"`
	FilterExpr       string  `json:"filter_expr"`

	UseMetadataBoost  bool `json:"use_metadata_boost"`
	EnableReranking   bool `json:"enable_reranking"`
	EnableCompression bool `json:"enable_compression"`
	EnableCitations   bool `json:"enable_citations"`
	Stream            bool `json:"stream"`

	ResponseStyle  string  `json:"response_style"`
	ResponseFormat string  `json:"response_format"`
	Model          string  `json:"model"`
	Temperature    float64 `json:"temperature"`
}

func (r *Request) setDefaults() {
	if r.SearchTopK == 0 {
		r.SearchTopK = defaultSearchTopK
	}
	if r.RerankTopK == 0 {
		r.RerankTopK = defaultRerankTopK
	}
	if r.MaxContextChunks == 0 {
		r.MaxContextChunks = defaultMaxContextChunks
	}
	if r.Temperature == 0 {
		r.Temperature = defaultTemperature
	}
	if r.TenantID == "" {
		r.TenantID = "default"
	}
	if r.ResponseFormat == "" {
		r.ResponseFormat = "markdown"
	}
}

func (r *Request) validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return apierr.New(apierr.InvalidArgument, "query is required")
	}
	if r.CollectionName == "" {
		return apierr.New(apierr.InvalidArgument, "collection_name is required")
	}
	if r.SearchTopK < 1 || r.SearchTopK > 100 {
		return apierr.New(apierr.InvalidArgument, "search_top_k must be in 1..100, got %d", r.SearchTopK)
	}
	if r.CompressionRatio < 0 || r.CompressionRatio > 1 {
		return apierr.New(apierr.InvalidArgument, "compression_ratio must be in [0,1], got %v", r.CompressionRatio)
	}
	if r.ScoreThreshold < 0 || r.ScoreThreshold > 1 {
		return apierr.New(apierr.InvalidArgument, "score_threshold must be in [0,1], got %v", r.ScoreThreshold)
	}
	if r.ResponseStyle != "" && !intent.ValidStyle(r.ResponseStyle) {
		return apierr.New(apierr.InvalidArgument, "unknown response_style %q", r.ResponseStyle)
	}
	switch r.ResponseFormat {
	case "markdown", "plain":
	default:
		return apierr.New(apierr.InvalidArgument, "response_format must be markdown or plain, got %q", r.ResponseFormat)
	}
	return nil
}

// Citation points an answer claim back at a stored chunk.
type Citation struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Source     string  `json:"source,omitempty"`
	Score      float64 `json:"score"`
}

// ContextChunk is one chunk handed to answer generation.
type ContextChunk struct {
	ChunkID  string  `json:"chunk_id"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
	Topics   string  `json:"topics,omitempty"`
	Keywords string  `json:"keywords,omitempty"`
	Summary  string  `json:"summary,omitempty"`
}

// Stages reports per-stage wall time in milliseconds. Intent and search
// overlap; CriticalPathMS counts max(intent, embedding+search) once plus
// the serial stages after it.
type Stages struct {
	Intent         int64  `json:"intent"`
	Embedding      int64  `json:"embedding"`
	Search         int64  `json:"search"`
	Rerank         int64  `json:"rerank"`
	Compression    int64  `json:"compression"`
	Answer         int64  `json:"answer"`
	CriticalPathMS int64  `json:"critical_path_ms"`
	Bottleneck     string `json:"bottleneck"`
}

func (s *Stages) finish() {
	searchPath := s.Embedding + s.Search
	parallel := s.Intent
	if searchPath > parallel {
		parallel = searchPath
	}
	s.CriticalPathMS = parallel + s.Rerank + s.Compression + s.Answer

	s.Bottleneck = "intent"
	best := s.Intent
	for _, st := range []struct {
		name string
		ms   int64
	}{
		{"search", searchPath},
		{"rerank", s.Rerank},
		{"compression", s.Compression},
		{"answer", s.Answer},
	} {
		if st.ms > best {
			s.Bottleneck, best = st.name, st.ms
		}
	}
}

// Result is the retrieval report.
type Result struct {
	Success            bool           `json:"success"`
	Query              string         `json:"query"`
	Answer             string         `json:"answer"`
	Citations          []Citation     `json:"citations"`
	ContextChunks      []ContextChunk `json:"context_chunks"`
	Intent             string         `json:"intent,omitempty"`
	IntentConfidence   float64        `json:"intent_confidence,omitempty"`
	StyleWarning       string         `json:"style_warning,omitempty"`
	Model              string         `json:"model,omitempty"`
	Stages             Stages         `json:"stages"`
	TotalTimeMS        int64          `json:"total_time_ms"`
	SearchResultsCount int            `json:"search_results_count"`
	RerankedCount      int            `json:"reranked_count"`
	CompressedCount    int            `json:"compressed_count"`
	ContextCount       int            `json:"context_count"`
	Timestamp          time.Time      `json:"timestamp"`
}

// Classifier is the slice of pkg/intent the orchestrator uses.
type Classifier interface {
	Classify(ctx context.Context, req intent.Request) (intent.Classification, error)
}

// Embedder embeds the query.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SearchEngine is the slice of pkg/search the orchestrator uses.
type SearchEngine interface {
	Search(ctx context.Context, collection, tenantID, query string, vector []float32, topK int, filter string) ([]search.Result, error)
}

// ChatClient is the slice of the LLM gateway the orchestrator uses.
type ChatClient interface {
	Chat(ctx context.Context, req llm.Request) (llm.Response, error)
	ChatStream(ctx context.Context, req llm.Request, fn llm.StreamFunc) error
}

// Orchestrator runs retrievals under a process-wide concurrency cap.
type Orchestrator struct {
	classifier Classifier
	embedder   Embedder
	engine     SearchEngine
	chat       ChatClient
	reg        *registry.Registry
	reranker   Reranker
	compressor Compressor
	sem        *semaphore.Weighted
	metrics    *observability.PrometheusMetrics
	logger     *slog.Logger
}

type Option func(*Orchestrator)

// WithReranker enables the rerank stage. Without it, enable_reranking
// degrades to a no-op.
func WithReranker(r Reranker) Option {
	return func(o *Orchestrator) {
		o.reranker = r
	}
}

// WithCompressor enables the compression stage.
func WithCompressor(c Compressor) Option {
	return func(o *Orchestrator) {
		o.compressor = c
	}
}

func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		o.sem = semaphore.NewWeighted(int64(n))
	}
}

func WithMetrics(m *observability.PrometheusMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

func New(classifier Classifier, emb Embedder, engine SearchEngine, chat ChatClient, reg *registry.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		classifier: classifier,
		embedder:   emb,
		engine:     engine,
		chat:       chat,
		reg:        reg,
		sem:        semaphore.NewWeighted(20),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// plan is the assembled answer-generation input.
type plan struct {
	request  llm.Request
	result   Result
	finished bool // search came up empty; result is already complete
}

type intentOutcome struct {
	cls intent.Classification
	err error
	ms  int64
}

// prepare runs every stage before answer generation.
func (o *Orchestrator) prepare(ctx context.Context, req Request) (plan, error) {
	req.setDefaults()
	if err := req.validate(); err != nil {
		return plan{}, err
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return plan{}, err
	}
	defer o.sem.Release(1)

	start := time.Now()
	var stages Stages

	// Intent classification overlaps with embedding and search.
	intentCtx, cancelIntent := context.WithCancel(ctx)
	defer cancelIntent()
	intentCh := make(chan intentOutcome, 1)
	go func() {
		intentStart := time.Now()
		cls, err := o.classifier.Classify(intentCtx, intent.Request{
			Query:     req.Query,
			Style:     intent.Style(req.ResponseStyle),
			Format:    req.ResponseFormat,
			Citations: req.EnableCitations,
		})
		intentCh <- intentOutcome{cls: cls, err: err, ms: time.Since(intentStart).Milliseconds()}
	}()

	embedStart := time.Now()
	vector, err := o.embedder.Embed(ctx, req.Query)
	stages.Embedding = time.Since(embedStart).Milliseconds()
	if err != nil {
		return plan{}, err
	}

	searchQuery := req.Query
	if !req.UseMetadataBoost {
		// Boost contributions are computed from the query tokens; an
		// empty query zeroes them and leaves pure vector order.
		searchQuery = ""
	}
	searchStart := time.Now()
	hits, err := o.engine.Search(ctx, req.CollectionName, req.TenantID, searchQuery, vector, req.SearchTopK, req.FilterExpr)
	stages.Search = time.Since(searchStart).Milliseconds()
	if err != nil {
		return plan{}, err
	}

	result := Result{
		Success:            true,
		Query:              req.Query,
		Citations:          []Citation{},
		ContextChunks:      []ContextChunk{},
		SearchResultsCount: len(hits),
		Timestamp:          time.Now().UTC(),
	}

	if len(hits) == 0 {
		cancelIntent()
		out := <-intentCh
		stages.Intent = out.ms
		result.Success = false
		result.Answer = apologyAnswer
		stages.finish()
		result.Stages = stages
		result.TotalTimeMS = time.Since(start).Milliseconds()
		return plan{result: result, finished: true}, nil
	}

	hits = o.rerank(ctx, req, hits, &stages, &result)
	texts := o.compress(ctx, req, hits, &stages, &result)

	// Cap the context; max_context_chunks binds in every branch.
	if len(hits) > req.MaxContextChunks {
		hits = hits[:req.MaxContextChunks]
		texts = texts[:req.MaxContextChunks]
	}

	contexts := make([]ContextChunk, 0, len(hits))
	for i, h := range hits {
		text := texts[i]
		if text == "" {
			continue
		}
		contexts = append(contexts, ContextChunk{
			ChunkID:  h.Row.ID,
			Text:     text,
			Score:    h.FinalScore,
			Topics:   h.Row.Topics,
			Keywords: h.Row.Keywords,
			Summary:  h.Row.Summary,
		})
		if req.EnableCitations {
			result.Citations = append(result.Citations, Citation{
				ChunkID:    h.Row.ID,
				DocumentID: h.Row.DocumentID,
				Source:     h.Row.Source,
				Score:      h.FinalScore,
			})
		}
	}
	result.ContextChunks = contexts
	result.ContextCount = len(contexts)

	out := <-intentCh
	stages.Intent = out.ms
	model, maxTokens, systemPrompt := o.resolveAnswer(req, out, &result)

	result.Model = model
	result.Stages = stages

	return plan{
		request: llm.Request{
			Model:       model,
			Messages:    buildMessages(systemPrompt, req.Query, contexts),
			Temperature: req.Temperature,
			MaxTokens:   maxTokens,
		},
		result: result,
	}, nil
}

// rerank applies the optional rerank stage, degrading to original order
// when the service is absent or failing.
func (o *Orchestrator) rerank(ctx context.Context, req Request, hits []search.Result, stages *Stages, result *Result) []search.Result {
	if !req.EnableReranking || o.reranker == nil {
		return hits
	}

	docs := make([]string, len(hits))
	for i, h := range hits {
		docs[i] = h.Row.Content
	}

	rerankStart := time.Now()
	order, err := o.reranker.Rerank(ctx, req.Query, docs, req.RerankTopK)
	stages.Rerank = time.Since(rerankStart).Milliseconds()
	if err != nil {
		o.logger.Warn("reranker unavailable, keeping search order", "error", err)
		return hits
	}

	reranked := make([]search.Result, 0, len(order))
	for _, idx := range order {
		reranked = append(reranked, hits[idx])
	}
	result.RerankedCount = len(reranked)
	return reranked
}

// compress applies the optional compression stage. The returned slice
// aligns with hits and holds the context text for each.
func (o *Orchestrator) compress(ctx context.Context, req Request, hits []search.Result, stages *Stages, result *Result) []string {
	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.Row.Content
	}
	if !req.EnableCompression || o.compressor == nil {
		return texts
	}

	compressStart := time.Now()
	compressed, err := o.compressor.Compress(ctx, req.Query, texts, req.CompressionRatio, req.ScoreThreshold)
	stages.Compression = time.Since(compressStart).Milliseconds()
	if err != nil {
		o.logger.Warn("compressor unavailable, keeping full chunks", "error", err)
		return texts
	}

	kept := 0
	for _, text := range compressed {
		if text != "" {
			kept++
		}
	}
	result.CompressedCount = kept
	return compressed
}

// resolveAnswer picks the answer model, token budget, and system prompt
// from the intent outcome, falling back to request defaults when intent
// failed or rejected the query.
func (o *Orchestrator) resolveAnswer(req Request, out intentOutcome, result *Result) (model string, maxTokens int, systemPrompt string) {
	task := registry.TaskAnswerSimple
	maxTokens = defaultMaxTokens

	if out.err != nil || out.cls.Rejected {
		if out.err != nil {
			o.logger.Warn("intent classification failed, using defaults", "error", out.err)
		}
		style := intent.Style(req.ResponseStyle)
		if style == "" {
			style = intent.StyleBalanced
		}
		rec := intent.Recommendation{Style: style}
		systemPrompt = intent.BuildSystemPrompt(intent.FactualRetrieval, rec, "en", req.ResponseFormat, req.EnableCitations, nil)
	} else {
		cls := out.cls
		result.Intent = string(cls.Intent)
		result.IntentConfidence = cls.Confidence
		result.StyleWarning = cls.Recommendation.StyleWarning
		systemPrompt = cls.SystemPrompt
		maxTokens = cls.Recommendation.MaxTokens
		if cls.Recommendation.ComplexModel {
			task = registry.TaskAnswerComplex
		}
	}

	if req.Model != "" {
		if _, ok := o.reg.Model(req.Model); ok {
			return req.Model, maxTokens, systemPrompt
		}
		o.logger.Warn("requested model not in registry, using task default", "model", req.Model)
	}
	m, err := o.reg.ModelForTask(task)
	if err != nil {
		// The registry resolves every task at startup; this is unreachable
		// unless the catalog regresses.
		o.logger.Error("no model for answer task", "task", task, "error", err)
		return "", maxTokens, systemPrompt
	}
	return m.ID, maxTokens, systemPrompt
}

// buildMessages assembles the answer conversation: context chunks with
// their metadata hints, then the question.
func buildMessages(systemPrompt, query string, contexts []ContextChunk) []llm.Message {
	var b strings.Builder
	b.WriteString("Context:\n\n")
	for _, ch := range contexts {
		fmt.Fprintf(&b, "[%s]\n%s\n", ch.ChunkID, ch.Text)
		if ch.Topics != "" {
			fmt.Fprintf(&b, "Topics: %s\n", ch.Topics)
		}
		if ch.Keywords != "" {
			fmt.Fprintf(&b, "Keywords: %s\n", ch.Keywords)
		}
		if ch.Summary != "" {
			fmt.Fprintf(&b, "Summary: %s\n", ch.Summary)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Question: %s", query)

	return []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: b.String()},
	}
}

// Retrieve answers a query end to end.
func (o *Orchestrator) Retrieve(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	p, err := o.prepare(ctx, req)
	if err != nil {
		o.metrics.RecordRetrieve(ctx, time.Since(start), err)
		return Result{}, err
	}
	if p.finished {
		o.metrics.RecordRetrieve(ctx, time.Since(start), nil)
		return p.result, nil
	}

	answerStart := time.Now()
	resp, err := o.chat.Chat(ctx, p.request)
	p.result.Stages.Answer = time.Since(answerStart).Milliseconds()
	if err != nil {
		o.metrics.RecordRetrieve(ctx, time.Since(start), err)
		return Result{}, err
	}

	p.result.Answer = resp.Content
	p.result.Stages.finish()
	p.result.TotalTimeMS = time.Since(start).Milliseconds()
	o.recordStages(ctx, p.result.Stages)
	o.metrics.RecordRetrieve(ctx, time.Since(start), nil)
	o.logger.Info("query answered",
		"collection", req.CollectionName,
		"intent", p.result.Intent,
		"context_chunks", p.result.ContextCount,
		"ms", p.result.TotalTimeMS)
	return p.result, nil
}

// RetrieveStream answers a query with the answer streamed through fn. The
// returned Result carries everything except the answer text.
func (o *Orchestrator) RetrieveStream(ctx context.Context, req Request, fn llm.StreamFunc) (Result, error) {
	start := time.Now()
	p, err := o.prepare(ctx, req)
	if err != nil {
		o.metrics.RecordRetrieve(ctx, time.Since(start), err)
		return Result{}, err
	}
	if p.finished {
		o.metrics.RecordRetrieve(ctx, time.Since(start), nil)
		if err := fn(p.result.Answer); err != nil {
			return Result{}, err
		}
		return p.result, nil
	}

	answerStart := time.Now()
	err = o.chat.ChatStream(ctx, p.request, fn)
	p.result.Stages.Answer = time.Since(answerStart).Milliseconds()
	if err != nil {
		o.metrics.RecordRetrieve(ctx, time.Since(start), err)
		return Result{}, err
	}

	p.result.Stages.finish()
	p.result.TotalTimeMS = time.Since(start).Milliseconds()
	o.recordStages(ctx, p.result.Stages)
	o.metrics.RecordRetrieve(ctx, time.Since(start), nil)
	return p.result, nil
}

func (o *Orchestrator) recordStages(ctx context.Context, s Stages) {
	for stage, ms := range map[string]int64{
		"intent":      s.Intent,
		"embedding":   s.Embedding,
		"search":      s.Search,
		"rerank":      s.Rerank,
		"compression": s.Compression,
		"answer":      s.Answer,
	} {
		if ms > 0 {
			o.metrics.RecordStage(ctx, stage, time.Duration(ms)*time.Millisecond)
		}
	}
}
