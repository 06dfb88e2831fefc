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

// Package ingestion drives documents through chunking, metadata
// extraction, embedding, and storage. Metadata and embeddings are produced
// concurrently; chunk order is preserved end to end.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/corpusflow/corpusflow/pkg/apierr"
	"github.com/corpusflow/corpusflow/pkg/chunker"
	"github.com/corpusflow/corpusflow/pkg/metadata"
	"github.com/corpusflow/corpusflow/pkg/observability"
	"github.com/corpusflow/corpusflow/pkg/vectorstore"
)

// Request bounds.
const (
	maxTextLength    = 10 * 1024 * 1024
	maxIDLength      = 512
	minChunkSize     = 100
	maxChunkSize     = 10000
	maxOverlap       = 1000
	defaultChunkSize = 1000
	defaultOverlap   = 200
)

// Storage modes.
const (
	StorageNone          = "none"
	StorageNewCollection = "new_collection"
	StorageExisting      = "existing"
)

// Request is one document ingestion.
type Request struct {
	Text           string           `json:"text"`
	DocumentID     string           `json:"document_id"`
	CollectionName string           `json:"collection_name"`
	TenantID       string           `json:"tenant_id"`
	ChunkingMethod chunker.Strategy `json:"chunking_method"`
	MaxChunkSize   int              `json:"max_chunk_size"`
	ChunkOverlap   int              `json:"chunk_overlap"`

	// Chunking overrides: custom recursive separators, markdown heading
	// levels to split on, and the tokenizer encoding.
	Separators      []string `json:"separators,omitempty"`
	MarkdownHeaders []string `json:"markdown_headers,omitempty"`
	Encoding        string   `json:"encoding,omitempty"`

	GenerateMetadata bool   `json:"generate_metadata"`
	KeywordsCount    string `json:"keywords_count,omitempty"`
	TopicsCount      string `json:"topics_count,omitempty"`
	QuestionsCount   string `json:"questions_count,omitempty"`
	SummaryLength    string `json:"summary_length,omitempty"`

	GenerateEmbeddings bool   `json:"generate_embeddings"`
	EmbeddingModel     string `json:"embedding_model,omitempty"`

	StorageMode string `json:"storage_mode"`
	Source      string `json:"source"`
}

func (r *Request) counts() metadata.Counts {
	return metadata.Counts{
		Keywords:      r.KeywordsCount,
		Topics:        r.TopicsCount,
		Questions:     r.QuestionsCount,
		SummaryLength: r.SummaryLength,
	}
}

func (r *Request) setDefaults() {
	if r.ChunkingMethod == "" {
		r.ChunkingMethod = chunker.StrategyRecursive
	}
	if r.MaxChunkSize == 0 {
		r.MaxChunkSize = defaultChunkSize
	}
	if r.ChunkOverlap == 0 {
		r.ChunkOverlap = defaultOverlap
	}
	if r.StorageMode == "" {
		r.StorageMode = StorageNewCollection
	}
	if r.TenantID == "" {
		r.TenantID = "default"
	}
}

func (r *Request) validate() error {
	if r.Text == "" {
		return apierr.New(apierr.InvalidArgument, "text is required")
	}
	if len(r.Text) > maxTextLength {
		return apierr.New(apierr.InvalidArgument, "text exceeds %d bytes", maxTextLength)
	}
	if r.DocumentID == "" || len(r.DocumentID) > maxIDLength {
		return apierr.New(apierr.InvalidArgument, "document_id is required and must be at most %d chars", maxIDLength)
	}
	if r.CollectionName == "" || len(r.CollectionName) > maxIDLength {
		return apierr.New(apierr.InvalidArgument, "collection_name is required and must be at most %d chars", maxIDLength)
	}
	if r.MaxChunkSize < minChunkSize || r.MaxChunkSize > maxChunkSize {
		return apierr.New(apierr.InvalidArgument,
			"max_chunk_size must be in %d..%d, got %d", minChunkSize, maxChunkSize, r.MaxChunkSize)
	}
	if r.ChunkOverlap < 0 || r.ChunkOverlap > maxOverlap {
		return apierr.New(apierr.InvalidArgument,
			"chunk_overlap must be in 0..%d, got %d", maxOverlap, r.ChunkOverlap)
	}
	if r.ChunkOverlap >= r.MaxChunkSize {
		return apierr.New(apierr.InvalidArgument,
			"chunk_overlap %d must be below max_chunk_size %d", r.ChunkOverlap, r.MaxChunkSize)
	}
	switch r.StorageMode {
	case StorageNone, StorageNewCollection, StorageExisting:
	default:
		return apierr.New(apierr.InvalidArgument, "unknown storage_mode %q", r.StorageMode)
	}
	return nil
}

// Stages reports per-stage wall time in milliseconds.
type Stages struct {
	Chunking   int64 `json:"chunking"`
	Metadata   int64 `json:"metadata"`
	Embeddings int64 `json:"embeddings"`
	Storage    int64 `json:"storage"`
}

// Result is the ingestion report.
type Result struct {
	Success          bool   `json:"success"`
	DocumentID       string `json:"document_id"`
	CollectionName   string `json:"collection_name"`
	ChunksCreated    int    `json:"chunks_created"`
	ChunksInserted   int    `json:"chunks_inserted"`
	ProcessingTimeMS int64  `json:"processing_time_ms"`
	Stages           Stages `json:"stages"`
	MetadataModel    string `json:"metadata_model,omitempty"`
	EmbeddingModel   string `json:"embedding_model"`
}

// MetadataExtractor is the slice of pkg/metadata the orchestrator uses.
type MetadataExtractor interface {
	ExtractBatch(ctx context.Context, texts []string, counts metadata.Counts) ([]metadata.Metadata, error)
}

// Embedder is the slice of pkg/embedder the orchestrator uses.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelID() string
}

// Store is the slice of pkg/vectorstore the orchestrator uses.
type Store interface {
	EnsureCollection(ctx context.Context, name string, dim int, description string) error
	Insert(ctx context.Context, collection string, rows []vectorstore.Row) error
	DeleteByFilter(ctx context.Context, collection, tenantID, filter string) (int64, error)
}

// Orchestrator runs ingestions under a process-wide concurrency cap.
type Orchestrator struct {
	extractor     MetadataExtractor
	metadataModel string
	embedder      Embedder
	store         Store
	sem           *semaphore.Weighted
	metrics       *observability.PrometheusMetrics
	logger        *slog.Logger
}

type Option func(*Orchestrator)

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

func New(extractor MetadataExtractor, metadataModel string, emb Embedder, store Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		extractor:     extractor,
		metadataModel: metadataModel,
		embedder:      emb,
		store:         store,
		sem:           semaphore.NewWeighted(10),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Ingest runs the full pipeline for one document.
func (o *Orchestrator) Ingest(ctx context.Context, req Request) (Result, error) {
	req.setDefaults()
	if err := req.validate(); err != nil {
		return Result{}, err
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer o.sem.Release(1)

	start := time.Now()
	var stages Stages

	// The collection is bound to one embedding space; a different model
	// would produce vectors that cannot be searched against it.
	if req.GenerateEmbeddings && req.EmbeddingModel != "" && req.EmbeddingModel != o.embedder.ModelID() {
		return Result{}, apierr.New(apierr.InvalidArgument,
			"embedding_model %q is not available; this deployment embeds with %q",
			req.EmbeddingModel, o.embedder.ModelID())
	}

	ck, err := chunker.New(chunker.Options{
		Strategy:     req.ChunkingMethod,
		ChunkSize:    req.MaxChunkSize,
		ChunkOverlap: req.ChunkOverlap,
		Separators:   req.Separators,
		Headers:      req.MarkdownHeaders,
		Encoding:     req.Encoding,
	})
	if err != nil {
		return Result{}, err
	}

	chunkStart := time.Now()
	chunks, err := ck.Split(req.Text)
	stages.Chunking = time.Since(chunkStart).Milliseconds()
	if err != nil {
		return Result{}, err
	}
	if len(chunks) == 0 {
		return Result{}, apierr.New(apierr.Internal,
			"document %q produced no usable chunks", req.DocumentID)
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}

	// Metadata and embeddings fan out concurrently; either failing mode
	// differs: metadata failures degrade to empty fields inside the
	// extractor, embedding failure fails the document.
	var (
		mds  []metadata.Metadata
		vecs [][]float32
	)
	g, gctx := errgroup.WithContext(ctx)
	if req.GenerateMetadata {
		g.Go(func() error {
			mdStart := time.Now()
			var mdErr error
			mds, mdErr = o.extractor.ExtractBatch(gctx, texts, req.counts())
			stages.Metadata = time.Since(mdStart).Milliseconds()
			return mdErr
		})
	}
	if req.GenerateEmbeddings {
		g.Go(func() error {
			embStart := time.Now()
			var embErr error
			vecs, embErr = o.embedder.EmbedBatch(gctx, texts)
			stages.Embeddings = time.Since(embStart).Milliseconds()
			return embErr
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	if vecs == nil {
		// Rows must still satisfy the collection's vector dimension.
		zero := make([]float32, o.embedder.Dimension())
		vecs = make([][]float32, len(texts))
		for i := range vecs {
			vecs[i] = zero
		}
	}

	rows := assemble(req, chunks, mds, vecs)

	result := Result{
		Success:        true,
		DocumentID:     req.DocumentID,
		CollectionName: req.CollectionName,
		ChunksCreated:  len(chunks),
	}
	if req.GenerateEmbeddings {
		result.EmbeddingModel = o.embedder.ModelID()
	}
	if req.GenerateMetadata {
		result.MetadataModel = o.metadataModel
	}

	if req.StorageMode != StorageNone {
		storeStart := time.Now()
		if req.StorageMode == StorageNewCollection {
			desc := collectionDescription(o.embedder.Dimension(), o.embedder.ModelID(), o.metadataModel)
			if err := o.store.EnsureCollection(ctx, req.CollectionName, o.embedder.Dimension(), desc); err != nil {
				return Result{}, err
			}
		}
		if err := o.store.Insert(ctx, req.CollectionName, rows); err != nil {
			return Result{}, err
		}
		stages.Storage = time.Since(storeStart).Milliseconds()
		result.ChunksInserted = len(rows)
	}

	result.Stages = stages
	result.ProcessingTimeMS = time.Since(start).Milliseconds()

	o.metrics.RecordIngest(ctx, time.Since(start), len(rows))
	o.logger.Info("document ingested",
		"document_id", req.DocumentID,
		"collection", req.CollectionName,
		"chunks", len(chunks),
		"inserted", result.ChunksInserted,
		"ms", result.ProcessingTimeMS)
	return result, nil
}

// assemble joins chunk[i], metadata[i], and vector[i] into storage rows.
func assemble(req Request, chunks []chunker.Chunk, mds []metadata.Metadata, vecs [][]float32) []vectorstore.Row {
	rows := make([]vectorstore.Row, 0, len(chunks))
	for i, ch := range chunks {
		var md metadata.Metadata
		if i < len(mds) {
			md = mds[i]
		}
		row := vectorstore.Row{
			ID:                  chunker.ID(req.DocumentID, ch.Index),
			TenantID:            req.TenantID,
			DocumentID:          req.DocumentID,
			ChunkIndex:          int64(ch.Index),
			Content:             ch.Text,
			Vector:              vecs[i],
			Keywords:            md.Keywords,
			Topics:              md.Topics,
			Questions:           md.Questions,
			Summary:             md.Summary,
			SemanticKeywords:    md.SemanticKeywords,
			EntityRelationships: md.EntityRelationships,
			Attributes:          md.Attributes,
			Source:              req.Source,
			TokenCount:          int64(ch.TokenCount),
		}
		if len(ch.HeadingPath) > 0 {
			row.HeadingPath = joinHeadings(ch.HeadingPath)
		}
		rows = append(rows, row)
	}
	return rows
}

func joinHeadings(path []string) string {
	out := path[0]
	for _, h := range path[1:] {
		out += " > " + h
	}
	return out
}

// collectionDescription records how a collection was built; it surfaces in
// collection listings.
func collectionDescription(dim int, embeddingModel, metadataModel string) string {
	desc := fmt.Sprintf("corpusflow chunks | dim=%d | embedding=%s", dim, embeddingModel)
	if metadataModel != "" {
		desc += " | metadata=" + metadataModel
	}
	return desc + " | created=" + time.Now().UTC().Format(time.RFC3339)
}

// DeleteDocument removes every chunk of one document and reports how many
// were deleted.
func (o *Orchestrator) DeleteDocument(ctx context.Context, collection, tenantID, documentID string) (int64, error) {
	if documentID == "" {
		return 0, apierr.New(apierr.InvalidArgument, "document_id is required")
	}
	filter := fmt.Sprintf(`document_id == "%s"`, documentID)
	deleted, err := o.store.DeleteByFilter(ctx, collection, tenantID, filter)
	if err != nil {
		return 0, err
	}
	o.logger.Info("document deleted",
		"document_id", documentID, "collection", collection, "chunks", deleted)
	return deleted, nil
}

// UpdateDocument replaces a document: existing chunks are deleted, then the
// new text is ingested. Readers may observe a transient gap between the
// two steps; the last writer wins.
func (o *Orchestrator) UpdateDocument(ctx context.Context, req Request) (Result, error) {
	req.setDefaults()
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	if _, err := o.DeleteDocument(ctx, req.CollectionName, req.TenantID, req.DocumentID); err != nil {
		return Result{}, err
	}
	if req.StorageMode == StorageNewCollection {
		req.StorageMode = StorageExisting
	}
	return o.Ingest(ctx, req)
}
