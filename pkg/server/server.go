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

// Package server exposes the ingestion and retrieval HTTP surfaces. Error
// kinds become HTTP statuses here and nowhere else.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corpusflow/corpusflow/pkg/cache"
	"github.com/corpusflow/corpusflow/pkg/ingestion"
	"github.com/corpusflow/corpusflow/pkg/intent"
	"github.com/corpusflow/corpusflow/pkg/llm"
	"github.com/corpusflow/corpusflow/pkg/registry"
	"github.com/corpusflow/corpusflow/pkg/retrieval"
	"github.com/corpusflow/corpusflow/pkg/search"
)

// Ingestor is the slice of pkg/ingestion the server exposes.
type Ingestor interface {
	Ingest(ctx context.Context, req ingestion.Request) (ingestion.Result, error)
	UpdateDocument(ctx context.Context, req ingestion.Request) (ingestion.Result, error)
	DeleteDocument(ctx context.Context, collection, tenantID, documentID string) (int64, error)
}

// Retriever is the slice of pkg/retrieval the server exposes.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (retrieval.Result, error)
	RetrieveStream(ctx context.Context, req retrieval.Request, fn llm.StreamFunc) (retrieval.Result, error)
}

// Classifier answers /v1/analyze.
type Classifier interface {
	Classify(ctx context.Context, req intent.Request) (intent.Classification, error)
}

// Embedder embeds queries for the raw search endpoint.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// SearchEngine backs the raw search endpoint.
type SearchEngine interface {
	Search(ctx context.Context, collection, tenantID, query string, vector []float32, topK int, filter string) ([]search.Result, error)
}

// CollectionStore is the slice of pkg/vectorstore the server exposes.
type CollectionStore interface {
	EnsureCollection(ctx context.Context, name string, dim int, description string) error
	DropCollection(ctx context.Context, name string) error
	ListCollections(ctx context.Context) ([]string, error)
	DescribeCollection(ctx context.Context, name string) (string, error)
	Count(ctx context.Context, collection, tenantID, filter string) (int64, error)
}

// CacheReporter exposes one named cache on the operational endpoints.
type CacheReporter interface {
	CacheStats() cache.Stats
	CacheClear()
}

// Probe checks one downstream dependency.
type Probe func(ctx context.Context) error

// Deps carries everything the two surfaces serve. Fields a surface does
// not use may be nil; the corresponding routes then 404 or report empty.
type Deps struct {
	Ingestion  Ingestor
	Retrieval  Retriever
	Classifier Classifier
	Embedder   Embedder
	Engine     SearchEngine
	Store      CollectionStore
	Registry   *registry.Registry

	// Caches maps cache name to its reporter, e.g. "llm", "embeddings".
	Caches map[string]CacheReporter

	// IntentStats snapshots classifier counters for /v1/intent/stats.
	IntentStats func() intent.Snapshot

	// Probes maps service name to its health check.
	Probes map[string]Probe
}

// Server hosts both surfaces over one dependency set.
type Server struct {
	deps          Deps
	version       string
	environment   string
	healthTimeout time.Duration
	started       time.Time
	requests      atomic.Int64
	logger        *slog.Logger
}

type Option func(*Server)

func WithVersion(version, environment string) Option {
	return func(s *Server) {
		s.version = version
		s.environment = environment
	}
}

func WithHealthTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.healthTimeout = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func New(deps Deps, opts ...Option) *Server {
	s := &Server{
		deps:          deps,
		version:       "dev",
		environment:   "dev",
		healthTimeout: 2 * time.Second,
		started:       time.Now(),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) base() chi.Router {
	r := chi.NewRouter()
	r.Use(privateOnly)
	r.Use(requestID)
	r.Use(recoverPanics(s.logger))
	r.Use(logRequests(s.logger, &s.requests))

	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// IngestionRouter serves document ingestion and collection management.
func (s *Server) IngestionRouter() http.Handler {
	r := s.base()
	r.Post("/v1/ingest", s.handleIngest)
	r.Get("/v1/collections", s.handleListCollections)
	r.Post("/v1/collections", s.handleCreateCollection)
	r.Delete("/v1/collections/{name}", s.handleDropCollection)
	r.Put("/v1/documents/{id}", s.handleUpdateDocument)
	r.Delete("/v1/documents/{id}", s.handleDeleteDocument)
	return r
}

// RetrievalRouter serves queries and the operational endpoints.
func (s *Server) RetrievalRouter() http.Handler {
	r := s.base()
	r.Post("/v1/retrieve", s.handleRetrieve)
	r.Post("/v1/analyze", s.handleAnalyze)
	r.Post("/v1/search", s.handleSearch)
	r.Get("/v1/models", s.handleModels)
	r.Get("/v1/intent/stats", s.handleIntentStats)
	r.Get("/v1/cache/stats", s.handleCacheStats)
	r.Post("/v1/cache/clear", s.handleCacheClear)
	return r
}

// Run serves handler on addr until ctx is cancelled, then drains for up to
// 10 seconds.
func Run(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
