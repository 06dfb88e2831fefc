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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/corpusflow/corpusflow/pkg/config"
	"github.com/corpusflow/corpusflow/pkg/embedder"
	"github.com/corpusflow/corpusflow/pkg/httpclient"
	"github.com/corpusflow/corpusflow/pkg/ingestion"
	"github.com/corpusflow/corpusflow/pkg/intent"
	"github.com/corpusflow/corpusflow/pkg/llm"
	"github.com/corpusflow/corpusflow/pkg/metadata"
	"github.com/corpusflow/corpusflow/pkg/observability"
	"github.com/corpusflow/corpusflow/pkg/registry"
	"github.com/corpusflow/corpusflow/pkg/retrieval"
	"github.com/corpusflow/corpusflow/pkg/search"
	"github.com/corpusflow/corpusflow/pkg/server"
	"github.com/corpusflow/corpusflow/pkg/vectorstore"
)

// ServeCmd starts the pipeline services.
type ServeCmd struct {
	Surface string `help:"Which surface to run." enum:"both,ingestion,retrieval" default:"both"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	logger, err := setupLogger(cli.LogLevel, cli.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics, err := observability.InitMetrics(ctx, true)
	if err != nil {
		return err
	}

	reg, err := registry.New(cfg.Environment, map[string]string{
		"embeddings": cfg.Services.EmbeddingsURL,
		"rerank":     cfg.Services.RerankURL,
		"compress":   cfg.Services.CompressURL,
		"milvus":     cfg.Services.MilvusURL,
	})
	if err != nil {
		return err
	}

	pool := httpclient.NewPool(httpclient.PoolConfig(cfg.Pool), cfg.Timeouts.LLM)
	client := httpclient.New(
		httpclient.WithHTTPClient(pool),
		httpclient.WithMaxRetries(cfg.Retry.MaxRetries),
		httpclient.WithBaseDelay(cfg.Retry.BaseDelay),
		httpclient.WithMaxDelay(cfg.Retry.MaxDelay),
		httpclient.WithLogger(logger),
	)

	gateway, err := llm.New(reg, client, cfg.ProviderKeys,
		llm.WithCache(cfg.Cache.Size, cfg.Cache.TTL),
		llm.WithConcurrency(cfg.Limits.LLMConcurrency),
		llm.WithMetrics(metrics),
		llm.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	store := vectorstore.New(cfg.Services.MilvusURL, client,
		vectorstore.WithPartitionCount(cfg.PartitionCount),
		vectorstore.WithHNSW(cfg.HNSW.M, cfg.HNSW.EfConstruction),
		vectorstore.WithLogger(logger),
	)

	embModel, err := reg.ModelForTask(registry.TaskEmbedding)
	if err != nil {
		return err
	}
	emb := embedder.New(cfg.Services.EmbeddingsURL, client, embModel,
		embedder.WithBatchSize(cfg.Limits.EmbedBatchSize),
		embedder.WithConcurrency(cfg.Limits.EmbedConcurrency),
		embedder.WithLogger(logger),
	)

	metaModel, err := reg.ModelForTask(registry.TaskMetadataExtraction)
	if err != nil {
		return err
	}
	extractor := metadata.New(gateway, metaModel,
		metadata.WithBatchSize(cfg.Limits.MetadataBatchSize),
		metadata.WithCache(cfg.Cache.Size, cfg.Cache.TTL),
		metadata.WithLogger(logger),
	)

	engine := search.New(store, cfg.Boost)

	lib, err := intent.LoadLibrary(cfg.Intent.LibraryPath, logger)
	if err != nil {
		return err
	}
	qlog := intent.NewQueryLogger(cfg.Intent.LogDir, cfg.Intent.RetentionDays, logger)

	intentModel, err := reg.ModelForTask(registry.TaskIntentDetection)
	if err != nil {
		return err
	}
	learner := intent.NewLearner(lib, gateway, intentModel, qlog,
		intent.WithLearnBatchSize(cfg.Intent.LearnBatchSize),
		intent.WithAutoApprove(cfg.Intent.AutoApprove),
		intent.WithLearnerLogger(logger),
	)
	classifier := intent.NewClassifier(intent.NewMatcher(lib), gateway, intentModel, learner, qlog,
		intent.WithThresholds(cfg.Intent.ThresholdReject, cfg.Intent.ThresholdFallback),
		intent.WithClassifierLogger(logger),
	)

	ingest := ingestion.New(extractor, metaModel.ID, emb, store,
		ingestion.WithConcurrency(cfg.Limits.IngestConcurrency),
		ingestion.WithMetrics(metrics),
		ingestion.WithLogger(logger),
	)

	retrOpts := []retrieval.Option{
		retrieval.WithConcurrency(cfg.Limits.RetrieveConcurrency),
		retrieval.WithMetrics(metrics),
		retrieval.WithLogger(logger),
	}
	if cfg.Services.RerankURL != "" {
		retrOpts = append(retrOpts, retrieval.WithReranker(retrieval.NewHTTPReranker(cfg.Services.RerankURL, client)))
	}
	if cfg.Services.CompressURL != "" {
		retrOpts = append(retrOpts, retrieval.WithCompressor(retrieval.NewHTTPCompressor(cfg.Services.CompressURL, client)))
	}
	retr := retrieval.New(classifier, emb, engine, gateway, reg, retrOpts...)

	srv := server.New(server.Deps{
		Ingestion:  ingest,
		Retrieval:  retr,
		Classifier: classifier,
		Embedder:   emb,
		Engine:     engine,
		Store:      store,
		Registry:   reg,
		Caches: map[string]server.CacheReporter{
			"llm":        gateway,
			"embeddings": emb,
			"metadata":   extractor,
		},
		IntentStats: func() intent.Snapshot { return classifier.Stats().Snapshot() },
		Probes:      c.probes(cfg, store, emb, client),
	},
		server.WithVersion(buildVersion(), cfg.Environment),
		server.WithHealthTimeout(cfg.Timeouts.Health),
		server.WithLogger(logger),
	)

	// Startup cleanup of the query logs, then daily pruning, plus the
	// pattern-library file watch for external edits.
	qlog.Cleanup()
	go qlog.RunCleanup(ctx)
	go func() {
		if err := lib.Watch(ctx); err != nil {
			logger.Warn("pattern library watch stopped", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	if c.Surface == "both" || c.Surface == "ingestion" {
		g.Go(func() error {
			return server.Run(gctx, cfg.Ingestion.Address(), srv.IngestionRouter(), logger.With("surface", "ingestion"))
		})
	}
	if c.Surface == "both" || c.Surface == "retrieval" {
		g.Go(func() error {
			return server.Run(gctx, cfg.Retrieval.Address(), srv.RetrievalRouter(), logger.With("surface", "retrieval"))
		})
	}

	logger.Info("corpusflow started",
		"version", buildVersion(),
		"environment", cfg.Environment,
		"surface", c.Surface)
	return g.Wait()
}

// probes builds the health checks for the configured downstreams.
func (c *ServeCmd) probes(cfg *config.Config, store *vectorstore.Store, emb *embedder.Embedder, client *httpclient.Client) map[string]server.Probe {
	probes := map[string]server.Probe{
		"milvus": func(ctx context.Context) error {
			_, err := store.ListCollections(ctx)
			return err
		},
		"embeddings": func(ctx context.Context) error {
			_, err := emb.Embed(ctx, "ping")
			return err
		},
	}
	httpProbe := func(base string) server.Probe {
		url := fmt.Sprintf("%s/health", base)
		return func(ctx context.Context) error {
			var out map[string]any
			return client.GetJSON(ctx, url, nil, &out)
		}
	}
	if cfg.Services.RerankURL != "" {
		probes["rerank"] = httpProbe(cfg.Services.RerankURL)
	}
	if cfg.Services.CompressURL != "" {
		probes["compress"] = httpProbe(cfg.Services.CompressURL)
	}
	return probes
}
