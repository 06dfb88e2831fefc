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

// Package observability wires OpenTelemetry metrics with a Prometheus
// exporter. The exporter registers against the default Prometheus registry,
// which the server exposes on /metrics.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func InitMetrics(ctx context.Context, enabled bool) (*PrometheusMetrics, error) {
	if !enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("corpusflow")

	llmDuration, err := meter.Float64Histogram(
		"corpusflow_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	llmInputTokens, err := meter.Int64Counter(
		"corpusflow_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to LLM providers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	llmOutputTokens, err := meter.Int64Counter(
		"corpusflow_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from LLM providers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	llmCost, err := meter.Float64Counter(
		"corpusflow_llm_cost_usd_total",
		metric.WithDescription("Estimated LLM spend in USD"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm cost counter: %w", err)
	}

	llmErrors, err := meter.Int64Counter(
		"corpusflow_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	ingestDuration, err := meter.Float64Histogram(
		"corpusflow_ingest_duration_seconds",
		metric.WithDescription("End-to-end document ingestion duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest duration histogram: %w", err)
	}

	ingestChunks, err := meter.Int64Counter(
		"corpusflow_ingest_chunks_total",
		metric.WithDescription("Total chunks ingested"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest chunks counter: %w", err)
	}

	retrieveDuration, err := meter.Float64Histogram(
		"corpusflow_retrieve_duration_seconds",
		metric.WithDescription("End-to-end retrieval duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrieve duration histogram: %w", err)
	}

	stageDuration, err := meter.Float64Histogram(
		"corpusflow_stage_duration_seconds",
		metric.WithDescription("Per-stage pipeline duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage duration histogram: %w", err)
	}

	cacheHits, err := meter.Int64Counter(
		"corpusflow_cache_hits_total",
		metric.WithDescription("Total cache hits"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	cacheMisses, err := meter.Int64Counter(
		"corpusflow_cache_misses_total",
		metric.WithDescription("Total cache misses"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	return &PrometheusMetrics{
		llmDuration:      llmDuration,
		llmInputTokens:   llmInputTokens,
		llmOutputTokens:  llmOutputTokens,
		llmCost:          llmCost,
		llmErrorsTotal:   llmErrors,
		ingestDuration:   ingestDuration,
		ingestChunks:     ingestChunks,
		retrieveDuration: retrieveDuration,
		stageDuration:    stageDuration,
		cacheHits:        cacheHits,
		cacheMisses:      cacheMisses,
	}, nil
}
