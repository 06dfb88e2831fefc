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

package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics is the recording surface the pipeline components depend on.
// A zero-value *PrometheusMetrics is a valid no-op implementation.
type Metrics interface {
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, costUSD float64, err error)
	RecordIngest(ctx context.Context, duration time.Duration, chunks int)
	RecordRetrieve(ctx context.Context, duration time.Duration, err error)
	RecordStage(ctx context.Context, stage string, duration time.Duration)
	RecordCacheLookup(ctx context.Context, cache string, hit bool)
}

type PrometheusMetrics struct {
	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmCost         metric.Float64Counter
	llmErrorsTotal  metric.Int64Counter

	ingestDuration metric.Float64Histogram
	ingestChunks   metric.Int64Counter

	retrieveDuration metric.Float64Histogram
	stageDuration    metric.Float64Histogram

	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, costUSD float64, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
	}

	m.llmDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.llmInputTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(attrs...))
	m.llmOutputTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(attrs...))

	if costUSD > 0 && m.llmCost != nil {
		m.llmCost.Add(ctx, costUSD, metric.WithAttributes(attrs...))
	}

	if err != nil && m.llmErrorsTotal != nil {
		m.llmErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordIngest(ctx context.Context, duration time.Duration, chunks int) {
	if m == nil || m.ingestDuration == nil {
		return
	}

	m.ingestDuration.Record(ctx, duration.Seconds())
	if chunks > 0 && m.ingestChunks != nil {
		m.ingestChunks.Add(ctx, int64(chunks))
	}
}

func (m *PrometheusMetrics) RecordRetrieve(ctx context.Context, duration time.Duration, err error) {
	if m == nil || m.retrieveDuration == nil {
		return
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	m.retrieveDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
}

func (m *PrometheusMetrics) RecordStage(ctx context.Context, stage string, duration time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}

	m.stageDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *PrometheusMetrics) RecordCacheLookup(ctx context.Context, cache string, hit bool) {
	if m == nil || m.cacheHits == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("cache", cache))
	if hit {
		m.cacheHits.Add(ctx, 1, attrs)
	} else {
		m.cacheMisses.Add(ctx, 1, attrs)
	}
}
