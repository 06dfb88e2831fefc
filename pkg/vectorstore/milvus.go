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

// Package vectorstore adapts Milvus over its v2 REST API. Every read and
// write is tenant-scoped: filters are rewritten to include the tenant
// partition key before they reach Milvus.
package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/corpusflow/corpusflow/pkg/apierr"
	"github.com/corpusflow/corpusflow/pkg/httpclient"
)

// Store is a Milvus adapter for one deployment.
type Store struct {
	baseURL        string
	client         *httpclient.Client
	token          string
	partitionCount int
	hnswM          int
	hnswEf         int
	logger         *slog.Logger
}

type Option func(*Store)

// WithToken sets the Milvus auth token (user:password or api key).
func WithToken(token string) Option {
	return func(s *Store) {
		s.token = token
	}
}

func WithPartitionCount(n int) Option {
	return func(s *Store) {
		s.partitionCount = n
	}
}

func WithHNSW(m, efConstruction int) Option {
	return func(s *Store) {
		s.hnswM = m
		s.hnswEf = efConstruction
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func New(baseURL string, client *httpclient.Client, opts ...Option) *Store {
	s := &Store{
		baseURL:        strings.TrimRight(baseURL, "/"),
		client:         client,
		partitionCount: 256,
		hnswM:          16,
		hnswEf:         256,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type milvusResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// call posts to a /v2/vectordb endpoint and decodes data into out. Non-zero
// Milvus codes become classified errors.
func (s *Store) call(ctx context.Context, path string, body any, out any) error {
	headers := map[string]string{}
	if s.token != "" {
		headers["Authorization"] = "Bearer " + s.token
	}

	var resp milvusResponse
	if err := s.client.PostJSON(ctx, s.baseURL+path, headers, body, &resp); err != nil {
		return err
	}
	if resp.Code != 0 {
		if strings.Contains(resp.Message, "not found") || strings.Contains(resp.Message, "not exist") {
			return apierr.New(apierr.NotFound, "milvus: %s", resp.Message)
		}
		return apierr.New(apierr.Upstream, "milvus error %d: %s", resp.Code, resp.Message)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return apierr.Wrap(apierr.Parse, err, "decoding milvus response from %s", path)
		}
	}
	return nil
}

// EnsureCollection creates the chunk collection when absent, with the full
// schema, partition-key sharding, and both indexes, then loads it. Existing
// collections are left untouched.
func (s *Store) EnsureCollection(ctx context.Context, name string, dim int, description string) error {
	var has struct {
		Has bool `json:"has"`
	}
	if err := s.call(ctx, "/v2/vectordb/collections/has",
		map[string]any{"collectionName": name}, &has); err != nil {
		return err
	}
	if has.Has {
		return nil
	}

	body := map[string]any{
		"collectionName": name,
		"description":    description,
		"schema":         collectionSchema(dim),
		"indexParams":    indexParams(s.hnswM, s.hnswEf),
		"params": map[string]any{
			"partitionKeyIsolation": false,
			"partitionsNum":         s.partitionCount,
		},
	}
	if err := s.call(ctx, "/v2/vectordb/collections/create", body, nil); err != nil {
		return err
	}

	s.logger.Info("created collection",
		"collection", name, "dim", dim, "partitions", s.partitionCount)

	return s.call(ctx, "/v2/vectordb/collections/load",
		map[string]any{"collectionName": name}, nil)
}

// DropCollection removes a collection and all its data.
func (s *Store) DropCollection(ctx context.Context, name string) error {
	return s.call(ctx, "/v2/vectordb/collections/drop",
		map[string]any{"collectionName": name}, nil)
}

// ListCollections returns all collection names.
func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	var names []string
	if err := s.call(ctx, "/v2/vectordb/collections/list", map[string]any{}, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// DescribeCollection returns the collection description and row count.
func (s *Store) DescribeCollection(ctx context.Context, name string) (description string, err error) {
	var desc struct {
		Description string `json:"description"`
	}
	if err := s.call(ctx, "/v2/vectordb/collections/describe",
		map[string]any{"collectionName": name}, &desc); err != nil {
		return "", err
	}
	return desc.Description, nil
}

// Insert writes rows and flushes so they are immediately searchable.
func (s *Store) Insert(ctx context.Context, collection string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().Unix()
	for i := range rows {
		if rows[i].CreatedAt == 0 {
			rows[i].CreatedAt = now
		}
		if rows[i].UpdatedAt == 0 {
			rows[i].UpdatedAt = rows[i].CreatedAt
		}
	}

	if err := s.call(ctx, "/v2/vectordb/entities/insert", map[string]any{
		"collectionName": collection,
		"data":           rows,
	}, nil); err != nil {
		return err
	}

	return s.call(ctx, "/v2/vectordb/collections/flush",
		map[string]any{"collectionName": collection}, nil)
}

// Upsert replaces rows by primary key.
func (s *Store) Upsert(ctx context.Context, collection string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	return s.call(ctx, "/v2/vectordb/entities/upsert", map[string]any{
		"collectionName": collection,
		"data":           rows,
	}, nil)
}

// tenantFilter scopes a filter expression to one tenant. An empty extra
// filter yields the bare tenant predicate.
func tenantFilter(tenantID, extra string) string {
	base := fmt.Sprintf(`tenant_id == "%s"`, escapeQuotes(tenantID))
	if strings.TrimSpace(extra) == "" {
		return base
	}
	return fmt.Sprintf("%s && (%s)", base, extra)
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

// Count returns the number of rows matching the tenant-scoped filter.
func (s *Store) Count(ctx context.Context, collection, tenantID, filter string) (int64, error) {
	var out []struct {
		Count int64 `json:"count(*)"`
	}
	if err := s.call(ctx, "/v2/vectordb/entities/query", map[string]any{
		"collectionName": collection,
		"filter":         tenantFilter(tenantID, filter),
		"outputFields":   []string{"count(*)"},
	}, &out); err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, nil
	}
	return out[0].Count, nil
}

// DeleteByFilter removes matching rows and reports how many matched before
// deletion; Milvus deletes return no affected-row count of their own.
func (s *Store) DeleteByFilter(ctx context.Context, collection, tenantID, filter string) (int64, error) {
	count, err := s.Count(ctx, collection, tenantID, filter)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	if err := s.call(ctx, "/v2/vectordb/entities/delete", map[string]any{
		"collectionName": collection,
		"filter":         tenantFilter(tenantID, filter),
	}, nil); err != nil {
		return 0, err
	}
	return count, nil
}

// Query returns full rows matching the tenant-scoped filter.
func (s *Store) Query(ctx context.Context, collection, tenantID, filter string, limit int) ([]Row, error) {
	var out []Row
	if err := s.call(ctx, "/v2/vectordb/entities/query", map[string]any{
		"collectionName": collection,
		"filter":         tenantFilter(tenantID, filter),
		"outputFields":   []string{"*"},
		"limit":          limit,
	}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateMetadata rewrites the metadata fields of one chunk in place via
// read-modify-write; Milvus has no partial update.
func (s *Store) UpdateMetadata(ctx context.Context, collection, tenantID, chunkID string, set map[string]string) error {
	rows, err := s.Query(ctx, collection, tenantID,
		fmt.Sprintf(`id == "%s"`, escapeQuotes(chunkID)), 1)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return apierr.New(apierr.NotFound, "chunk %q not found", chunkID)
	}

	row := rows[0]
	for field, value := range set {
		switch field {
		case "keywords":
			row.Keywords = value
		case "topics":
			row.Topics = value
		case "questions":
			row.Questions = value
		case "summary":
			row.Summary = value
		case "semantic_keywords":
			row.SemanticKeywords = value
		case "entity_relationships":
			row.EntityRelationships = value
		case "attributes":
			row.Attributes = value
		case "content":
			row.Content = value
		default:
			return apierr.New(apierr.InvalidArgument, "field %q is not updatable", field)
		}
	}
	row.UpdatedAt = time.Now().Unix()

	return s.Upsert(ctx, collection, []Row{row})
}

// Hit is one search result with its similarity score.
type Hit struct {
	Row   Row
	Score float64
}

// Search runs a tenant-scoped vector search. filter may be empty.
func (s *Store) Search(ctx context.Context, collection, tenantID string, vector []float32, topK int, filter string) ([]Hit, error) {
	var out []json.RawMessage
	if err := s.call(ctx, "/v2/vectordb/entities/search", map[string]any{
		"collectionName": collection,
		"data":           [][]float32{vector},
		"annsField":      "vector",
		"filter":         tenantFilter(tenantID, filter),
		"limit":          topK,
		"outputFields":   outputFields(),
	}, &out); err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(out))
	for _, raw := range out {
		var row Row
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, apierr.Wrap(apierr.Parse, err, "decoding search hit")
		}
		var scored struct {
			Distance float64 `json:"distance"`
		}
		if err := json.Unmarshal(raw, &scored); err != nil {
			return nil, apierr.Wrap(apierr.Parse, err, "decoding search score")
		}
		hits = append(hits, Hit{Row: row, Score: scored.Distance})
	}
	return hits, nil
}

// outputFields lists everything except the vector itself.
func outputFields() []string {
	fields := []string{
		"id", "tenant_id", "document_id", "chunk_index", "content",
		"source", "heading_path", "token_count", "created_at", "updated_at",
	}
	return append(fields, MetadataFields...)
}
