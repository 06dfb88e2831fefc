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

package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpusflow/corpusflow/pkg/apierr"
	"github.com/corpusflow/corpusflow/pkg/httpclient"
)

// fakeMilvus records requests per path and replies with canned data.
type fakeMilvus struct {
	t        *testing.T
	requests map[string][]map[string]any
	replies  map[string]string
}

func newFakeMilvus(t *testing.T) (*fakeMilvus, *httptest.Server) {
	f := &fakeMilvus{
		t:        t,
		requests: make(map[string][]map[string]any),
		replies:  make(map[string]string),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.requests[r.URL.Path] = append(f.requests[r.URL.Path], body)

		if reply, ok := f.replies[r.URL.Path]; ok {
			fmt.Fprint(w, reply)
			return
		}
		fmt.Fprint(w, `{"code": 0}`)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func newTestStore(srv *httptest.Server) *Store {
	return New(srv.URL, httpclient.New(httpclient.WithMaxRetries(1)),
		WithPartitionCount(256), WithHNSW(16, 256))
}

func TestEnsureCollectionCreatesWhenAbsent(t *testing.T) {
	f, srv := newFakeMilvus(t)
	f.replies["/v2/vectordb/collections/has"] = `{"code": 0, "data": {"has": false}}`

	s := newTestStore(srv)
	require.NoError(t, s.EnsureCollection(context.Background(), "docs", 4096, "product manuals"))

	creates := f.requests["/v2/vectordb/collections/create"]
	require.Len(t, creates, 1)
	body := creates[0]
	assert.Equal(t, "docs", body["collectionName"])
	assert.Equal(t, "product manuals", body["description"])

	schema := body["schema"].(map[string]any)
	fields := schema["fields"].([]any)
	assert.Len(t, fields, 18)

	params := body["params"].(map[string]any)
	assert.Equal(t, float64(256), params["partitionsNum"])

	require.Len(t, f.requests["/v2/vectordb/collections/load"], 1)
}

func TestEnsureCollectionIdempotent(t *testing.T) {
	f, srv := newFakeMilvus(t)
	f.replies["/v2/vectordb/collections/has"] = `{"code": 0, "data": {"has": true}}`

	s := newTestStore(srv)
	require.NoError(t, s.EnsureCollection(context.Background(), "docs", 4096, ""))
	assert.Empty(t, f.requests["/v2/vectordb/collections/create"])
}

func TestSchemaFieldCaps(t *testing.T) {
	schema := collectionSchema(1024)
	fields := schema["fields"].([]fieldSchema)
	require.Len(t, fields, 18)

	caps := map[string]int{}
	var partitionKey, primary string
	for _, fld := range fields {
		if fld.IsPartitionKey {
			partitionKey = fld.FieldName
		}
		if fld.IsPrimary {
			primary = fld.FieldName
		}
		if n, ok := fld.ElementTypeParams["max_length"].(int); ok {
			caps[fld.FieldName] = n
		}
	}

	assert.Equal(t, "tenant_id", partitionKey)
	assert.Equal(t, "id", primary)
	assert.Equal(t, 500, caps["keywords"])
	assert.Equal(t, 500, caps["topics"])
	assert.Equal(t, 500, caps["questions"])
	assert.Equal(t, 1000, caps["summary"])
	assert.Equal(t, 800, caps["semantic_keywords"])
	assert.Equal(t, 1000, caps["entity_relationships"])
	assert.Equal(t, 1000, caps["attributes"])
}

func TestInsertFlushes(t *testing.T) {
	f, srv := newFakeMilvus(t)
	s := newTestStore(srv)

	rows := []Row{{ID: "d_chunk_0000", TenantID: "t1", DocumentID: "d", Vector: []float32{0.1}}}
	require.NoError(t, s.Insert(context.Background(), "docs", rows))

	require.Len(t, f.requests["/v2/vectordb/entities/insert"], 1)
	require.Len(t, f.requests["/v2/vectordb/collections/flush"], 1)

	data := f.requests["/v2/vectordb/entities/insert"][0]["data"].([]any)
	row := data[0].(map[string]any)
	assert.Equal(t, "d_chunk_0000", row["id"])
	assert.NotZero(t, row["created_at"], "created_at should be defaulted")
	assert.Equal(t, row["created_at"], row["updated_at"], "updated_at starts at created_at")
	// Empty metadata columns must be present as empty strings, not missing.
	assert.Contains(t, row, "keywords")
	assert.Equal(t, "", row["keywords"])
}

func TestDeleteByFilterCountsFirst(t *testing.T) {
	f, srv := newFakeMilvus(t)
	f.replies["/v2/vectordb/entities/query"] = `{"code": 0, "data": [{"count(*)": 7}]}`

	s := newTestStore(srv)
	n, err := s.DeleteByFilter(context.Background(), "docs", "t1", `document_id == "d"`)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	del := f.requests["/v2/vectordb/entities/delete"][0]
	assert.Equal(t, `tenant_id == "t1" && (document_id == "d")`, del["filter"])
}

func TestDeleteByFilterNoMatchesSkipsDelete(t *testing.T) {
	f, srv := newFakeMilvus(t)
	f.replies["/v2/vectordb/entities/query"] = `{"code": 0, "data": [{"count(*)": 0}]}`

	s := newTestStore(srv)
	n, err := s.DeleteByFilter(context.Background(), "docs", "t1", `document_id == "d"`)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.requests["/v2/vectordb/entities/delete"])
}

func TestSearchScopesToTenant(t *testing.T) {
	f, srv := newFakeMilvus(t)
	f.replies["/v2/vectordb/entities/search"] = `{"code": 0, "data": [
		{"id": "d_chunk_0001", "content": "hello", "keywords": "a | b", "distance": 0.91},
		{"id": "d_chunk_0002", "content": "world", "keywords": "", "distance": 0.74}
	]}`

	s := newTestStore(srv)
	hits, err := s.Search(context.Background(), "docs", "t1", []float32{0.1, 0.2}, 10, "")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "d_chunk_0001", hits[0].Row.ID)
	assert.InDelta(t, 0.91, hits[0].Score, 1e-9)

	req := f.requests["/v2/vectordb/entities/search"][0]
	assert.Equal(t, `tenant_id == "t1"`, req["filter"])
	assert.Equal(t, "vector", req["annsField"])
	assert.Equal(t, float64(10), req["limit"])
}

func TestUpdateMetadataReadModifyWrite(t *testing.T) {
	f, srv := newFakeMilvus(t)
	f.replies["/v2/vectordb/entities/query"] = `{"code": 0, "data": [
		{"id": "c1", "tenant_id": "t1", "document_id": "d", "content": "body", "keywords": "old"}
	]}`

	s := newTestStore(srv)
	err := s.UpdateMetadata(context.Background(), "docs", "t1", "c1",
		map[string]string{"keywords": "new | terms"})
	require.NoError(t, err)

	up := f.requests["/v2/vectordb/entities/upsert"][0]
	data := up["data"].([]any)
	row := data[0].(map[string]any)
	assert.Equal(t, "new | terms", row["keywords"])
	assert.Equal(t, "body", row["content"], "untouched fields survive")
	assert.NotZero(t, row["updated_at"], "rewrite must bump updated_at")
}

func TestUpdateMetadataUnknownChunk(t *testing.T) {
	f, srv := newFakeMilvus(t)
	f.replies["/v2/vectordb/entities/query"] = `{"code": 0, "data": []}`

	s := newTestStore(srv)
	err := s.UpdateMetadata(context.Background(), "docs", "t1", "missing", map[string]string{"keywords": "x"})
	require.Error(t, err)
	assert.Equal(t, apierr.NotFound, apierr.KindOf(err))
}

func TestUpdateMetadataRejectsUnknownField(t *testing.T) {
	f, srv := newFakeMilvus(t)
	f.replies["/v2/vectordb/entities/query"] = `{"code": 0, "data": [{"id": "c1"}]}`

	s := newTestStore(srv)
	err := s.UpdateMetadata(context.Background(), "docs", "t1", "c1",
		map[string]string{"vector": "nope"})
	require.Error(t, err)
	assert.Equal(t, apierr.InvalidArgument, apierr.KindOf(err))
}

func TestMilvusErrorClassification(t *testing.T) {
	f, srv := newFakeMilvus(t)
	f.replies["/v2/vectordb/collections/drop"] = `{"code": 100, "message": "collection not found"}`

	s := newTestStore(srv)
	err := s.DropCollection(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, apierr.NotFound, apierr.KindOf(err))
}

func TestTenantFilter(t *testing.T) {
	assert.Equal(t, `tenant_id == "t1"`, tenantFilter("t1", ""))
	assert.Equal(t, `tenant_id == "t1" && (document_id == "d")`, tenantFilter("t1", `document_id == "d"`))
	assert.Equal(t, `tenant_id == "a\"b"`, tenantFilter(`a"b`, ""))
}
