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

package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpusflow/corpusflow/pkg/apierr"
	"github.com/corpusflow/corpusflow/pkg/httpclient"
)

func testHTTPClient() *httpclient.Client {
	return httpclient.New(httpclient.WithMaxRetries(1))
}

func TestHTTPRerankerOrdersResults(t *testing.T) {
	var got rerankRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rerank", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"index": 2, "relevance_score": 0.91},
				{"index": 0, "relevance_score": 0.55},
			},
		})
	}))
	defer srv.Close()

	rr := NewHTTPReranker(srv.URL+"/", testHTTPClient())
	order, err := rr.Rerank(context.Background(), "pump pressure", []string{"a", "b", "c"}, 2)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 0}, order)
	assert.Equal(t, "pump pressure", got.Query)
	assert.Equal(t, []string{"a", "b", "c"}, got.Documents)
	assert.Equal(t, 2, got.TopN)
}

func TestHTTPRerankerTruncatesToTopK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"index": 1}, {"index": 0}, {"index": 2},
			},
		})
	}))
	defer srv.Close()

	rr := NewHTTPReranker(srv.URL, testHTTPClient())
	order, err := rr.Rerank(context.Background(), "q", []string{"a", "b", "c"}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, order)
}

func TestHTTPRerankerRejectsOutOfRangeIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"index": 9}},
		})
	}))
	defer srv.Close()

	rr := NewHTTPReranker(srv.URL, testHTTPClient())
	_, err := rr.Rerank(context.Background(), "q", []string{"a"}, 1)
	require.Error(t, err)
	assert.Equal(t, apierr.Upstream, apierr.KindOf(err))
}

func TestHTTPCompressorAlignsWithInput(t *testing.T) {
	var got compressRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/compress", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"chunks": []map[string]any{
				{"index": 0, "text": "short a"},
				{"index": 2, "text": "short c"},
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPCompressor(srv.URL, testHTTPClient())
	out, err := c.Compress(context.Background(), "q", []string{"long a", "long b", "long c"}, 0.5, 0.3)
	require.NoError(t, err)

	// Chunk 1 fell below the threshold and comes back empty.
	assert.Equal(t, []string{"short a", "", "short c"}, out)
	assert.Equal(t, 0.5, got.CompressionRatio)
	assert.Equal(t, 0.3, got.ScoreThreshold)
}

func TestHTTPCompressorServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPCompressor(srv.URL, testHTTPClient())
	_, err := c.Compress(context.Background(), "q", []string{"a"}, 0.5, 0.3)
	require.Error(t, err)
}
