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
	"strings"

	"github.com/corpusflow/corpusflow/pkg/apierr"
	"github.com/corpusflow/corpusflow/pkg/httpclient"
)

// Reranker reorders candidate texts by relevance to the query. The return
// value holds indices into docs, best first, at most topK of them.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string, topK int) ([]int, error)
}

// Compressor shortens chunk texts against the query. The result aligns
// with texts; an empty string means the chunk fell below the threshold.
type Compressor interface {
	Compress(ctx context.Context, query string, texts []string, ratio, threshold float64) ([]string, error)
}

// HTTPReranker calls a jina-compatible rerank service.
type HTTPReranker struct {
	baseURL string
	client  *httpclient.Client
}

func NewHTTPReranker(baseURL string, client *httpclient.Client) *HTTPReranker {
	return &HTTPReranker{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

func (r *HTTPReranker) Rerank(ctx context.Context, query string, docs []string, topK int) ([]int, error) {
	var resp rerankResponse
	if err := r.client.PostJSON(ctx, r.baseURL+"/rerank", nil,
		rerankRequest{Query: query, Documents: docs, TopN: topK}, &resp); err != nil {
		return nil, err
	}

	out := make([]int, 0, len(resp.Results))
	for _, res := range resp.Results {
		if res.Index < 0 || res.Index >= len(docs) {
			return nil, apierr.New(apierr.Upstream, "rerank index %d out of range", res.Index)
		}
		out = append(out, res.Index)
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// HTTPCompressor calls the context compression service.
type HTTPCompressor struct {
	baseURL string
	client  *httpclient.Client
}

func NewHTTPCompressor(baseURL string, client *httpclient.Client) *HTTPCompressor {
	return &HTTPCompressor{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type compressRequest struct {
	Query            string   `json:"query"`
	Chunks           []string `json:"chunks"`
	CompressionRatio float64  `json:"compression_ratio"`
	ScoreThreshold   float64  `json:"score_threshold"`
}

type compressResponse struct {
	Chunks []struct {
		Index int    `json:"index"`
		Text  string `json:"text"`
	} `json:"chunks"`
}

func (c *HTTPCompressor) Compress(ctx context.Context, query string, texts []string, ratio, threshold float64) ([]string, error) {
	var resp compressResponse
	if err := c.client.PostJSON(ctx, c.baseURL+"/compress", nil, compressRequest{
		Query:            query,
		Chunks:           texts,
		CompressionRatio: ratio,
		ScoreThreshold:   threshold,
	}, &resp); err != nil {
		return nil, err
	}

	out := make([]string, len(texts))
	for _, ch := range resp.Chunks {
		if ch.Index < 0 || ch.Index >= len(texts) {
			return nil, apierr.New(apierr.Upstream, "compress index %d out of range", ch.Index)
		}
		out[ch.Index] = ch.Text
	}
	return out, nil
}
