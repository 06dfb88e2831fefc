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

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/corpusflow/corpusflow/pkg/apierr"
	"github.com/corpusflow/corpusflow/pkg/intent"
	"github.com/corpusflow/corpusflow/pkg/registry"
	"github.com/corpusflow/corpusflow/pkg/retrieval"
)

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieval.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if req.Stream {
		s.streamRetrieve(w, r, req)
		return
	}

	res, err := s.deps.Retrieval.Retrieve(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// deltaChunk is one OpenAI-compatible streaming event.
type deltaChunk struct {
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func newDeltaChunk(content string) deltaChunk {
	ch := deltaChunk{Object: "chat.completion.chunk", Created: time.Now().Unix()}
	ch.Choices = make([]struct {
		Index int `json:"index"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	}, 1)
	ch.Choices[0].Delta.Content = content
	return ch
}

func (s *Server) streamRetrieve(w http.ResponseWriter, r *http.Request, req retrieval.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apierr.New(apierr.Internal, "streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Everything before the first token still fails as plain JSON; after
	// the first write the stream is committed.
	started := false
	res, err := s.deps.Retrieval.RetrieveStream(r.Context(), req, func(chunk string) error {
		if !started {
			w.WriteHeader(http.StatusOK)
			started = true
		}
		data, err := json.Marshal(newDeltaChunk(chunk))
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		if !started {
			writeError(w, err)
			return
		}
		s.logger.Warn("stream aborted", "error", err)
		return
	}

	// Trailer event carries the citations and stage report, then the
	// OpenAI-style terminator.
	if data, err := json.Marshal(res); err == nil {
		fmt.Fprintf(w, "event: result\ndata: %s\n\n", data)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

type analyzeRequest struct {
	Query           string `json:"query"`
	EnableCitations bool   `json:"enable_citations"`
	ResponseStyle   string `json:"response_style"`
	ResponseFormat  string `json:"response_format"`
}

type analyzeResponse struct {
	Intent            string          `json:"intent"`
	Language          string          `json:"language"`
	Complexity        string          `json:"complexity"`
	RequiresMath      bool            `json:"requires_math"`
	SystemPrompt      string          `json:"system_prompt"`
	Confidence        float64         `json:"confidence"`
	AnalysisTimeMS    int64           `json:"analysis_time_ms"`
	RecommendedModel  string          `json:"recommended_model"`
	RecommendedMaxTok int             `json:"recommended_max_tokens"`
	SecondaryIntents  []intent.Intent `json:"secondary_intents,omitempty"`
	Metadata          analyzeMetadata `json:"metadata"`
}

type analyzeMetadata struct {
	UsedPattern  bool   `json:"used_pattern"`
	Method       string `json:"method"`
	StyleWarning string `json:"style_warning,omitempty"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ResponseFormat == "" {
		req.ResponseFormat = "markdown"
	}

	start := time.Now()
	cls, err := s.deps.Classifier.Classify(r.Context(), intent.Request{
		Query:     req.Query,
		Style:     intent.Style(req.ResponseStyle),
		Format:    req.ResponseFormat,
		Citations: req.EnableCitations,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if cls.Rejected {
		writeError(w, apierr.New(apierr.InvalidArgument,
			"could not determine the question's intent, please rephrase"))
		return
	}

	task := registry.TaskAnswerSimple
	if cls.Recommendation.ComplexModel {
		task = registry.TaskAnswerComplex
	}
	var modelID string
	if m, err := s.deps.Registry.ModelForTask(task); err == nil {
		modelID = m.ID
	}

	writeJSON(w, http.StatusOK, analyzeResponse{
		Intent:            string(cls.Intent),
		Language:          cls.Language,
		Complexity:        cls.Complexity,
		RequiresMath:      cls.RequiresMath,
		SystemPrompt:      cls.SystemPrompt,
		Confidence:        cls.Confidence,
		AnalysisTimeMS:    time.Since(start).Milliseconds(),
		RecommendedModel:  modelID,
		RecommendedMaxTok: cls.Recommendation.MaxTokens,
		SecondaryIntents:  cls.SecondaryIntents,
		Metadata: analyzeMetadata{
			UsedPattern:  cls.Method == intent.MethodPattern || cls.Method == intent.MethodVerified,
			Method:       cls.Method,
			StyleWarning: cls.Recommendation.StyleWarning,
		},
	})
}

type searchRequest struct {
	QueryText        string `json:"query_text"`
	Collection       string `json:"collection"`
	TenantID         string `json:"tenant_id"`
	TopK             int    `json:"top_k"`
	UseMetadataBoost bool   `json:"use_metadata_boost"`
	FilterExpr       string `json:"filter_expr"`
}

type searchHit struct {
	ChunkID             string  `json:"chunk_id"`
	Text                string  `json:"text"`
	Score               float64 `json:"score"`
	VectorScore         float64 `json:"vector_score"`
	MetadataBoost       float64 `json:"metadata_boost"`
	MetadataMatches     any     `json:"metadata_matches,omitempty"`
	Keywords            string  `json:"keywords,omitempty"`
	Topics              string  `json:"topics,omitempty"`
	Questions           string  `json:"questions,omitempty"`
	Summary             string  `json:"summary,omitempty"`
	SemanticKeywords    string  `json:"semantic_keywords,omitempty"`
	EntityRelationships string  `json:"entity_relationships,omitempty"`
	Attributes          string  `json:"attributes,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.QueryText == "" || req.Collection == "" {
		writeError(w, apierr.New(apierr.InvalidArgument, "query_text and collection are required"))
		return
	}
	if req.TopK == 0 {
		req.TopK = 10
	}
	if req.TenantID == "" {
		req.TenantID = "default"
	}

	start := time.Now()
	vector, err := s.deps.Embedder.Embed(r.Context(), req.QueryText)
	if err != nil {
		writeError(w, err)
		return
	}

	boostQuery := req.QueryText
	if !req.UseMetadataBoost {
		boostQuery = ""
	}
	hits, err := s.deps.Engine.Search(r.Context(), req.Collection, req.TenantID, boostQuery, vector, req.TopK, req.FilterExpr)
	if err != nil {
		writeError(w, err)
		return
	}

	results := make([]searchHit, 0, len(hits))
	for _, h := range hits {
		sh := searchHit{
			ChunkID:             h.Row.ID,
			Text:                h.Row.Content,
			Score:               h.FinalScore,
			VectorScore:         h.VectorScore,
			MetadataBoost:       h.Boost,
			Keywords:            h.Row.Keywords,
			Topics:              h.Row.Topics,
			Questions:           h.Row.Questions,
			Summary:             h.Row.Summary,
			SemanticKeywords:    h.Row.SemanticKeywords,
			EntityRelationships: h.Row.EntityRelationships,
			Attributes:          h.Row.Attributes,
		}
		if len(h.FieldBoosts) > 0 {
			sh.MetadataMatches = h.FieldBoosts
		}
		results = append(results, sh)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":                true,
		"results":                results,
		"total_found":            len(results),
		"collection":             req.Collection,
		"search_time_ms":         time.Since(start).Milliseconds(),
		"metadata_boost_applied": req.UseMetadataBoost,
	})
}
