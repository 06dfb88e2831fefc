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

// Package search runs vector search with metadata boosting: candidates come
// back from the vector store, gain per-field boosts for metadata matching
// the query, and are re-ranked by the combined score.
package search

import (
	"context"
	"sort"

	"github.com/corpusflow/corpusflow/pkg/config"
	"github.com/corpusflow/corpusflow/pkg/vectorstore"
)

// overfetchFactor widens the candidate pool so boosting can promote rows
// from beyond the raw top-k.
const overfetchFactor = 2

// Searcher is the slice of the vector store the engine needs.
type Searcher interface {
	Search(ctx context.Context, collection, tenantID string, vector []float32, topK int, filter string) ([]vectorstore.Hit, error)
}

// Result is one boosted search hit. FieldBoosts explains which metadata
// fields contributed.
type Result struct {
	Row         vectorstore.Row `json:"row"`
	VectorScore float64         `json:"vector_score"`
	Boost       float64         `json:"boost"`
	FinalScore  float64         `json:"final_score"`
	FieldBoosts FieldBoosts     `json:"field_boosts,omitempty"`
}

// Engine combines vector search with metadata boosting.
type Engine struct {
	store   Searcher
	weights config.BoostConfig
}

func New(store Searcher, weights config.BoostConfig) *Engine {
	return &Engine{store: store, weights: weights}
}

// Search fetches 2×topK candidates, boosts them against the query text, and
// returns the topK by final score. The sort is stable: ties keep vector
// order.
func (e *Engine) Search(ctx context.Context, collection, tenantID, query string, vector []float32, topK int, filter string) ([]Result, error) {
	hits, err := e.store.Search(ctx, collection, tenantID, vector, topK*overfetchFactor, filter)
	if err != nil {
		return nil, err
	}

	tokens := tokenize(query)
	results := make([]Result, len(hits))
	for i, hit := range hits {
		boosts := scoreBoosts(tokens, hit.Row, e.weights)
		boost := boosts.Total(e.weights.MaxTotal)
		results[i] = Result{
			Row:         hit.Row,
			VectorScore: hit.Score,
			Boost:       boost,
			FinalScore:  hit.Score + boost,
			FieldBoosts: boosts,
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].FinalScore > results[j].FinalScore
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}
