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

package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpusflow/corpusflow/pkg/vectorstore"
)

type fakeSearcher struct {
	hits      []vectorstore.Hit
	lastTopK  int
	lastQuery []float32
}

func (f *fakeSearcher) Search(_ context.Context, _, _ string, vector []float32, topK int, _ string) ([]vectorstore.Hit, error) {
	f.lastTopK = topK
	f.lastQuery = vector
	return f.hits, nil
}

func TestSearchOverfetchesAndTrims(t *testing.T) {
	fake := &fakeSearcher{}
	for i := 0; i < 10; i++ {
		fake.hits = append(fake.hits, vectorstore.Hit{
			Row:   vectorstore.Row{ID: string(rune('a' + i))},
			Score: 1.0 - float64(i)*0.05,
		})
	}

	e := New(fake, weights)
	results, err := e.Search(context.Background(), "docs", "t1", "query terms", []float32{0.1}, 5, "")
	require.NoError(t, err)

	assert.Equal(t, 10, fake.lastTopK, "fetches 2x requested")
	assert.Len(t, results, 5)
}

func TestSearchBoostPromotesMetadataMatch(t *testing.T) {
	fake := &fakeSearcher{hits: []vectorstore.Hit{
		{Row: vectorstore.Row{ID: "plain"}, Score: 0.80},
		{Row: vectorstore.Row{ID: "boosted", Keywords: "torque | bolt | spec"}, Score: 0.75},
	}}

	e := New(fake, weights)
	results, err := e.Search(context.Background(), "docs", "t1", "torque spec bolt", []float32{0.1}, 2, "")
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "boosted", results[0].Row.ID)
	assert.InDelta(t, 0.75, results[0].VectorScore, 1e-9)
	assert.InDelta(t, 0.30, results[0].Boost, 1e-9)
	assert.InDelta(t, 1.05, results[0].FinalScore, 1e-9)
	assert.InDelta(t, 0.30, results[0].FieldBoosts["keywords"], 1e-9)

	assert.Equal(t, "plain", results[1].Row.ID)
	assert.Zero(t, results[1].Boost)
}

func TestSearchEmptyResults(t *testing.T) {
	e := New(&fakeSearcher{}, weights)
	results, err := e.Search(context.Background(), "docs", "t1", "anything", []float32{0.1}, 5, "")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchStableOrderOnTies(t *testing.T) {
	fake := &fakeSearcher{hits: []vectorstore.Hit{
		{Row: vectorstore.Row{ID: "first"}, Score: 0.5},
		{Row: vectorstore.Row{ID: "second"}, Score: 0.5},
	}}

	e := New(fake, weights)
	results, err := e.Search(context.Background(), "docs", "t1", "nomatch", []float32{0.1}, 2, "")
	require.NoError(t, err)
	assert.Equal(t, "first", results[0].Row.ID)
	assert.Equal(t, "second", results[1].Row.ID)
}
