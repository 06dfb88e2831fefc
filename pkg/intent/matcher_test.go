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

package intent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLibrary(t *testing.T, body string) *Library {
	t.Helper()
	path := filepath.Join(t.TempDir(), "library.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	lib, err := LoadLibrary(path, nil)
	require.NoError(t, err)
	return lib
}

func TestMatchEmptyQuery(t *testing.T) {
	m := NewMatcher(testLibrary(t, `{"version":1,"intents":{}}`))
	assert.Nil(t, m.Match(""))
	assert.Nil(t, m.Match("   "))
}

func TestMatchNoHits(t *testing.T) {
	lib := testLibrary(t, `{"version":1,"intents":{
		"comparison":{"patterns":[{"pattern":"\\bversus\\b","confidence":0.9,"source":"curated"}]}
	}}`)
	assert.Empty(t, NewMatcher(lib).Match("how do I install the pump"))
}

func TestMatchMultiPatternBoost(t *testing.T) {
	lib := testLibrary(t, `{"version":1,"intents":{
		"comparison":{"patterns":[
			{"pattern":"compare","confidence":0.3,"source":"curated"},
			{"pattern":"difference","confidence":0.25,"source":"curated"}
		]}
	}}`)

	got := NewMatcher(lib).Match("compare the difference")
	require.Len(t, got, 1)
	assert.Equal(t, Comparison, got[0].Intent)
	// base 0.3+0.25, two patterns x1.25, match at position 0 x1.10
	assert.InDelta(t, 0.55*1.25*1.10, got[0].Confidence, 1e-9)
	assert.Len(t, got[0].Patterns, 2)
}

func TestMatchSumsPatternConfidences(t *testing.T) {
	lib := testLibrary(t, `{"version":1,"intents":{
		"comparison":{"patterns":[
			{"pattern":"faster","confidence":0.2,"source":"curated"},
			{"pattern":"slower","confidence":0.25,"source":"curated"}
		]}
	}}`)

	// Matches sit past the early window and span under the length
	// threshold, so only the multi-pattern boost applies; the base is the
	// sum of both confidences, not the larger one.
	got := NewMatcher(lib).Match("some queries finish faster and some finish slower")
	require.Len(t, got, 1)
	assert.InDelta(t, (0.2+0.25)*1.25, got[0].Confidence, 1e-9)
}

func TestMatchLongSpanBoost(t *testing.T) {
	lib := testLibrary(t, `{"version":1,"intents":{
		"synthesis":{"patterns":[
			{"pattern":"this is a very long literal pattern","confidence":0.7,"source":"curated"}
		]}
	}}`)

	// Padding pushes the match past the early window, isolating the
	// length boost.
	got := NewMatcher(lib).Match("aaaaaaaaaaaaaaaaaaaaaa this is a very long literal pattern")
	require.Len(t, got, 1)
	assert.InDelta(t, 0.7*1.15, got[0].Confidence, 1e-9)
}

func TestMatchLengthBoostMeasuresSpanNotRegex(t *testing.T) {
	lib := testLibrary(t, `{"version":1,"intents":{
		"document_navigation":{"patterns":[
			{"pattern":"replace .* filter","confidence":0.6,"source":"curated"}
		]}
	}}`)

	// The regex source is short, but it matches a span well past the
	// length threshold; the boost keys off the span.
	got := NewMatcher(lib).Match("zzzzzzzzzzzzzzzzzzzzzz replace the primary coolant system filter")
	require.Len(t, got, 1)
	assert.InDelta(t, 0.6*1.15, got[0].Confidence, 1e-9)
}

func TestMatchConflictPenalty(t *testing.T) {
	lib := testLibrary(t, `{"version":1,"intents":{
		"list_enumeration":{"patterns":[{"pattern":"\\blist\\b","confidence":0.8,"source":"curated"}]},
		"negative_logic":{"patterns":[{"pattern":"\\bnot\\b","confidence":0.8,"source":"curated"}]}
	}}`)

	got := NewMatcher(lib).Match("do not list everything")
	require.Len(t, got, 2)

	// Both match early (x1.10); list_enumeration loses x0.65 because the
	// negative_logic pattern also fired.
	assert.Equal(t, NegativeLogic, got[0].Intent)
	assert.InDelta(t, 0.8*1.10, got[0].Confidence, 1e-9)
	assert.Equal(t, ListEnumeration, got[1].Intent)
	assert.InDelta(t, 0.8*1.10*0.65, got[1].Confidence, 1e-9)
}

func TestMatchConfidenceCapped(t *testing.T) {
	lib := testLibrary(t, `{"version":1,"intents":{
		"list_enumeration":{"patterns":[
			{"pattern":"^list all","confidence":0.95,"source":"curated"},
			{"pattern":"\\bevery single one of them\\b","confidence":0.9,"source":"curated"}
		]}
	}}`)

	got := NewMatcher(lib).Match("list all parts, every single one of them")
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].Confidence)
}

func TestMatchDeterministicOrder(t *testing.T) {
	lib := testLibrary(t, `{"version":1,"intents":{
		"yes_no":{"patterns":[{"pattern":"shared","confidence":0.8,"source":"curated"}]},
		"temporal":{"patterns":[{"pattern":"shared","confidence":0.8,"source":"curated"}]}
	}}`)

	got := NewMatcher(lib).Match("a query with shared wording inside")
	require.Len(t, got, 2)
	// Equal confidence breaks on intent name.
	assert.Equal(t, Temporal, got[0].Intent)
	assert.Equal(t, YesNo, got[1].Intent)
}

func TestMatchEmbeddedLibrary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "library.json")
	lib, err := LoadLibrary(path, nil)
	require.NoError(t, err)
	m := NewMatcher(lib)

	tests := []struct {
		query string
		want  Intent
	}{
		{"list all supported formats", ListEnumeration},
		{"what is the difference between model A and model B", Comparison},
		{"summarize the key findings of the report", Synthesis},
		{"which section covers installation", DocumentNavigation},
		{"why does the seal fail at altitude", ContextualExplanation},
	}
	for _, tt := range tests {
		got := m.Match(tt.query)
		require.NotEmpty(t, got, tt.query)
		assert.Equal(t, tt.want, got[0].Intent, tt.query)
	}
}
