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

// Package intent classifies queries into one of fifteen intents and turns
// the classification into generation parameters. Pattern matching answers
// most queries locally; the LLM handles the rest and feeds the pattern
// library through the learning queue.
package intent

// Intent is one of the fifteen query intents.
type Intent string

const (
	SimpleLookup          Intent = "simple_lookup"
	ListEnumeration       Intent = "list_enumeration"
	YesNo                 Intent = "yes_no"
	DefinitionExplanation Intent = "definition_explanation"
	FactualRetrieval      Intent = "factual_retrieval"
	Comparison            Intent = "comparison"
	Aggregation           Intent = "aggregation"
	Temporal              Intent = "temporal"
	RelationshipMapping   Intent = "relationship_mapping"
	ContextualExplanation Intent = "contextual_explanation"
	NegativeLogic         Intent = "negative_logic"
	CrossReference        Intent = "cross_reference"
	Synthesis             Intent = "synthesis"
	DocumentNavigation    Intent = "document_navigation"
	ExceptionHandling     Intent = "exception_handling"
)

// AllIntents lists every intent, for validation and stats.
var AllIntents = []Intent{
	SimpleLookup, ListEnumeration, YesNo, DefinitionExplanation,
	FactualRetrieval, Comparison, Aggregation, Temporal,
	RelationshipMapping, ContextualExplanation, NegativeLogic,
	CrossReference, Synthesis, DocumentNavigation, ExceptionHandling,
}

// Valid reports whether s names a known intent.
func Valid(s string) bool {
	for _, i := range AllIntents {
		if string(i) == s {
			return true
		}
	}
	return false
}

// complexIntents route answer generation to the complex model; they need
// multi-chunk reasoning rather than extraction.
var complexIntents = map[Intent]struct{}{
	CrossReference:        {},
	Synthesis:             {},
	NegativeLogic:         {},
	RelationshipMapping:   {},
	Aggregation:           {},
	Temporal:              {},
	ContextualExplanation: {},
	ExceptionHandling:     {},
}

// IsComplex reports whether the intent needs the complex answer model.
func (i Intent) IsComplex() bool {
	_, ok := complexIntents[i]
	return ok
}

// Complexity labels the reasoning load an intent puts on answer
// generation.
func (i Intent) Complexity() string {
	switch {
	case i.IsComplex():
		return "complex"
	case i == YesNo || i == SimpleLookup:
		return "simple"
	default:
		return "moderate"
	}
}

// maxTokensByIntent sizes the answer budget to the expected answer shape.
var maxTokensByIntent = map[Intent]int{
	YesNo:                 512,
	SimpleLookup:          512,
	DefinitionExplanation: 1024,
	FactualRetrieval:      1024,
	DocumentNavigation:    1024,
	Temporal:              1024,
	ExceptionHandling:     1024,
	NegativeLogic:         1024,
	Aggregation:           2048,
	Synthesis:             2048,
	Comparison:            2048,
	CrossReference:        2048,
	ContextualExplanation: 2048,
	RelationshipMapping:   2048,
	ListEnumeration:       3072,
}

const defaultMaxTokens = 1536

// MaxTokens returns the answer token budget for the intent.
func (i Intent) MaxTokens() int {
	if n, ok := maxTokensByIntent[i]; ok {
		return n
	}
	return defaultMaxTokens
}

// Style is the requested answer verbosity.
type Style string

const (
	StyleConcise       Style = "concise"
	StyleBalanced      Style = "balanced"
	StyleComprehensive Style = "comprehensive"
)

// ValidStyle reports whether s names a known style.
func ValidStyle(s string) bool {
	switch Style(s) {
	case StyleConcise, StyleBalanced, StyleComprehensive:
		return true
	}
	return false
}

// Recommendation carries the generation parameters derived from an intent.
type Recommendation struct {
	Intent       Intent `json:"intent"`
	ComplexModel bool   `json:"complex_model"`
	MaxTokens    int    `json:"max_tokens"`
	Style        Style  `json:"style"`
	StyleWarning string `json:"style_warning,omitempty"`
}

// Recommend resolves generation parameters for an intent and requested
// style. A concise style on an analytical intent is coerced to balanced
// with a warning rather than rejected; the request still succeeds.
func Recommend(i Intent, requested Style) Recommendation {
	rec := Recommendation{
		Intent:       i,
		ComplexModel: i.IsComplex(),
		MaxTokens:    i.MaxTokens(),
		Style:        requested,
	}
	if requested == "" {
		rec.Style = StyleBalanced
	}
	if rec.Style == StyleConcise && i.IsComplex() {
		rec.Style = StyleBalanced
		rec.StyleWarning = "concise style is not suitable for analytical intents; using balanced"
	}
	return rec
}
