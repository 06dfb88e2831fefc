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

// Package metadata extracts searchable metadata from chunks with an LLM.
// Model output is repaired, cleaned, and truncated before it reaches
// storage; a chunk with unusable metadata is stored with empty fields
// rather than dropped.
package metadata

// Metadata holds the seven searchable fields attached to each chunk.
// Multi-value fields are single strings: keywords, topics,
// semantic_keywords, and attributes are comma-separated; questions and
// entity_relationships are pipe-separated, matching the storage schema.
type Metadata struct {
	Keywords            string `json:"keywords"`
	Topics              string `json:"topics"`
	Questions           string `json:"questions"`
	Summary             string `json:"summary"`
	SemanticKeywords    string `json:"semantic_keywords"`
	EntityRelationships string `json:"entity_relationships"`
	Attributes          string `json:"attributes"`
}

// ListSeparator joins the comma-separated fields (keywords, topics,
// semantic_keywords, attributes).
const ListSeparator = ", "

// ItemSeparator joins the pipe-separated fields (questions,
// entity_relationships), whose values may themselves contain commas.
const ItemSeparator = " | "

// Field length caps mirror the vector store schema. Truncation cuts at the
// last separator that fits, never mid-value.
const (
	maxKeywords            = 500
	maxTopics              = 500
	maxQuestions           = 500
	maxSummary             = 1000
	maxSemanticKeywords    = 800
	maxEntityRelationships = 1000
	maxAttributes          = 1000
)

// IsEmpty reports whether every field is blank.
func (m Metadata) IsEmpty() bool {
	return m.Keywords == "" && m.Topics == "" && m.Questions == "" &&
		m.Summary == "" && m.SemanticKeywords == "" &&
		m.EntityRelationships == "" && m.Attributes == ""
}
