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

package metadata

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanDropsPlaceholders(t *testing.T) {
	m := Clean(Metadata{
		Keywords:         "ACME-1000, Model Numbers, widget pro, SKUs",
		SemanticKeywords: "Technical Terms, fastener",
	})
	assert.Equal(t, "ACME-1000, widget pro", m.Keywords)
	assert.Equal(t, "fastener", m.SemanticKeywords)
}

func TestCleanDedupsSemanticAgainstKeywords(t *testing.T) {
	m := Clean(Metadata{
		Keywords:         "bolt, washer",
		SemanticKeywords: "Bolt, fastener, washer, fastener",
	})
	assert.Equal(t, "fastener", m.SemanticKeywords)
}

func TestCleanDedupsCommaSeparatedValues(t *testing.T) {
	// Comma-shaped model output deduplicates value by value, not as one
	// opaque string.
	m := Clean(Metadata{
		Keywords:         "Apple, iPhone",
		SemanticKeywords: "apple, smartphone",
	})
	assert.Equal(t, "Apple, iPhone", m.Keywords)
	assert.Equal(t, "smartphone", m.SemanticKeywords)
}

func TestCleanDedupsWithinField(t *testing.T) {
	m := Clean(Metadata{Keywords: "bolt, Bolt, BOLT, nut"})
	assert.Equal(t, "bolt, nut", m.Keywords)

	// Pipe-shaped output normalizes to the comma storage format.
	m = Clean(Metadata{Keywords: "bolt | Bolt | nut"})
	assert.Equal(t, "bolt, nut", m.Keywords)
}

func TestCleanValidatesTriplets(t *testing.T) {
	m := Clean(Metadata{
		EntityRelationships: "ACME → makes → widgets | broken entry | A -> sells -> B | one → arrow",
	})
	assert.Equal(t, "ACME → makes → widgets | A -> sells -> B", m.EntityRelationships)
}

func TestCleanTruncatesAtSeparator(t *testing.T) {
	var values []string
	for i := 0; i < 100; i++ {
		values = append(values, fmt.Sprintf("kw%02d%s", i, strings.Repeat("k", 16)))
	}
	m := Clean(Metadata{Keywords: strings.Join(values, ", ")})

	assert.LessOrEqual(t, len(m.Keywords), 500)
	assert.False(t, strings.HasSuffix(m.Keywords, ","))
	// The cut never splits a value: every value is intact.
	for _, v := range strings.Split(m.Keywords, ", ") {
		assert.Len(t, v, 20)
	}
}

func TestCleanTruncatesSummaryAtWordBoundary(t *testing.T) {
	m := Clean(Metadata{Summary: strings.Repeat("lorem ipsum dolor sit amet ", 60)})
	assert.LessOrEqual(t, len(m.Summary), 1000)
	assert.False(t, strings.HasSuffix(m.Summary, " "))
}

func TestCleanIdempotent(t *testing.T) {
	in := Metadata{
		Keywords:            "a | b | a",
		Topics:              "t1 | t2",
		Questions:           "q?",
		Summary:             "a summary",
		SemanticKeywords:    "c | a",
		EntityRelationships: "x → y → z",
		Attributes:          "size: 10",
	}
	once := Clean(in)
	twice := Clean(once)
	assert.Equal(t, once, twice)
}

func TestCleanEmptyInput(t *testing.T) {
	m := Clean(Metadata{})
	assert.True(t, m.IsEmpty())
}
