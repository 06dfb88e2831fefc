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
	"strings"

	"github.com/corpusflow/corpusflow/pkg/config"
	"github.com/corpusflow/corpusflow/pkg/vectorstore"
)

// stopwords are excluded from query tokenization; they match everything and
// boost nothing.
var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {},
	"in": {}, "on": {}, "at": {}, "to": {}, "for": {}, "of": {},
	"with": {}, "by": {}, "from": {}, "as": {}, "is": {}, "are": {},
	"was": {}, "were": {}, "be": {}, "been": {}, "being": {},
	"what": {}, "which": {}, "who": {}, "whom": {}, "how": {},
	"when": {}, "where": {}, "why": {}, "do": {}, "does": {}, "did": {},
	"can": {}, "could": {}, "should": {}, "would": {}, "will": {},
	"it": {}, "its": {}, "this": {}, "that": {}, "these": {}, "those": {},
	"i": {}, "you": {}, "he": {}, "she": {}, "we": {}, "they": {},
	"there": {}, "about": {}, "into": {}, "than": {}, "then": {},
}

// tokenize lowercases, strips punctuation, and drops stopwords and tokens of
// two characters or fewer.
func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	})

	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) <= 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// FieldBoosts maps metadata field name to its boost contribution for one
// hit; only contributing fields appear.
type FieldBoosts map[string]float64

// Total sums the contributions, capped at maxTotal.
func (f FieldBoosts) Total(maxTotal float64) float64 {
	var total float64
	for _, v := range f {
		total += v
	}
	if total > maxTotal {
		return maxTotal
	}
	return total
}

// scoreBoosts computes per-field boosts for one row against the query
// tokens.
//
// Keywords and semantic_keywords match a query token against a whole stored
// value, exactly, capped at three matches. Topics, entity_relationships, and
// attributes match on word overlap per value; topics are uncapped, the other
// two cap at three. Questions use Jaccard overlap against the best stored
// question; summary uses token coverage.
func scoreBoosts(tokens []string, row vectorstore.Row, w config.BoostConfig) FieldBoosts {
	boosts := FieldBoosts{}
	if len(tokens) == 0 {
		return boosts
	}

	exact := func(field, value string, weight float64) {
		if n := exactMatches(tokens, splitValues(value)); n > 0 {
			if n > 3 {
				n = 3
			}
			boosts[field] = weight * float64(n)
		}
	}
	overlap := func(field, value string, weight float64, cap int) {
		if n := wordOverlapMatches(tokens, splitValues(value)); n > 0 {
			if cap > 0 && n > cap {
				n = cap
			}
			boosts[field] = weight * float64(n)
		}
	}

	exact("keywords", row.Keywords, w.Keywords)
	exact("semantic_keywords", row.SemanticKeywords, w.SemanticKeywords)
	overlap("topics", row.Topics, w.Topics, 0)
	overlap("entity_relationships", row.EntityRelationships, w.EntityRelationships, 3)
	overlap("attributes", row.Attributes, w.Attributes, 3)

	if b := questionBoost(tokens, row.Questions, w.Questions); b > 0 {
		boosts["questions"] = b
	}
	if b := summaryBoost(tokens, row.Summary, w.Summary); b > 0 {
		boosts["summary"] = b
	}
	return boosts
}

// splitValues breaks a stored list field into lowercased values. Both
// separators are accepted so legacy pipe-joined rows still match.
func splitValues(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.FieldsFunc(strings.ToLower(value), func(r rune) bool {
		return r == ',' || r == '|'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// exactMatches counts query tokens equal to a whole stored value. A token
// inside a multi-word value does not count.
func exactMatches(tokens, values []string) int {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	n := 0
	for _, tok := range tokens {
		if _, ok := set[tok]; ok {
			n++
		}
	}
	return n
}

// wordOverlapMatches counts stored values sharing at least one word with the
// query tokens.
func wordOverlapMatches(tokens, values []string) int {
	querySet := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		querySet[t] = struct{}{}
	}
	n := 0
	for _, v := range values {
		for _, word := range strings.Fields(v) {
			if _, ok := querySet[word]; ok {
				n++
				break
			}
		}
	}
	return n
}

// questionBoost takes the best Jaccard overlap between the query tokens and
// any stored question: above 0.5 earns full weight, above 0.3 half weight.
func questionBoost(tokens []string, questions string, weight float64) float64 {
	if questions == "" {
		return 0
	}

	querySet := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		querySet[t] = struct{}{}
	}

	var best float64
	for _, q := range strings.Split(questions, "?") {
		qTokens := tokenize(q)
		if len(qTokens) == 0 {
			continue
		}
		inter := 0
		for _, t := range qTokens {
			if _, ok := querySet[t]; ok {
				inter++
			}
		}
		union := len(querySet) + len(qTokens) - inter
		if union == 0 {
			continue
		}
		if j := float64(inter) / float64(union); j > best {
			best = j
		}
	}

	switch {
	case best > 0.5:
		return weight
	case best > 0.3:
		return weight / 2
	default:
		return 0
	}
}

// summaryBoost measures what fraction of the query tokens the summary
// covers: above 0.6 earns full weight, above 0.3 scales proportionally.
func summaryBoost(tokens []string, summary string, weight float64) float64 {
	if summary == "" {
		return 0
	}

	summarySet := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(summary)) {
		summarySet[strings.Trim(word, ".,;:!?()\"'")] = struct{}{}
	}
	covered := 0
	for _, t := range tokens {
		if _, ok := summarySet[t]; ok {
			covered++
		}
	}
	coverage := float64(covered) / float64(len(tokens))

	switch {
	case coverage > 0.6:
		return weight
	case coverage > 0.3:
		return weight * coverage / 0.6
	default:
		return 0
	}
}
