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
	"strings"
	"unicode/utf8"
)

// genericPlaceholders are literal echoes of the prompt's field descriptions.
// Models copy these back instead of extracting real values; they carry no
// signal and pollute keyword matching.
var genericPlaceholders = map[string]struct{}{
	"full product names": {},
	"company names":      {},
	"model numbers":      {},
	"skus":               {},
	"product name":       {},
	"company name":       {},
	"model number":       {},
	"sku":                {},
	"brand names":        {},
	"brand name":         {},
	"technical terms":    {},
	"technical term":     {},
	"specifications":     {},
	"specification":      {},
	"features":           {},
	"feature":            {},
}

// Clean normalizes extracted metadata: deduplication, placeholder removal,
// relationship validation, and cap-respecting truncation. Clean is
// idempotent.
//
// Comma-separated fields are split on both commas and pipes so model output
// in either shape deduplicates value by value; questions and relationships
// split on pipes only, because their values legitimately contain commas.
func Clean(m Metadata) Metadata {
	keywords := dedup(dropPlaceholders(split(m.Keywords, ",|")))
	semantic := subtract(dedup(dropPlaceholders(split(m.SemanticKeywords, ",|"))), keywords)
	relationships := validTriplets(split(m.EntityRelationships, "|"))

	return Metadata{
		Keywords:            truncateList(strings.Join(keywords, ListSeparator), maxKeywords),
		Topics:              truncateList(strings.Join(dedup(split(m.Topics, ",|")), ListSeparator), maxTopics),
		Questions:           truncateList(strings.Join(dedup(split(m.Questions, "|")), ItemSeparator), maxQuestions),
		Summary:             truncateText(strings.TrimSpace(m.Summary), maxSummary),
		SemanticKeywords:    truncateList(strings.Join(semantic, ListSeparator), maxSemanticKeywords),
		EntityRelationships: truncateList(strings.Join(relationships, ItemSeparator), maxEntityRelationships),
		Attributes:          truncateList(strings.Join(dedup(split(m.Attributes, ",|")), ListSeparator), maxAttributes),
	}
}

// split breaks a field on any of the separator runes, trimming whitespace
// and dropping empty values.
func split(s, seps string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(seps, r)
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// dedup keeps the first occurrence of each value, case-insensitively.
func dedup(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

// subtract removes values already present in base, case-insensitively.
// Semantic keywords must add terms beyond the literal keywords.
func subtract(values, base []string) []string {
	existing := make(map[string]struct{}, len(base))
	for _, b := range base {
		existing[strings.ToLower(b)] = struct{}{}
	}
	out := values[:0]
	for _, v := range values {
		if _, ok := existing[strings.ToLower(v)]; ok {
			continue
		}
		out = append(out, v)
	}
	return out
}

func dropPlaceholders(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if _, ok := genericPlaceholders[strings.ToLower(v)]; ok {
			continue
		}
		out = append(out, v)
	}
	return out
}

// validTriplets keeps only relationships shaped entity → relation → entity,
// i.e. carrying at least two arrows. Both "→" and "->" count.
func validTriplets(values []string) []string {
	out := values[:0]
	for _, v := range values {
		arrows := strings.Count(v, "→") + strings.Count(v, "->")
		if arrows < 2 {
			continue
		}
		out = append(out, v)
	}
	return out
}

// truncateList cuts a separated list at the last separator that fits the
// limit, never mid-value. A single oversized value is hard-cut.
func truncateList(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := strings.LastIndexAny(s[:limit], ",|")
	if cut <= 0 {
		return hardCut(s, limit)
	}
	return strings.TrimSpace(s[:cut])
}

// truncateText cuts free text at the last word boundary that fits the limit.
func truncateText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := strings.LastIndexByte(s[:limit], ' ')
	if cut <= 0 {
		return hardCut(s, limit)
	}
	return strings.TrimSpace(s[:cut])
}

// hardCut slices at a byte limit without leaving a torn UTF-8 sequence.
func hardCut(s string, limit int) string {
	cut := s[:limit]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
