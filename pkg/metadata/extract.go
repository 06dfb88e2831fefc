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
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/corpusflow/corpusflow/pkg/apierr"
)

var (
	thinkTagPattern  = regexp.MustCompile(`(?is)<think>.*?</think>`)
	codeFencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	trailingComma    = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON pulls a JSON object out of raw model output. It tries, in
// order: the whole response, a fenced code block, the first balanced brace
// span, and finally a repaired version of that span.
func ExtractJSON(raw string) (Metadata, error) {
	text := strings.TrimSpace(thinkTagPattern.ReplaceAllString(raw, ""))
	if text == "" {
		return Metadata{}, apierr.New(apierr.Parse, "empty model response")
	}

	candidates := []string{text}
	if m := codeFencePattern.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if span := balancedBraces(text); span != "" {
		candidates = append(candidates, span, repairJSON(span))
	}

	for _, cand := range candidates {
		if md, err := decode(cand); err == nil {
			return md, nil
		}
	}
	return Metadata{}, apierr.New(apierr.Parse, "no parseable JSON object in model response")
}

// decode accepts both string fields and array fields; arrays join on
// pipes, and Clean renormalizes each field to its storage separator.
func decode(s string) (Metadata, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return Metadata{}, err
	}

	return Metadata{
		Keywords:            coerce(obj["keywords"]),
		Topics:              coerce(obj["topics"]),
		Questions:           coerce(obj["questions"]),
		Summary:             coerce(obj["summary"]),
		SemanticKeywords:    coerce(obj["semantic_keywords"]),
		EntityRelationships: coerce(obj["entity_relationships"]),
		Attributes:          coerce(obj["attributes"]),
	}, nil
}

func coerce(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
				parts = append(parts, strings.TrimSpace(s))
			} else if e != nil {
				parts = append(parts, fmt.Sprintf("%v", e))
			}
		}
		return strings.Join(parts, ItemSeparator)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", t))
	}
}

// balancedBraces returns the first top-level {...} span, respecting strings
// and escapes. Returns "" when no balanced span exists.
func balancedBraces(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

// repairJSON fixes the malformations small models actually produce:
// smart quotes, trailing commas, and raw newlines inside string values.
func repairJSON(s string) string {
	replacer := strings.NewReplacer(
		"“", `"`, "”", `"`,
		"‘", "'", "’", "'",
	)
	s = replacer.Replace(s)
	s = trailingComma.ReplaceAllString(s, "$1")
	return escapeNewlinesInStrings(s)
}

func escapeNewlinesInStrings(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			b.WriteByte(ch)
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			b.WriteByte(ch)
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
			b.WriteByte(ch)
		case '\n':
			if inString {
				b.WriteString(`\n`)
			} else {
				b.WriteByte(ch)
			}
		case '\t':
			if inString {
				b.WriteString(`\t`)
			} else {
				b.WriteByte(ch)
			}
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}
