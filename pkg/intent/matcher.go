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
	"sort"
	"strings"
)

// Scoring boosts. Multiple corroborating patterns, an early match, or a
// long (highly specific) matched span raise confidence in the base score.
const (
	multiPatternBoost = 1.25
	earlyMatchBoost   = 1.10
	longMatchBoost    = 1.15

	earlyMatchWindow = 20
	longMatchLength  = 30
)

// conflictPenalties down-weight intents whose patterns fire promiscuously
// when a more specific competing intent also matched.
var conflictPenalties = map[Intent]struct {
	factor    float64
	conflicts []Intent
}{
	ListEnumeration:       {0.65, []Intent{RelationshipMapping, CrossReference, Aggregation, NegativeLogic}},
	FactualRetrieval:      {0.75, []Intent{Comparison, Aggregation, Temporal, CrossReference}},
	DefinitionExplanation: {0.70, []Intent{SimpleLookup, Comparison, Aggregation}},
}

// Match is one intent candidate with its final pattern score.
type Match struct {
	Intent     Intent   `json:"intent"`
	Confidence float64  `json:"confidence"`
	Patterns   []string `json:"patterns"`
}

// Matcher scores queries against the pattern library.
type Matcher struct {
	lib *Library
}

func NewMatcher(lib *Library) *Matcher {
	return &Matcher{lib: lib}
}

// Match scores every intent against the query and returns candidates in
// descending confidence order. Scoring is deterministic: ties break on
// intent name.
func (m *Matcher) Match(query string) []Match {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	type scored struct {
		base        float64
		matched     []string
		earliestPos int
		longestSpan int
	}

	hits := make(map[Intent]*scored)
	for _, in := range AllIntents {
		for _, p := range m.lib.Patterns(in) {
			loc := p.re.FindStringIndex(query)
			if loc == nil {
				continue
			}
			s, ok := hits[in]
			if !ok {
				s = &scored{earliestPos: loc[0]}
				hits[in] = s
			}
			// Every matching pattern contributes its confidence; the
			// length boost measures matched text, not regex source.
			s.base += p.Confidence
			if loc[0] < s.earliestPos {
				s.earliestPos = loc[0]
			}
			if span := loc[1] - loc[0]; span > s.longestSpan {
				s.longestSpan = span
			}
			s.matched = append(s.matched, p.Pattern)
		}
	}

	out := make([]Match, 0, len(hits))
	for in, s := range hits {
		conf := s.base
		if len(s.matched) >= 2 {
			conf *= multiPatternBoost
		}
		if s.earliestPos <= earlyMatchWindow {
			conf *= earlyMatchBoost
		}
		if s.longestSpan >= longMatchLength {
			conf *= longMatchBoost
		}

		if penalty, ok := conflictPenalties[in]; ok {
			for _, rival := range penalty.conflicts {
				if _, rivalMatched := hits[rival]; rivalMatched {
					conf *= penalty.factor
					break
				}
			}
		}

		if conf > 1.0 {
			conf = 1.0
		}
		out = append(out, Match{Intent: in, Confidence: conf, Patterns: s.matched})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Intent < out[j].Intent
	})
	return out
}
