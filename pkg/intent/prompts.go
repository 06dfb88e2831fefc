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
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const classifySystemPrompt = `You classify search queries into exactly one intent. Respond ONLY with a JSON object: {"intent": "<name>", "confidence": <0.0-1.0>}.

Intents:
- simple_lookup: a single fact or value ("what is the torque spec for the M8 bolt")
- list_enumeration: all items of a kind ("list all supported formats")
- yes_no: answerable with yes or no ("is the device waterproof")
- definition_explanation: what something means ("what does TPM stand for")
- factual_retrieval: a stated fact from the text ("when was the policy updated")
- comparison: differences between things ("difference between model A and B")
- aggregation: totals or statistics across items ("total weight of all parts")
- temporal: ordering or time ranges ("what changed between 2022 and 2024")
- relationship_mapping: how entities relate ("how does the pump connect to the valve")
- contextual_explanation: reasons and causes ("why does the seal fail at altitude")
- negative_logic: exclusions ("which models do not support DHCP")
- cross_reference: reconciling multiple sources ("do the two manuals agree on voltage")
- synthesis: summarizing across content ("summarize the key findings")
- document_navigation: locating content ("which section covers installation")
- exception_handling: edge cases ("what happens if the battery is removed mid-update")`

func classifyPrompt(query string) string {
	return fmt.Sprintf("Classify this query:\n\n%s", query)
}

// DetectLanguage guesses the query language from its dominant script. The
// answer prompt instructs the model to respond in kind.
func DetectLanguage(query string) string {
	counts := map[string]int{}
	total := 0
	for _, r := range query {
		if !unicode.IsLetter(r) {
			continue
		}
		total++
		switch {
		case unicode.Is(unicode.Han, r):
			counts["zh"]++
		case unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r):
			counts["ja"]++
		case unicode.Is(unicode.Hangul, r):
			counts["ko"]++
		case unicode.Is(unicode.Cyrillic, r):
			counts["ru"]++
		case unicode.Is(unicode.Arabic, r):
			counts["ar"]++
		case unicode.Is(unicode.Greek, r):
			counts["el"]++
		default:
			counts["en"]++
		}
	}
	if total == 0 {
		return "en"
	}

	best, bestCount := "en", 0
	for lang, n := range counts {
		if n > bestCount {
			best, bestCount = lang, n
		}
	}
	// Japanese text mixes Han and kana; kana presence wins.
	if counts["ja"] > 0 && best == "zh" {
		return "ja"
	}
	return best
}

// languageNames maps detected codes to the instruction wording.
var languageNames = map[string]string{
	"en": "English",
	"zh": "Chinese",
	"ja": "Japanese",
	"ko": "Korean",
	"ru": "Russian",
	"ar": "Arabic",
	"el": "Greek",
}

// OutputLanguageInstruction returns the answer-language clause for the
// answer prompt.
func OutputLanguageInstruction(lang string) string {
	name, ok := languageNames[lang]
	if !ok {
		name = "the same language as the question"
	}
	return fmt.Sprintf("Answer in %s.", name)
}

var mathPattern = regexp.MustCompile(`(?i)\b(total|sum|average|mean|median|percent(age)?|calculate|how (much|many)|difference in)\b|%`)

// RequiresMath reports whether answering will need arithmetic over the
// retrieved chunks.
func RequiresMath(query string, in Intent) bool {
	if in == Aggregation {
		return true
	}
	return mathPattern.MatchString(query)
}

var requestedLangPattern = regexp.MustCompile(`(?i)\bin (?:both )?((?:english|french|german|spanish|italian|portuguese|dutch|chinese|japanese|korean|russian|arabic|turkish)(?:,? (?:and )?(?:english|french|german|spanish|italian|portuguese|dutch|chinese|japanese|korean|russian|arabic|turkish))*)\b`)

var langSplitPattern = regexp.MustCompile(`(?i)english|french|german|spanish|italian|portuguese|dutch|chinese|japanese|korean|russian|arabic|turkish`)

// RequestedLanguages extracts an explicit output-language request from the
// query, e.g. "answer in both French and English". Empty when the query
// does not ask for specific languages.
func RequestedLanguages(query string) []string {
	m := requestedLangPattern.FindStringSubmatch(query)
	if m == nil {
		return nil
	}
	names := langSplitPattern.FindAllString(m[1], -1)
	seen := make(map[string]struct{}, len(names))
	var out []string
	for _, n := range names {
		n = strings.ToLower(n)
		n = strings.ToUpper(n[:1]) + n[1:]
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// styleInstructions phrase the response style for the answer model.
var styleInstructions = map[Style]string{
	StyleConcise:       "Answer in at most a few sentences. No preamble.",
	StyleBalanced:      "Answer clearly and completely, without padding.",
	StyleComprehensive: "Answer thoroughly, covering every relevant detail from the context.",
}

// intentInstructions tailor the answer to what the query shape expects.
var intentInstructions = map[Intent]string{
	SimpleLookup:          "State the requested fact directly.",
	ListEnumeration:       "Enumerate every matching item from the context. Do not omit items.",
	YesNo:                 "Start with yes or no, then justify briefly from the context.",
	DefinitionExplanation: "Define the term as the context defines it.",
	FactualRetrieval:      "Answer only from facts stated in the context.",
	Comparison:            "Compare the subjects point by point using only the context.",
	Aggregation:           "Compute the requested aggregate from the context and show the figures used.",
	Temporal:              "Order events correctly and anchor them to the dates in the context.",
	RelationshipMapping:   "Describe how the entities relate, citing each link from the context.",
	ContextualExplanation: "Explain the cause or reason as the context presents it.",
	NegativeLogic:         "Identify what is excluded. Verify each exclusion against the context.",
	CrossReference:        "Reconcile the sources explicitly; note agreements and contradictions.",
	Synthesis:             "Synthesize across all provided chunks into a coherent summary.",
	DocumentNavigation:    "Point to the section or location in the source material.",
	ExceptionHandling:     "Describe the edge-case behavior exactly as documented.",
}

// BuildSystemPrompt composes the answer-generation system prompt from the
// classified intent and the caller's formatting preferences.
func BuildSystemPrompt(in Intent, rec Recommendation, lang, format string, citations bool, requested []string) string {
	var b strings.Builder
	b.WriteString("You answer questions strictly from the provided context chunks. If the context does not contain the answer, say so.")

	if inst, ok := intentInstructions[in]; ok {
		b.WriteString(" ")
		b.WriteString(inst)
	}
	if inst, ok := styleInstructions[rec.Style]; ok {
		b.WriteString(" ")
		b.WriteString(inst)
	}

	if citations {
		b.WriteString(" Cite the chunk ids you used in [brackets] after each claim.")
	}
	if format == "plain" {
		b.WriteString(" Respond in plain text without markdown formatting.")
	} else {
		b.WriteString(" Respond in markdown.")
	}

	if len(requested) > 0 {
		b.WriteString(" Provide the answer in ")
		b.WriteString(strings.Join(requested, " and "))
		b.WriteString(".")
	} else {
		b.WriteString(" ")
		b.WriteString(OutputLanguageInstruction(lang))
	}
	return b.String()
}
