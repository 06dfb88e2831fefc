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

import "fmt"

// Counts shapes how much of each field the extraction prompt asks for.
// Values are free-form so ranges work: "5", "5-10", "1-2 sentences".
type Counts struct {
	Keywords      string `json:"keywords_count"`
	Topics        string `json:"topics_count"`
	Questions     string `json:"questions_count"`
	SummaryLength string `json:"summary_length"`
}

// DefaultCounts returns the prompt defaults.
func DefaultCounts() Counts {
	return Counts{Keywords: "5", Topics: "3", Questions: "3", SummaryLength: "1-2 sentences"}
}

func (c Counts) withDefaults() Counts {
	d := DefaultCounts()
	if c.Keywords == "" {
		c.Keywords = d.Keywords
	}
	if c.Topics == "" {
		c.Topics = d.Topics
	}
	if c.Questions == "" {
		c.Questions = d.Questions
	}
	if c.SummaryLength == "" {
		c.SummaryLength = d.SummaryLength
	}
	return c
}

const systemPromptFormat = `You are a metadata extraction engine. You read a text chunk and return ONLY a JSON object, with no commentary, matching this schema:

{
  "keywords": "the %s most important exact terms from the text, separated by | ",
  "topics": "%s broader subject areas, separated by | ",
  "questions": "%s questions this text answers, separated by | ",
  "summary": "a %s summary",
  "semantic_keywords": "synonyms and related terms NOT already in keywords, separated by | ",
  "entity_relationships": "entity → relation → entity triplets, separated by | ",
  "attributes": "name: value pairs found in the text, separated by | "
}

Rules:
- Extract real values from the text. Never echo field descriptions back.
- entity_relationships entries must have the form A → B → C.
- Keep the summary under 1000 characters.
- Respond in the language of the source text.`

func buildSystemPrompt(c Counts) string {
	return fmt.Sprintf(systemPromptFormat, c.Keywords, c.Topics, c.Questions, c.SummaryLength)
}

func buildPrompt(text string) string {
	return fmt.Sprintf("Extract metadata from this text chunk:\n\n%s", text)
}
