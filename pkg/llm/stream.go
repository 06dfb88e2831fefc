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

package llm

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/corpusflow/corpusflow/pkg/apierr"
)

// relaySSE reads an OpenAI-style SSE body and feeds content deltas to fn.
// Malformed events are skipped rather than failing the whole stream.
func relaySSE(body io.Reader, fn StreamFunc) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			if data == "[DONE]" {
				return nil
			}
			continue
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			if err := fn(delta); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return apierr.Wrap(apierr.Upstream, err, "reading stream")
	}
	return nil
}

// tagFilter suppresses everything between an opening and closing tag in a
// streamed text, even when the tags straddle delta boundaries. Matching is
// case-insensitive.
type tagFilter struct {
	openTag  string
	closeTag string
	inside   bool
	pending  string
}

func newTagFilter(openTag, closeTag string) *tagFilter {
	return &tagFilter{openTag: strings.ToLower(openTag), closeTag: strings.ToLower(closeTag)}
}

// Filter returns the visible portion of the stream so far. Text that could
// be the start of a tag is held back until disambiguated.
func (f *tagFilter) Filter(delta string) string {
	f.pending += delta
	var out strings.Builder

	for {
		lower := strings.ToLower(f.pending)

		if f.inside {
			idx := strings.Index(lower, f.closeTag)
			if idx < 0 {
				// Keep only a potential tag prefix; discard the rest.
				f.pending = tailPrefix(f.pending, lower, f.closeTag)
				return out.String()
			}
			f.pending = f.pending[idx+len(f.closeTag):]
			f.inside = false
			continue
		}

		idx := strings.Index(lower, f.openTag)
		if idx < 0 {
			keep := tailPrefix(f.pending, lower, f.openTag)
			out.WriteString(f.pending[:len(f.pending)-len(keep)])
			f.pending = keep
			return out.String()
		}
		out.WriteString(f.pending[:idx])
		f.pending = f.pending[idx+len(f.openTag):]
		f.inside = true
	}
}

// tailPrefix returns the longest suffix of s that is a proper prefix of tag.
func tailPrefix(s, lower, tag string) string {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, lower[len(lower)-n:]) {
			return s[len(s)-n:]
		}
	}
	return ""
}
