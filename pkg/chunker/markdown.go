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

package chunker

import (
	"regexp"
	"strings"
)

var headingPattern = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*$`)

type mdSection struct {
	path []string
	body []string
}

// splitMarkdown sections the document on headings and records each chunk's
// heading path (e.g. ["Install", "Linux"]). Oversized sections fall back to
// the recursive splitter, all pieces keeping the section's path.
func (c *Chunker) splitMarkdown(text string) []Chunk {
	type level struct {
		depth int
		title string
	}

	splitDepths := make(map[int]bool, len(c.opts.Headers))
	for _, h := range c.opts.Headers {
		if n := strings.Count(h, "#"); n >= 1 && n <= 6 {
			splitDepths[n] = true
		}
	}

	var stack []level
	var sections []mdSection
	cur := mdSection{}

	flush := func() {
		if len(cur.body) > 0 {
			sections = append(sections, cur)
		}
	}

	for _, line := range strings.Split(text, "\n") {
		m := headingPattern.FindStringSubmatch(line)
		if m == nil {
			cur.body = append(cur.body, line)
			continue
		}
		depth := len(m[1])
		if len(splitDepths) > 0 && !splitDepths[depth] {
			// Not a configured split level; the heading stays in the body.
			cur.body = append(cur.body, line)
			continue
		}

		flush()
		for len(stack) > 0 && stack[len(stack)-1].depth >= depth {
			stack = stack[:len(stack)-1]
		}
		stack = append(stack, level{depth: depth, title: m[2]})

		path := make([]string, len(stack))
		for i, l := range stack {
			path[i] = l.title
		}
		cur = mdSection{path: path, body: []string{line}}
	}
	flush()

	var out []Chunk
	for _, sec := range sections {
		body := strings.Join(sec.body, "\n")
		if c.size(body) <= c.opts.ChunkSize {
			out = append(out, Chunk{Text: body, HeadingPath: sec.path})
			continue
		}
		for _, piece := range c.mergeFragments(c.fragment(body, c.separators())) {
			out = append(out, Chunk{Text: piece, HeadingPath: sec.path})
		}
	}
	return out
}

// splitTokens cuts the document into fixed token windows stepping by
// ChunkSize-ChunkOverlap, so consecutive chunks share ChunkOverlap tokens.
func (c *Chunker) splitTokens(text string) ([]Chunk, error) {
	toks := c.counter.Encode(text)
	if len(toks) == 0 {
		return nil, nil
	}

	step := c.opts.ChunkSize - c.opts.ChunkOverlap
	var out []Chunk
	for start := 0; start < len(toks); start += step {
		end := start + c.opts.ChunkSize
		if end > len(toks) {
			end = len(toks)
		}
		out = append(out, Chunk{Text: c.counter.Decode(toks[start:end])})
		if end == len(toks) {
			break
		}
	}
	return out, nil
}
