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

import "strings"

// recursiveSeparators is ordered from most to least semantic: headings,
// horizontal rules, paragraph breaks, lines, sentences, words. The empty
// string means a hard window split.
var recursiveSeparators = []string{
	"\n# ", "\n## ", "\n### ", "\n#### ",
	"\n---\n", "\n***\n", "\n___\n",
	"\n\n", "\n", ". ", " ", "",
}

func (c *Chunker) splitRecursive(text string) []Chunk {
	frags := c.fragment(text, c.separators())
	merged := c.mergeFragments(frags)

	out := make([]Chunk, len(merged))
	for i, m := range merged {
		out[i] = Chunk{Text: m}
	}
	return out
}

func (c *Chunker) separators() []string {
	if len(c.opts.Separators) > 0 {
		return c.opts.Separators
	}
	return recursiveSeparators
}

// fragment breaks text into pieces that each fit ChunkSize, splitting on the
// first separator present and recursing with finer separators on oversized
// pieces. Separators stay attached to the preceding piece so rejoining
// reproduces the original text.
func (c *Chunker) fragment(text string, seps []string) []string {
	if c.size(text) <= c.opts.ChunkSize {
		return []string{text}
	}

	sep := ""
	var rest []string
	for i, s := range seps {
		if s == "" {
			break
		}
		if strings.Contains(text, s) {
			sep = s
			rest = seps[i+1:]
			break
		}
	}

	if sep == "" {
		return c.hardSplit(text)
	}

	var out []string
	for _, piece := range strings.SplitAfter(text, sep) {
		if piece == "" {
			continue
		}
		if c.size(piece) > c.opts.ChunkSize {
			out = append(out, c.fragment(piece, rest)...)
		} else {
			out = append(out, piece)
		}
	}
	return out
}

// hardSplit cuts text into exact windows of the strategy's unit; the last
// resort when no separator exists.
func (c *Chunker) hardSplit(text string) []string {
	if c.opts.Strategy == StrategyToken {
		toks := c.counter.Encode(text)
		var out []string
		for start := 0; start < len(toks); start += c.opts.ChunkSize {
			end := start + c.opts.ChunkSize
			if end > len(toks) {
				end = len(toks)
			}
			out = append(out, c.counter.Decode(toks[start:end]))
		}
		return out
	}

	runes := []rune(text)
	var out []string
	for start := 0; start < len(runes); start += c.opts.ChunkSize {
		end := start + c.opts.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// mergeFragments greedily packs fragments into chunks of at most ChunkSize,
// carrying up to ChunkOverlap of trailing fragments into the next chunk.
func (c *Chunker) mergeFragments(frags []string) []string {
	var chunks []string
	var cur []string
	curSize := 0

	flush := func() {
		chunks = append(chunks, strings.Join(cur, ""))

		var tail []string
		size := 0
		for i := len(cur) - 1; i >= 0; i-- {
			n := c.size(cur[i])
			if size+n > c.opts.ChunkOverlap {
				break
			}
			size += n
			tail = append([]string{cur[i]}, tail...)
		}
		cur = tail
		curSize = size
	}

	for _, f := range frags {
		n := c.size(f)
		if len(cur) > 0 && curSize+n > c.opts.ChunkSize {
			flush()
		}
		cur = append(cur, f)
		curSize += n
	}
	if len(cur) > 0 {
		chunks = append(chunks, strings.Join(cur, ""))
	}
	return chunks
}
