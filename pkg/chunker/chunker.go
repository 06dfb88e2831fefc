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

// Package chunker splits documents into retrieval-sized chunks. Splitting is
// deterministic: the same input and options always produce the same chunks.
package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/corpusflow/corpusflow/pkg/apierr"
)

// Strategy selects the splitting algorithm.
type Strategy string

const (
	// StrategyRecursive splits on a separator hierarchy, preferring
	// paragraph breaks over sentence breaks over words.
	StrategyRecursive Strategy = "recursive"

	// StrategyMarkdown splits on headings and records the heading path.
	StrategyMarkdown Strategy = "markdown"

	// StrategyToken splits on fixed token windows.
	StrategyToken Strategy = "token"
)

// Options configures a Chunker. Recursive and markdown sizes are in
// characters; token sizes are in tokens of the named encoding.
type Options struct {
	Strategy     Strategy
	ChunkSize    int
	ChunkOverlap int

	// Separators overrides the recursive separator hierarchy, ordered
	// most to least preferred.
	Separators []string

	// Headers restricts markdown splitting to the listed heading markers
	// (e.g. "#", "##"). Empty means all six levels.
	Headers []string

	// Encoding names the tokenizer; empty means DefaultEncoding. Token
	// counts on chunks always use it, the token strategy sizes with it.
	Encoding string
}

// Chunk is one piece of a split document. Index is the position within the
// document and feeds the chunk id.
type Chunk struct {
	Index       int
	Text        string
	HeadingPath []string
	TokenCount  int
}

// ID formats the canonical chunk identifier for a document.
func ID(documentID string, index int) string {
	return fmt.Sprintf("%s_chunk_%04d", documentID, index)
}

// Chunker splits text according to one strategy.
type Chunker struct {
	opts    Options
	counter *tokenCounter
}

func New(opts Options) (*Chunker, error) {
	if opts.ChunkSize <= 0 {
		return nil, apierr.New(apierr.InvalidArgument, "chunk_size must be positive, got %d", opts.ChunkSize)
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		return nil, apierr.New(apierr.InvalidArgument,
			"chunk_overlap must be in [0, chunk_size), got %d for size %d", opts.ChunkOverlap, opts.ChunkSize)
	}
	switch opts.Strategy {
	case StrategyRecursive, StrategyMarkdown, StrategyToken:
	default:
		return nil, apierr.New(apierr.InvalidArgument, "unknown chunking strategy %q", opts.Strategy)
	}

	counter, err := newTokenCounter(opts.Encoding)
	if err != nil {
		return nil, err
	}
	return &Chunker{opts: opts, counter: counter}, nil
}

// size measures text in the strategy's unit: tokens for the token strategy,
// characters otherwise.
func (c *Chunker) size(text string) int {
	if c.opts.Strategy == StrategyToken {
		return c.counter.Count(text)
	}
	return utf8.RuneCountInString(text)
}

// Split chunks text, drops noise chunks, and assigns sequential indexes.
func (c *Chunker) Split(text string) ([]Chunk, error) {
	var raw []Chunk
	var err error

	switch c.opts.Strategy {
	case StrategyRecursive:
		raw = c.splitRecursive(text)
	case StrategyMarkdown:
		raw = c.splitMarkdown(text)
	case StrategyToken:
		raw, err = c.splitTokens(text)
	}
	if err != nil {
		return nil, err
	}

	out := make([]Chunk, 0, len(raw))
	for _, ch := range raw {
		ch.Text = strings.TrimSpace(ch.Text)
		if !keep(ch.Text) {
			continue
		}
		ch.Index = len(out)
		ch.TokenCount = c.counter.Count(ch.Text)
		out = append(out, ch)
	}
	return out, nil
}

// keep rejects empty chunks, separator debris, and fragments too short to
// carry meaning. Heading-only chunks are kept because they anchor sections.
func keep(text string) bool {
	if text == "" {
		return false
	}
	if strings.Trim(text, "-*_ \t\n") == "" {
		return false
	}
	if strings.HasPrefix(text, "#") {
		return true
	}
	alnum := 0
	for _, r := range text {
		if isAlnum(r) {
			alnum++
			if alnum >= 5 {
				return true
			}
		}
	}
	return false
}

func isAlnum(r rune) bool {
	return r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r > 127
}
