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
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/corpusflow/corpusflow/pkg/apierr"
)

// DefaultEncoding is the tokenizer used when a request names none.
const DefaultEncoding = "cl100k_base"

var (
	encodingsMu sync.Mutex
	encodings   = map[string]*tiktoken.Tiktoken{}
)

// tokenCounter counts tokens for one encoding. Encodings are loaded once
// per process; loading pulls the BPE ranks, which is too slow to repeat.
type tokenCounter struct {
	encoding *tiktoken.Tiktoken
}

func newTokenCounter(name string) (*tokenCounter, error) {
	if name == "" {
		name = DefaultEncoding
	}

	encodingsMu.Lock()
	defer encodingsMu.Unlock()
	enc, ok := encodings[name]
	if !ok {
		var err error
		enc, err = tiktoken.GetEncoding(name)
		if err != nil {
			return nil, apierr.Wrap(apierr.InvalidArgument, err, "unknown tokenizer encoding %q", name)
		}
		encodings[name] = enc
	}
	return &tokenCounter{encoding: enc}, nil
}

func (tc *tokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

func (tc *tokenCounter) Encode(text string) []int {
	return tc.encoding.Encode(text, nil, nil)
}

func (tc *tokenCounter) Decode(tokens []int) string {
	return tc.encoding.Decode(tokens)
}
