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
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelaySSESkipsMalformedEvents(t *testing.T) {
	body := strings.NewReader(
		"data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n" +
			"data: not json\n\n" +
			": comment line\n" +
			"data: {\"choices\":[]}\n\n" +
			"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n\n" +
			"data: [DONE]\n\n")

	var got string
	err := relaySSE(body, func(d string) error {
		got += d
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ab", got)
}

func TestRelaySSECallbackErrorAborts(t *testing.T) {
	body := strings.NewReader(
		"data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n" +
			"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n\n")

	boom := errors.New("client went away")
	var count int
	err := relaySSE(body, func(string) error {
		count++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, count)
}

func TestTagFilterWholeTagInOneDelta(t *testing.T) {
	f := newTagFilter("<think>", "</think>")
	assert.Equal(t, "before after", f.Filter("before <think>secret</think>after"))
}

func TestTagFilterSplitAcrossDeltas(t *testing.T) {
	f := newTagFilter("<think>", "</think>")
	var out string
	for _, d := range []string{"ab<th", "ink>hid", "den</th", "ink>cd"} {
		out += f.Filter(d)
	}
	assert.Equal(t, "abcd", out)
}

func TestTagFilterCaseInsensitive(t *testing.T) {
	f := newTagFilter("<think>", "</think>")
	assert.Equal(t, "ok", f.Filter("<THINK>x</Think>ok"))
}

func TestTagFilterAngleBracketPassesThrough(t *testing.T) {
	f := newTagFilter("<think>", "</think>")
	var out string
	// A lone "<" is emitted once the following text rules out a tag.
	out += f.Filter("a < b")
	out += f.Filter(" and a <tag>")
	assert.Equal(t, "a < b and a <tag>", out)
}

func TestTagFilterUnclosedTagSuppressesRest(t *testing.T) {
	f := newTagFilter("<think>", "</think>")
	var out string
	out += f.Filter("visible<think>never closed")
	out += f.Filter(" still hidden")
	assert.Equal(t, "visible", out)
}
