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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpusflow/corpusflow/pkg/apierr"
	"github.com/corpusflow/corpusflow/pkg/httpclient"
	"github.com/corpusflow/corpusflow/pkg/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New("dev", nil)
	require.NoError(t, err)
	return reg
}

func fakeProvider(t *testing.T, content string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": content}},
			},
			"usage": map[string]int{"prompt_tokens": 100, "completion_tokens": 50},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestGateway(t *testing.T, srvURL string) *Gateway {
	t.Helper()
	g, err := New(testRegistry(t),
		httpclient.New(httpclient.WithMaxRetries(1)),
		map[string]string{"nebius": "test-key", "sambanova": "test-key"},
		WithBaseURL("nebius", srvURL),
		WithBaseURL("sambanova", srvURL),
		WithCache(10, time.Minute),
	)
	require.NoError(t, err)
	return g
}

func TestChatStripsReasoningTags(t *testing.T) {
	srv := fakeProvider(t, "<think>let me reason\nabout this</think>The answer is 42.", nil)
	defer srv.Close()

	g := newTestGateway(t, srv.URL)
	resp, err := g.Chat(context.Background(), Request{
		Model:    "Qwen/Qwen3-32B-fast",
		Messages: []Message{{Role: "user", Content: "q"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "The answer is 42.", resp.Content)
	assert.Equal(t, "nebius", resp.Provider)
	assert.Equal(t, 100, resp.PromptTokens)
	assert.Greater(t, resp.CostUSD, 0.0)
}

func TestReasoningTagsDerivedFromStripPattern(t *testing.T) {
	open, close := reasoningTags(`(?is)<think>.*?</think>`)
	assert.Equal(t, "<think>", open)
	assert.Equal(t, "</think>", close)

	// A model with different tags gets its own pair, not the default.
	open, close = reasoningTags(`(?is)<reasoning>.*?</reasoning>`)
	assert.Equal(t, "<reasoning>", open)
	assert.Equal(t, "</reasoning>", close)

	// Patterns too complex to reduce to one literal pair fall back.
	open, close = reasoningTags(`(?is)<(think|scratch)>.*?</(think|scratch)>`)
	assert.Equal(t, "<think>", open)
	assert.Equal(t, "</think>", close)
}

func TestChatLeavesPlainModelsAlone(t *testing.T) {
	srv := fakeProvider(t, "<think>not stripped for this model</think>ok", nil)
	defer srv.Close()

	g := newTestGateway(t, srv.URL)
	resp, err := g.Chat(context.Background(), Request{
		Model:    "meta-llama/Meta-Llama-3.1-8B-Instruct-fast",
		Messages: []Message{{Role: "user", Content: "q"}},
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "<think>")
}

func TestChatCachesIdenticalRequests(t *testing.T) {
	var calls atomic.Int32
	srv := fakeProvider(t, "cached answer", &calls)
	defer srv.Close()

	g := newTestGateway(t, srv.URL)
	req := Request{
		Model:       "meta-llama/Meta-Llama-3.1-8B-Instruct-fast",
		Messages:    []Message{{Role: "user", Content: "same question"}},
		Temperature: 0.2,
	}

	first, err := g.Chat(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := g.Chat(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.GreaterOrEqual(t, second.CacheAge, time.Duration(0))
	assert.Equal(t, int32(1), calls.Load())

	// Different temperature is a different request.
	req.Temperature = 0.9
	third, err := g.Chat(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, int32(2), calls.Load())
}

func TestChatUnknownModel(t *testing.T) {
	g := newTestGateway(t, "http://unused")
	_, err := g.Chat(context.Background(), Request{Model: "nope"})
	require.Error(t, err)
	assert.Equal(t, apierr.InvalidArgument, apierr.KindOf(err))
}

func TestChatMissingProviderKey(t *testing.T) {
	g, err := New(testRegistry(t), httpclient.New(), map[string]string{}, WithCache(10, time.Minute))
	require.NoError(t, err)

	_, err = g.Chat(context.Background(), Request{
		Model:    "meta-llama/Meta-Llama-3.1-8B-Instruct-fast",
		Messages: []Message{{Role: "user", Content: "q"}},
	})
	require.Error(t, err)
	assert.Equal(t, apierr.Unauthorized, apierr.KindOf(err))
}

func TestChatStreamRelaysDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var wire chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&wire))
		assert.True(t, wire.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hello", " ", "world"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL)

	var got string
	err := g.ChatStream(context.Background(), Request{
		Model:    "meta-llama/Meta-Llama-3.1-8B-Instruct-fast",
		Messages: []Message{{Role: "user", Content: "q"}},
	}, func(delta string) error {
		got += delta
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", got)
}

func TestChatStreamFiltersReasoning(t *testing.T) {
	// Tags split across delta boundaries must still be removed.
	deltas := []string{"<thi", "nk>hidden ", "chain</think>vis", "ible"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL)

	var got string
	err := g.ChatStream(context.Background(), Request{
		Model:    "Qwen/Qwen3-32B-fast",
		Messages: []Message{{Role: "user", Content: "q"}},
	}, func(delta string) error {
		got += delta
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "visible", got)
}

func TestChatStreamBypassesCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL)
	req := Request{
		Model:    "meta-llama/Meta-Llama-3.1-8B-Instruct-fast",
		Messages: []Message{{Role: "user", Content: "q"}},
	}

	for i := 0; i < 2; i++ {
		err := g.ChatStream(context.Background(), req, func(string) error { return nil })
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), calls.Load())
}
