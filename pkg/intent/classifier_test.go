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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpusflow/corpusflow/pkg/llm"
	"github.com/corpusflow/corpusflow/pkg/registry"
)

type fakeChat struct {
	mu      sync.Mutex
	calls   int
	respond func(req llm.Request) (llm.Response, error)
}

func (f *fakeChat) Chat(_ context.Context, req llm.Request) (llm.Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.respond == nil {
		return llm.Response{}, fmt.Errorf("no responder configured")
	}
	return f.respond(req)
}

func (f *fakeChat) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func jsonReply(intent string, conf float64) func(llm.Request) (llm.Response, error) {
	return func(llm.Request) (llm.Response, error) {
		return llm.Response{Content: fmt.Sprintf(`{"intent": %q, "confidence": %v}`, intent, conf)}, nil
	}
}

func newTestClassifier(t *testing.T, libBody string, chat *fakeChat) (*Classifier, string) {
	t.Helper()
	dir := t.TempDir()
	lib := testLibrary(t, libBody)
	model := registry.Model{ID: "test-model", Provider: "nebius"}
	qlog := NewQueryLogger(dir, 7, nil)
	learner := NewLearner(lib, chat, model, qlog)
	return NewClassifier(NewMatcher(lib), chat, model, learner, qlog), dir
}

func classify(t *testing.T, c *Classifier, query string) Classification {
	t.Helper()
	got, err := c.Classify(context.Background(), Request{Query: query, Style: StyleBalanced})
	require.NoError(t, err)
	return got
}

func TestClassifyStrongPatternSkipsLLM(t *testing.T) {
	chat := &fakeChat{}
	c, _ := newTestClassifier(t, `{"version":1,"intents":{
		"comparison":{"patterns":[{"pattern":"^compare","confidence":0.9,"source":"curated"}]}
	}}`, chat)

	got := classify(t, c, "compare the two pumps")
	assert.Equal(t, Comparison, got.Intent)
	assert.Equal(t, MethodPattern, got.Method)
	assert.InDelta(t, 0.99, got.Confidence, 1e-9)
	assert.Equal(t, 0, chat.callCount())
	assert.Equal(t, 2048, got.Recommendation.MaxTokens)
	assert.Equal(t, "en", got.Language)
	assert.Equal(t, "moderate", got.Complexity)
	assert.NotEmpty(t, got.SystemPrompt)
}

func TestClassifyMediumPatternUsedDirectly(t *testing.T) {
	chat := &fakeChat{}
	c, _ := newTestClassifier(t, `{"version":1,"intents":{
		"comparison":{"patterns":[{"pattern":"^compare","confidence":0.7,"source":"curated"}]}
	}}`, chat)

	// 0.7 x1.10 = 0.77: inside the direct-use band, no verification.
	got := classify(t, c, "compare the two pumps")
	assert.Equal(t, Comparison, got.Intent)
	assert.Equal(t, MethodPattern, got.Method)
	assert.Equal(t, 0, chat.callCount())
}

func TestClassifyVerifyAgreement(t *testing.T) {
	chat := &fakeChat{respond: jsonReply("comparison", 0.85)}
	c, _ := newTestClassifier(t, `{"version":1,"intents":{
		"comparison":{"patterns":[{"pattern":"^compare","confidence":0.55,"source":"curated"}]}
	}}`, chat)

	// 0.55 x1.10 = 0.605: verify band.
	got := classify(t, c, "compare the two pumps")
	assert.Equal(t, Comparison, got.Intent)
	assert.Equal(t, MethodVerified, got.Method)
	// Agreement keeps the stronger of the two confidences.
	assert.InDelta(t, 0.85, got.Confidence, 1e-9)
	assert.Equal(t, 1, chat.callCount())
}

func TestClassifyVerifyDisagreementLLMWins(t *testing.T) {
	chat := &fakeChat{respond: jsonReply("synthesis", 0.8)}
	c, _ := newTestClassifier(t, `{"version":1,"intents":{
		"comparison":{"patterns":[{"pattern":"^compare","confidence":0.55,"source":"curated"}]}
	}}`, chat)

	got := classify(t, c, "compare and summarize everything")
	assert.Equal(t, Synthesis, got.Intent)
	assert.Equal(t, MethodLLM, got.Method)
	assert.InDelta(t, 0.8, got.Confidence, 1e-9)
	// The disagreement queues an example for the learner.
	assert.Equal(t, 1, c.learner.Pending())
}

func TestClassifyVerifyMovesAccuracyTracker(t *testing.T) {
	chat := &fakeChat{respond: jsonReply("comparison", 0.85)}
	c, _ := newTestClassifier(t, `{"version":1,"intents":{
		"comparison":{"patterns":[{"pattern":"^compare","confidence":0.55,"source":"curated"}]}
	}}`, chat)

	classify(t, c, "compare the two pumps")
	got := c.matcher.lib.Patterns(Comparison)[0]
	assert.Equal(t, Accuracy{Correct: 1}, got.Accuracy)
	assert.Equal(t, 1, got.MatchCount)

	chat.respond = jsonReply("synthesis", 0.8)
	classify(t, c, "compare and summarize everything")
	got = c.matcher.lib.Patterns(Comparison)[0]
	assert.Equal(t, Accuracy{Correct: 1, Incorrect: 1}, got.Accuracy)
}

func TestClassifyVerifyDegradesOnLLMError(t *testing.T) {
	chat := &fakeChat{respond: func(llm.Request) (llm.Response, error) {
		return llm.Response{}, fmt.Errorf("provider down")
	}}
	c, _ := newTestClassifier(t, `{"version":1,"intents":{
		"comparison":{"patterns":[{"pattern":"^compare","confidence":0.55,"source":"curated"}]}
	}}`, chat)

	got := classify(t, c, "compare the two pumps")
	assert.Equal(t, Comparison, got.Intent)
	assert.Equal(t, MethodPattern, got.Method)
	assert.False(t, got.Rejected)
}

func TestClassifyFallbackCoercesLowConfidence(t *testing.T) {
	chat := &fakeChat{respond: jsonReply("temporal", 0.55)}
	c, dir := newTestClassifier(t, `{"version":1,"intents":{}}`, chat)

	got := classify(t, c, "something patterns never saw")
	// Below the fallback band the intent is coerced to plain retrieval.
	assert.Equal(t, FactualRetrieval, got.Intent)
	assert.Equal(t, MethodLLM, got.Method)
	assert.False(t, got.Rejected)

	data, err := os.ReadFile(filepath.Join(dir, LowConfidenceLog))
	require.NoError(t, err)
	assert.Contains(t, string(data), "something patterns never saw")
	assert.Contains(t, string(data), "temporal")
}

func TestClassifyFallbackAcceptsConfidentLLM(t *testing.T) {
	chat := &fakeChat{respond: jsonReply("temporal", 0.9)}
	c, dir := newTestClassifier(t, `{"version":1,"intents":{}}`, chat)

	got := classify(t, c, "what changed between 1999 and 2004")
	assert.Equal(t, Temporal, got.Intent)
	assert.Equal(t, MethodLLM, got.Method)

	_, err := os.Stat(filepath.Join(dir, LowConfidenceLog))
	assert.True(t, os.IsNotExist(err))
}

func TestClassifyFallbackRejectsBelowThreshold(t *testing.T) {
	chat := &fakeChat{respond: jsonReply("yes_no", 0.3)}
	c, dir := newTestClassifier(t, `{"version":1,"intents":{}}`, chat)

	got := classify(t, c, "asdf qwerty")
	assert.True(t, got.Rejected)
	assert.Equal(t, MethodRejected, got.Method)

	data, err := os.ReadFile(filepath.Join(dir, RejectedLog))
	require.NoError(t, err)
	assert.Contains(t, string(data), "asdf qwerty")
}

func TestClassifyFallbackRejectsWhenLLMUnreachableAndNoPatterns(t *testing.T) {
	chat := &fakeChat{respond: func(llm.Request) (llm.Response, error) {
		return llm.Response{}, fmt.Errorf("provider down")
	}}
	c, _ := newTestClassifier(t, `{"version":1,"intents":{}}`, chat)

	got := classify(t, c, "anything at all")
	assert.True(t, got.Rejected)
}

func TestClassifyFallbackKeepsWeakPatternWhenLLMUnreachable(t *testing.T) {
	chat := &fakeChat{respond: func(llm.Request) (llm.Response, error) {
		return llm.Response{}, fmt.Errorf("provider down")
	}}
	c, _ := newTestClassifier(t, `{"version":1,"intents":{
		"yes_no":{"patterns":[{"pattern":"^is ","confidence":0.4,"source":"curated"}]}
	}}`, chat)

	got := classify(t, c, "is it fine")
	assert.Equal(t, YesNo, got.Intent)
	assert.Equal(t, MethodPattern, got.Method)
	assert.False(t, got.Rejected)
}

func TestClassifyMalformedLLMOutputDefaultsToFactual(t *testing.T) {
	chat := &fakeChat{respond: func(llm.Request) (llm.Response, error) {
		return llm.Response{Content: "sure, that looks like a temporal query"}, nil
	}}
	c, _ := newTestClassifier(t, `{"version":1,"intents":{}}`, chat)

	got := classify(t, c, "whatever this is")
	assert.False(t, got.Rejected)
	assert.Equal(t, FactualRetrieval, got.Intent)
	assert.InDelta(t, 0.5, got.Confidence, 1e-9)
}

func TestClassifySecondaryIntents(t *testing.T) {
	chat := &fakeChat{}
	c, _ := newTestClassifier(t, `{"version":1,"intents":{
		"comparison":{"patterns":[{"pattern":"^compare","confidence":0.92,"source":"curated"}]},
		"temporal":{"patterns":[{"pattern":"timeline","confidence":0.8,"source":"curated"}]}
	}}`, chat)

	got := classify(t, c, "compare the timeline of both")
	assert.Equal(t, Comparison, got.Intent)
	// temporal scores 0.8 x1.10 = 0.88, above the multi-intent bar.
	assert.Equal(t, []Intent{Temporal}, got.SecondaryIntents)
}

func TestClassifyRequiresMath(t *testing.T) {
	chat := &fakeChat{}
	c, _ := newTestClassifier(t, `{"version":1,"intents":{
		"aggregation":{"patterns":[{"pattern":"total weight","confidence":0.9,"source":"curated"}]},
		"yes_no":{"patterns":[{"pattern":"^is the","confidence":0.9,"source":"curated"}]}
	}}`, chat)

	got := classify(t, c, "total weight of all parts")
	assert.True(t, got.RequiresMath)
	assert.Equal(t, "complex", got.Complexity)

	got = classify(t, c, "is the valve open by default")
	assert.False(t, got.RequiresMath)
	assert.Equal(t, "simple", got.Complexity)
}

func TestStatsSnapshot(t *testing.T) {
	chat := &fakeChat{respond: jsonReply("yes_no", 0.3)}
	c, _ := newTestClassifier(t, `{"version":1,"intents":{
		"comparison":{"patterns":[{"pattern":"^compare","confidence":0.9,"source":"curated"}]}
	}}`, chat)

	classify(t, c, "compare a and b")
	classify(t, c, "compare c and d")
	classify(t, c, "gibberish")

	snap := c.Stats().Snapshot()
	assert.Equal(t, int64(3), snap.Total)
	assert.Equal(t, int64(1), snap.Rejected)
	assert.Equal(t, int64(2), snap.ByIntent[Comparison])
	assert.Equal(t, int64(2), snap.ByMethod[MethodPattern])
	assert.Equal(t, int64(1), snap.ByMethod[MethodRejected])
}
