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
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/corpusflow/corpusflow/pkg/llm"
	"github.com/corpusflow/corpusflow/pkg/registry"
)

const (
	// defaultLearnBatchSize triggers a learning pass once this many
	// examples have accumulated.
	defaultLearnBatchSize = 10

	// learnMinGroup is the minimum examples of one intent needed before
	// patterns are proposed for it.
	learnMinGroup = 3

	// defaultAutoApprove is the proposal confidence at or above which a
	// pattern is added without review.
	defaultAutoApprove = 0.95
)

// Example is a query the LLM classified where patterns fell short. Enough
// of them become candidate patterns.
type Example struct {
	Query      string
	Intent     Intent
	Confidence float64
}

// Learner grows the pattern library from queries the pattern tier missed.
type Learner struct {
	mu      sync.Mutex
	pending []Example

	lib         *Library
	client      ChatClient
	model       registry.Model
	qlog        *QueryLogger
	batchSize   int
	autoApprove float64
	logger      *slog.Logger
}

type LearnerOption func(*Learner)

func WithLearnBatchSize(n int) LearnerOption {
	return func(l *Learner) {
		l.batchSize = n
	}
}

func WithAutoApprove(threshold float64) LearnerOption {
	return func(l *Learner) {
		l.autoApprove = threshold
	}
}

func WithLearnerLogger(logger *slog.Logger) LearnerOption {
	return func(l *Learner) {
		l.logger = logger
	}
}

func NewLearner(lib *Library, client ChatClient, model registry.Model, qlog *QueryLogger, opts ...LearnerOption) *Learner {
	l := &Learner{
		lib:         lib,
		client:      client,
		model:       model,
		qlog:        qlog,
		batchSize:   defaultLearnBatchSize,
		autoApprove: defaultAutoApprove,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Enqueue records one example, mirrored to the learning-queue log. When a
// batch has accumulated it is drained and processed synchronously on the
// caller's goroutine; callers that cannot afford the latency should
// Enqueue from a goroutine of their own.
func (l *Learner) Enqueue(ctx context.Context, ex Example) {
	if ex.Query == "" || !Valid(string(ex.Intent)) {
		return
	}

	if l.qlog != nil {
		l.qlog.Append(LearningQueueLog, LogEntry{
			Timestamp:  time.Now(),
			Query:      ex.Query,
			Intent:     string(ex.Intent),
			Confidence: ex.Confidence,
			Method:     MethodLLM,
		})
	}

	l.mu.Lock()
	l.pending = append(l.pending, ex)
	if len(l.pending) < l.batchSize {
		l.mu.Unlock()
		return
	}
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	l.learn(ctx, batch)
}

// Pending returns the number of examples waiting for a batch.
func (l *Learner) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// learn groups a batch by intent and proposes patterns for each group with
// enough examples.
func (l *Learner) learn(ctx context.Context, batch []Example) {
	groups := make(map[Intent][]Example)
	for _, ex := range batch {
		groups[ex.Intent] = append(groups[ex.Intent], ex)
	}

	for in, examples := range groups {
		if len(examples) < learnMinGroup {
			continue
		}
		if err := l.propose(ctx, in, examples); err != nil {
			l.logger.Warn("pattern learning failed", "intent", in, "error", err)
		}
	}
}

const learnSystemPrompt = `You design regular expressions for a query classifier. Given example queries that all share one intent, propose 1 to 3 Go-syntax regular expressions that match queries like them, each with a confidence in [0,1] that a match truly carries the intent. Be conservative with confidence. Respond ONLY with JSON: {"patterns": [{"pattern": "<regex>", "confidence": <0.0-1.0>}]}.`

func learnPrompt(in Intent, examples []Example) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Intent: %s\n\nExample queries:\n", in)
	for _, ex := range examples {
		fmt.Fprintf(&b, "- %s\n", ex.Query)
	}
	return b.String()
}

func (l *Learner) propose(ctx context.Context, in Intent, examples []Example) error {
	resp, err := l.client.Chat(ctx, llm.Request{
		Model: l.model.ID,
		Messages: []llm.Message{
			{Role: "system", Content: learnSystemPrompt},
			{Role: "user", Content: learnPrompt(in, examples)},
		},
		Temperature: 0.2,
		MaxTokens:   512,
	})
	if err != nil {
		return err
	}

	raw := jsonObjectPattern.FindString(resp.Content)
	if raw == "" {
		return fmt.Errorf("no JSON in proposal response")
	}
	var out struct {
		Patterns []struct {
			Pattern    string  `json:"pattern"`
			Confidence float64 `json:"confidence"`
		} `json:"patterns"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return fmt.Errorf("parsing proposal: %w", err)
	}
	if len(out.Patterns) == 0 {
		return fmt.Errorf("proposal contained no patterns")
	}

	for _, p := range out.Patterns {
		if err := l.adopt(in, p.Pattern, p.Confidence, examples); err != nil {
			l.logger.Warn("proposed pattern discarded",
				"intent", in, "pattern", p.Pattern, "error", err)
		}
	}
	return nil
}

// adopt validates one proposed pattern and adds it when it clears the
// auto-approve bar. A pattern must compile and must match at least one of
// the examples it was derived from.
func (l *Learner) adopt(in Intent, pattern string, conf float64, examples []Example) error {
	if pattern == "" || conf < 0 || conf > 1 {
		return fmt.Errorf("malformed proposal %q conf %v", pattern, conf)
	}

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return fmt.Errorf("does not compile: %w", err)
	}
	var matched []string
	for _, ex := range examples {
		if re.MatchString(ex.Query) {
			matched = append(matched, ex.Query)
		}
	}
	if len(matched) == 0 {
		return fmt.Errorf("matches none of its own examples")
	}

	if conf < l.autoApprove {
		l.logger.Info("learned pattern below auto-approve, discarded",
			"intent", in, "pattern", pattern, "confidence", conf)
		return nil
	}

	if err := l.lib.AddPattern(in, Pattern{
		Pattern:    pattern,
		Confidence: conf,
		Source:     PatternSourceLearned,
		Examples:   matched,
		AddedDate:  time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	l.logger.Info("learned pattern added",
		"intent", in, "pattern", pattern, "confidence", conf)
	return nil
}
