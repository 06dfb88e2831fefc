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
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/corpusflow/corpusflow/pkg/llm"
	"github.com/corpusflow/corpusflow/pkg/registry"
)

// Classification confidence bands. Pattern scores at or above medium are
// accepted without the LLM ([medium, high) and [high, 1] differ only in
// reporting); scores in [low, medium) are verified against the LLM; below
// low the LLM classifies alone.
const (
	ThresholdHigh        = 0.90
	ThresholdMedium      = 0.70
	ThresholdLow         = 0.50
	ThresholdMultiIntent = 0.85

	// Defaults for the LLM bands; overridable per deployment.
	DefaultThresholdReject   = 0.40
	DefaultThresholdFallback = 0.60
)

// Method records which tier produced a classification.
const (
	MethodPattern  = "pattern"
	MethodVerified = "pattern_verified"
	MethodLLM      = "llm"
	MethodRejected = "rejected"
)

// Request carries a query plus the answer-shaping knobs from the caller.
type Request struct {
	Query     string
	Style     Style
	Format    string // "markdown" or "plain"
	Citations bool
}

// Classification is the outcome for one query.
type Classification struct {
	Intent           Intent         `json:"intent"`
	Confidence       float64        `json:"confidence"`
	Method           string         `json:"method"`
	SecondaryIntents []Intent       `json:"secondary_intents,omitempty"`
	Language         string         `json:"language"`
	Complexity       string         `json:"complexity"`
	RequiresMath     bool           `json:"requires_math"`
	SystemPrompt     string         `json:"system_prompt,omitempty"`
	Recommendation   Recommendation `json:"recommendation"`
	Rejected         bool           `json:"rejected,omitempty"`
}

// ChatClient is the slice of the LLM gateway the classifier needs.
type ChatClient interface {
	Chat(ctx context.Context, req llm.Request) (llm.Response, error)
}

// Classifier runs the two-tier pattern/LLM classification.
type Classifier struct {
	matcher     *Matcher
	client      ChatClient
	model       registry.Model
	learner     *Learner
	qlog        *QueryLogger
	stats       *Stats
	rejectBelow float64
	coerceBelow float64
	logger      *slog.Logger
}

type ClassifierOption func(*Classifier)

// WithThresholds overrides the reject and low-confidence-coercion bands.
func WithThresholds(reject, fallback float64) ClassifierOption {
	return func(c *Classifier) {
		c.rejectBelow = reject
		c.coerceBelow = fallback
	}
}

func WithClassifierLogger(logger *slog.Logger) ClassifierOption {
	return func(c *Classifier) {
		c.logger = logger
	}
}

func NewClassifier(matcher *Matcher, client ChatClient, model registry.Model, learner *Learner, qlog *QueryLogger, opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		matcher:     matcher,
		client:      client,
		model:       model,
		learner:     learner,
		qlog:        qlog,
		stats:       NewStats(),
		rejectBelow: DefaultThresholdReject,
		coerceBelow: DefaultThresholdFallback,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stats returns the live classification counters.
func (c *Classifier) Stats() *Stats { return c.stats }

// Classify places a query. The requested style shapes the recommendation
// and system prompt, never the intent itself.
func (c *Classifier) Classify(ctx context.Context, req Request) (Classification, error) {
	matches := c.matcher.Match(req.Query)

	var result Classification
	switch {
	case len(matches) > 0 && matches[0].Confidence >= ThresholdMedium:
		c.matcher.lib.RecordUse(matches[0].Intent, matches[0].Patterns)
		result = Classification{
			Intent:     matches[0].Intent,
			Confidence: matches[0].Confidence,
			Method:     MethodPattern,
		}

	case len(matches) > 0 && matches[0].Confidence >= ThresholdLow:
		result = c.verify(ctx, req.Query, matches[0])

	default:
		result = c.fallback(ctx, req.Query, matches)
	}

	if result.Rejected {
		c.stats.record(result)
		return result, nil
	}

	result.SecondaryIntents = secondary(matches, result.Intent)
	result.Language = DetectLanguage(req.Query)
	result.Complexity = result.Intent.Complexity()
	result.RequiresMath = RequiresMath(req.Query, result.Intent)
	result.Recommendation = Recommend(result.Intent, req.Style)
	result.SystemPrompt = BuildSystemPrompt(result.Intent, result.Recommendation, result.Language, req.Format, req.Citations, RequestedLanguages(req.Query))
	c.stats.record(result)
	return result, nil
}

// verify checks a medium-band pattern match against the LLM. When they
// agree the confidences reinforce; when they disagree the LLM wins and the
// disagreement feeds the learner. Either outcome moves the accuracy
// tracker on the patterns that fired.
func (c *Classifier) verify(ctx context.Context, query string, top Match) Classification {
	llmIntent, llmConf, err := c.classifyLLM(ctx, query)
	if err != nil {
		// Degraded mode: the pattern answer stands.
		c.logger.Warn("llm verification unavailable, keeping pattern result",
			"intent", top.Intent, "error", err)
		return Classification{Intent: top.Intent, Confidence: top.Confidence, Method: MethodPattern}
	}

	if llmIntent == top.Intent {
		c.matcher.lib.RecordUse(top.Intent, top.Patterns)
		c.recordVerification(top, true)
		conf := top.Confidence
		if llmConf > conf {
			conf = llmConf
		}
		return Classification{Intent: top.Intent, Confidence: conf, Method: MethodVerified}
	}

	c.recordVerification(top, false)
	c.learner.Enqueue(ctx, Example{Query: query, Intent: llmIntent, Confidence: llmConf})
	return c.finishLLM(query, llmIntent, llmConf)
}

// recordVerification persists a verification outcome; persistence failures
// cost bookkeeping, never the classification.
func (c *Classifier) recordVerification(top Match, correct bool) {
	if err := c.matcher.lib.RecordVerification(top.Intent, top.Patterns, correct); err != nil {
		c.logger.Warn("pattern accuracy update failed", "intent", top.Intent, "error", err)
	}
}

// fallback classifies with the LLM when patterns gave nothing usable.
func (c *Classifier) fallback(ctx context.Context, query string, matches []Match) Classification {
	llmIntent, llmConf, err := c.classifyLLM(ctx, query)
	if err != nil {
		if len(matches) > 0 {
			c.logger.Warn("llm fallback unavailable, keeping weak pattern result",
				"intent", matches[0].Intent, "error", err)
			return Classification{Intent: matches[0].Intent, Confidence: matches[0].Confidence, Method: MethodPattern}
		}
		return c.reject(query, 0)
	}

	c.learner.Enqueue(ctx, Example{Query: query, Intent: llmIntent, Confidence: llmConf})
	return c.finishLLM(query, llmIntent, llmConf)
}

// finishLLM applies the reject and low-confidence bands to an LLM result.
// Confidence in [reject, fallback) keeps the request alive but coerces the
// intent to plain factual retrieval and logs the query for review.
func (c *Classifier) finishLLM(query string, in Intent, conf float64) Classification {
	if conf < c.rejectBelow {
		return c.reject(query, conf)
	}
	if conf < c.coerceBelow {
		c.qlog.Append(LowConfidenceLog, LogEntry{
			Timestamp:  time.Now(),
			Query:      query,
			Intent:     string(in),
			Confidence: conf,
			Method:     MethodLLM,
		})
		in = FactualRetrieval
	}
	return Classification{Intent: in, Confidence: conf, Method: MethodLLM}
}

func (c *Classifier) reject(query string, conf float64) Classification {
	c.qlog.Append(RejectedLog, LogEntry{
		Timestamp:  time.Now(),
		Query:      query,
		Confidence: conf,
		Method:     MethodRejected,
	})
	return Classification{Method: MethodRejected, Confidence: conf, Rejected: true}
}

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// classifyLLM asks the model for {"intent", "confidence"}. Transport
// failures surface as errors; malformed model output degrades to factual
// retrieval at half confidence rather than failing the request.
func (c *Classifier) classifyLLM(ctx context.Context, query string) (Intent, float64, error) {
	resp, err := c.client.Chat(ctx, llm.Request{
		Model: c.model.ID,
		Messages: []llm.Message{
			{Role: "system", Content: classifySystemPrompt},
			{Role: "user", Content: classifyPrompt(query)},
		},
		Temperature: 0.0,
		MaxTokens:   128,
	})
	if err != nil {
		return "", 0, err
	}

	in, conf, ok := parseClassification(resp.Content)
	if !ok {
		c.logger.Warn("unparseable classification output, defaulting to factual_retrieval",
			"model", c.model.ID)
		return FactualRetrieval, 0.5, nil
	}
	return in, conf, nil
}

func parseClassification(content string) (Intent, float64, bool) {
	raw := jsonObjectPattern.FindString(content)
	if raw == "" {
		return "", 0, false
	}

	var out struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return "", 0, false
	}

	name := strings.TrimSpace(strings.ToLower(out.Intent))
	if !Valid(name) || out.Confidence < 0 || out.Confidence > 1 {
		return "", 0, false
	}
	return Intent(name), out.Confidence, true
}

// secondary lists additional pattern intents strong enough to count as
// co-intents of the query.
func secondary(matches []Match, primary Intent) []Intent {
	var out []Intent
	for _, m := range matches {
		if m.Intent == primary {
			continue
		}
		if m.Confidence >= ThresholdMultiIntent {
			out = append(out, m.Intent)
		}
	}
	return out
}

// Stats counts classifications by intent and method.
type Stats struct {
	mu       sync.Mutex
	byIntent map[Intent]int64
	byMethod map[string]int64
	rejected int64
	total    int64
}

func NewStats() *Stats {
	return &Stats{
		byIntent: make(map[Intent]int64),
		byMethod: make(map[string]int64),
	}
}

func (s *Stats) record(c Classification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.byMethod[c.Method]++
	if c.Rejected {
		s.rejected++
		return
	}
	s.byIntent[c.Intent]++
}

// Snapshot is the stats payload for the operational endpoint.
type Snapshot struct {
	Total    int64            `json:"total"`
	Rejected int64            `json:"rejected"`
	ByIntent map[Intent]int64 `json:"by_intent"`
	ByMethod map[string]int64 `json:"by_method"`
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Total:    s.total,
		Rejected: s.rejected,
		ByIntent: make(map[Intent]int64, len(s.byIntent)),
		ByMethod: make(map[string]int64, len(s.byMethod)),
	}
	for k, v := range s.byIntent {
		snap.ByIntent[k] = v
	}
	for k, v := range s.byMethod {
		snap.ByMethod[k] = v
	}
	return snap
}
