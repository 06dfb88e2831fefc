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

// Package registry is the single source of truth for model identifiers and
// downstream service endpoints. It is resolved once at startup for the
// active environment; lookups are O(1) and pure.
package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Task is a logical pipeline task resolved to a concrete model.
type Task string

const (
	TaskIntentDetection    Task = "intent_detection"
	TaskAnswerSimple       Task = "answer_generation_simple"
	TaskAnswerComplex      Task = "answer_generation_complex"
	TaskMetadataExtraction Task = "metadata_extraction"
	TaskCompression        Task = "compression"
	TaskEmbedding          Task = "embedding"
)

// AllTasks enumerates every task the registry must resolve at startup.
var AllTasks = []Task{
	TaskIntentDetection,
	TaskAnswerSimple,
	TaskAnswerComplex,
	TaskMetadataExtraction,
	TaskCompression,
	TaskEmbedding,
}

// Model describes one model the pipeline may call.
type Model struct {
	// ID is the provider-native model identifier.
	ID string `json:"id"`

	// Provider routes the request (nebius, sambanova, jina, openai).
	Provider string `json:"provider"`

	// EmbeddingDimension is nonzero for embedding models only.
	EmbeddingDimension int `json:"embedding_dimension,omitempty"`

	// InputPricePerMTok / OutputPricePerMTok are USD per million tokens.
	InputPricePerMTok  float64 `json:"input_price_per_mtok"`
	OutputPricePerMTok float64 `json:"output_price_per_mtok"`

	// EmitsReasoning marks models whose output carries reasoning tags that
	// must be stripped before returning. StripPattern is the dot-all,
	// case-insensitive regex removing them.
	EmitsReasoning bool   `json:"emits_reasoning,omitempty"`
	StripPattern   string `json:"strip_pattern,omitempty"`
}

// Cost estimates the USD cost of a call.
func (m Model) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1e6*m.InputPricePerMTok +
		float64(completionTokens)/1e6*m.OutputPricePerMTok
}

// defaultStripPattern removes <think>...</think> blocks.
const defaultStripPattern = `(?is)<think>.*?</think>`

// catalog is the built-in model catalog. Task bindings below reference it;
// unknown bindings fail startup.
var catalog = []Model{
	{
		ID:                 "Qwen/Qwen3-32B-fast",
		Provider:           "nebius",
		InputPricePerMTok:  0.20,
		OutputPricePerMTok: 0.60,
		EmitsReasoning:     true,
		StripPattern:       defaultStripPattern,
	},
	{
		ID:                 "meta-llama/Meta-Llama-3.1-8B-Instruct-fast",
		Provider:           "nebius",
		InputPricePerMTok:  0.03,
		OutputPricePerMTok: 0.09,
	},
	{
		ID:                 "Meta-Llama-3.3-70B-Instruct",
		Provider:           "sambanova",
		InputPricePerMTok:  0.60,
		OutputPricePerMTok: 1.20,
	},
	{
		ID:                 "DeepSeek-R1-Distill-Llama-70B",
		Provider:           "sambanova",
		InputPricePerMTok:  0.70,
		OutputPricePerMTok: 1.40,
		EmitsReasoning:     true,
		StripPattern:       defaultStripPattern,
	},
	{
		ID:                 "Qwen/Qwen3-Embedding-8B",
		Provider:           "nebius",
		EmbeddingDimension: 4096,
		InputPricePerMTok:  0.01,
	},
	{
		ID:                 "jina-embeddings-v3",
		Provider:           "jina",
		EmbeddingDimension: 1024,
		InputPricePerMTok:  0.02,
	},
}

// defaultTasks binds each task to a catalog model. Overridable per task via
// MODEL_<TASK> environment variables (e.g. MODEL_INTENT_DETECTION).
var defaultTasks = map[Task]string{
	TaskIntentDetection:    "Qwen/Qwen3-32B-fast",
	TaskAnswerSimple:       "meta-llama/Meta-Llama-3.1-8B-Instruct-fast",
	TaskAnswerComplex:      "Qwen/Qwen3-32B-fast",
	TaskMetadataExtraction: "meta-llama/Meta-Llama-3.1-8B-Instruct-fast",
	TaskCompression:        "meta-llama/Meta-Llama-3.1-8B-Instruct-fast",
	TaskEmbedding:          "Qwen/Qwen3-Embedding-8B",
}

// Registry resolves models, tasks, and service endpoints for one environment.
type Registry struct {
	environment string
	models      map[string]Model
	tasks       map[Task]string
	services    map[string]string
}

// New builds a registry for the environment. services maps logical service
// names (embeddings, rerank, compress, milvus) to base URLs.
//
// Missing task bindings and bindings to unknown models fail together with an
// enumerated list; the registry is authoritative and has no fallbacks.
func New(environment string, services map[string]string) (*Registry, error) {
	r := &Registry{
		environment: environment,
		models:      make(map[string]Model, len(catalog)),
		tasks:       make(map[Task]string, len(AllTasks)),
		services:    make(map[string]string, len(services)),
	}

	for _, m := range catalog {
		r.models[m.ID] = m
	}
	for name, url := range services {
		r.services[name] = strings.TrimRight(url, "/")
	}

	var problems []string
	for _, task := range AllTasks {
		id := defaultTasks[task]
		if override := os.Getenv(taskEnvVar(task)); override != "" {
			id = override
		}
		if id == "" {
			problems = append(problems, fmt.Sprintf("task %s has no model binding", task))
			continue
		}
		if _, ok := r.models[id]; !ok {
			problems = append(problems, fmt.Sprintf("task %s bound to unknown model %q", task, id))
			continue
		}
		r.tasks[task] = id
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("model registry misconfigured for environment %q:\n  - %s",
			environment, strings.Join(problems, "\n  - "))
	}

	return r, nil
}

func taskEnvVar(task Task) string {
	return "MODEL_" + strings.ToUpper(string(task))
}

// Environment returns the environment tag the registry was built for.
func (r *Registry) Environment() string { return r.environment }

// ModelForTask resolves a logical task to its concrete model.
func (r *Registry) ModelForTask(task Task) (Model, error) {
	id, ok := r.tasks[task]
	if !ok {
		return Model{}, fmt.Errorf("unknown task %q", task)
	}
	return r.models[id], nil
}

// Model returns metadata for a model id.
func (r *Registry) Model(id string) (Model, bool) {
	m, ok := r.models[id]
	return m, ok
}

// Provider returns the provider for a model id, or "" when unknown.
func (r *Registry) Provider(id string) string {
	if m, ok := r.models[id]; ok {
		return m.Provider
	}
	return ""
}

// ServiceURL returns the base URL of a logical service.
func (r *Registry) ServiceURL(name string) (string, error) {
	url, ok := r.services[name]
	if !ok || url == "" {
		return "", fmt.Errorf("no URL configured for service %q in environment %q", name, r.environment)
	}
	return url, nil
}

// Models returns the catalog sorted by id, for the /v1/models surface.
func (r *Registry) Models() []Model {
	out := make([]Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
