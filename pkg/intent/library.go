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
	_ "embed"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/corpusflow/corpusflow/pkg/apierr"
)

//go:embed pattern_library.json
var defaultLibrary []byte

// Accuracy tracks LLM-verification outcomes for one pattern. A pattern
// whose incorrect count outgrows its correct count is a candidate for
// manual review.
type Accuracy struct {
	Correct   int `json:"correct"`
	Incorrect int `json:"incorrect"`
}

// Pattern is one classification rule. Confidence is the score awarded on
// match, before boosts and penalties. MatchCount and Accuracy are live
// counters: matches bump MatchCount, verification outcomes bump Accuracy.
type Pattern struct {
	Pattern    string   `json:"pattern"`
	Confidence float64  `json:"confidence"`
	MatchCount int      `json:"match_count"`
	Accuracy   Accuracy `json:"accuracy"`
	Source     string   `json:"source"`
	Examples   []string `json:"examples,omitempty"`
	AddedDate  string   `json:"added_date,omitempty"`

	re *regexp.Regexp
}

// PatternSourceLearned marks patterns added by the learner.
const PatternSourceLearned = "auto_learned"

// intentEntry groups one intent's patterns with its library metadata.
type intentEntry struct {
	Priority    int       `json:"priority,omitempty"`
	Description string    `json:"description,omitempty"`
	Patterns    []Pattern `json:"patterns"`
}

type libraryFile struct {
	Version int                    `json:"version"`
	Intents map[string]intentEntry `json:"intents"`
}

// Library holds the pattern set, hot-reloadable from disk. Reads are
// concurrent; writes (learner additions, counter updates, reloads) are
// exclusive.
type Library struct {
	mu      sync.RWMutex
	path    string
	entries map[Intent]intentEntry
	logger  *slog.Logger
}

// LoadLibrary reads the pattern library at path. A missing file is seeded
// from the built-in library so the learner has somewhere to write.
func LoadLibrary(path string, logger *slog.Logger) (*Library, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Library{path: path, logger: logger}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		data = defaultLibrary
		if writeErr := atomicWrite(path, data); writeErr != nil {
			logger.Warn("could not seed pattern library file, running from built-in",
				"path", path, "error", writeErr)
		}
	} else if err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "reading pattern library %s", path)
	}

	entries, err := parseLibrary(data, logger)
	if err != nil {
		return nil, err
	}
	l.entries = entries
	return l, nil
}

// parseLibrary compiles every pattern case-insensitively. Invalid regexes
// and unknown intents are skipped with a warning, not fatal: one bad
// learned pattern must not take classification down.
func parseLibrary(data []byte, logger *slog.Logger) (map[Intent]intentEntry, error) {
	var file libraryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, apierr.Wrap(apierr.Parse, err, "parsing pattern library")
	}

	out := make(map[Intent]intentEntry, len(file.Intents))
	for name, entry := range file.Intents {
		if !Valid(name) {
			logger.Warn("pattern library names unknown intent, skipping", "intent", name)
			continue
		}
		kept := entry
		kept.Patterns = nil
		for _, p := range entry.Patterns {
			re, err := regexp.Compile("(?i)" + p.Pattern)
			if err != nil {
				logger.Warn("invalid pattern skipped", "intent", name, "pattern", p.Pattern, "error", err)
				continue
			}
			p.re = re
			kept.Patterns = append(kept.Patterns, p)
		}
		out[Intent(name)] = kept
	}
	return out, nil
}

// Patterns returns the patterns for one intent.
func (l *Library) Patterns(i Intent) []Pattern {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[i].Patterns
}

// Counts returns the pattern count per intent, split by source.
func (l *Library) Counts() map[Intent]map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[Intent]map[string]int, len(l.entries))
	for in, entry := range l.entries {
		counts := make(map[string]int)
		for _, p := range entry.Patterns {
			counts[p.Source]++
		}
		out[in] = counts
	}
	return out
}

// AddPattern compiles, registers, and persists a new pattern. An intent
// with no prior entry gets default library metadata.
func (l *Library) AddPattern(i Intent, p Pattern) error {
	re, err := regexp.Compile("(?i)" + p.Pattern)
	if err != nil {
		return apierr.Wrap(apierr.InvalidArgument, err, "invalid pattern %q", p.Pattern)
	}
	p.re = re

	l.mu.Lock()
	entry, ok := l.entries[i]
	if !ok {
		entry = intentEntry{Priority: 2, Description: "Auto-learned patterns for " + string(i)}
	}
	entry.Patterns = append(entry.Patterns, p)
	l.entries[i] = entry
	data, err := l.marshalLocked()
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return atomicWrite(l.path, data)
}

// RecordUse bumps the match counter on the patterns that fired for a
// classification. Counters persist with the next library write.
func (l *Library) RecordUse(i Intent, matched []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.entries[i]
	for idx := range entry.Patterns {
		if containsPattern(matched, entry.Patterns[idx].Pattern) {
			entry.Patterns[idx].MatchCount++
		}
	}
}

// RecordVerification updates the accuracy tracker on the patterns behind a
// Tier-1 result after the LLM confirmed or contradicted it, and persists
// the library.
func (l *Library) RecordVerification(i Intent, matched []string, correct bool) error {
	l.mu.Lock()
	entry := l.entries[i]
	for idx := range entry.Patterns {
		if !containsPattern(matched, entry.Patterns[idx].Pattern) {
			continue
		}
		if correct {
			entry.Patterns[idx].Accuracy.Correct++
		} else {
			entry.Patterns[idx].Accuracy.Incorrect++
		}
	}
	data, err := l.marshalLocked()
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return atomicWrite(l.path, data)
}

func containsPattern(matched []string, pattern string) bool {
	for _, m := range matched {
		if m == pattern {
			return true
		}
	}
	return false
}

func (l *Library) marshalLocked() ([]byte, error) {
	file := libraryFile{Version: 1, Intents: make(map[string]intentEntry, len(l.entries))}
	for in, entry := range l.entries {
		file.Intents[string(in)] = entry
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "marshaling pattern library")
	}
	return data, nil
}

// atomicWrite writes via temp file and rename so readers never see a
// half-written library.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".library-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Watch reloads the library when its file changes on disk, until ctx is
// canceled. External edits (ops tuning patterns by hand) take effect
// without a restart.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return apierr.Wrap(apierr.Internal, err, "creating library watcher")
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return apierr.Wrap(apierr.Internal, err, "watching %s", filepath.Dir(l.path))
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != l.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				l.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("library watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (l *Library) reload() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		l.logger.Warn("library reload failed", "error", err)
		return
	}
	entries, err := parseLibrary(data, l.logger)
	if err != nil {
		l.logger.Warn("library reload failed", "error", err)
		return
	}

	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
	l.logger.Info("pattern library reloaded", "path", l.path)
}
