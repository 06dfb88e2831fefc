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
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// RejectedLog collects queries no classifier tier could place.
	RejectedLog = "rejected_queries.jsonl"

	// LowConfidenceLog collects queries answered below the fallback
	// threshold; review feeds the pattern library.
	LowConfidenceLog = "low_confidence_queries.jsonl"

	// LearningQueueLog records every LLM-classified query fed to the
	// pattern learner.
	LearningQueueLog = "learning_queue.jsonl"
)

// LogEntry is one JSONL record in the query logs.
type LogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Query      string    `json:"query"`
	Intent     string    `json:"intent,omitempty"`
	Confidence float64   `json:"confidence"`
	Method     string    `json:"method"`
}

// QueryLogger appends classification outcomes to JSONL files and prunes
// entries past the retention window.
type QueryLogger struct {
	mu        sync.Mutex
	dir       string
	retention time.Duration
	logger    *slog.Logger
}

func NewQueryLogger(dir string, retentionDays int, logger *slog.Logger) *QueryLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryLogger{
		dir:       dir,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger,
	}
}

// Append writes one entry. Logging failures are reported, never fatal:
// classification outcomes outrank their audit trail.
func (q *QueryLogger) Append(file string, entry LogEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		q.logger.Warn("query log directory unavailable", "dir", q.dir, "error", err)
		return
	}

	f, err := os.OpenFile(filepath.Join(q.dir, file), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		q.logger.Warn("query log open failed", "file", file, "error", err)
		return
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		q.logger.Warn("query log marshal failed", "error", err)
		return
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		q.logger.Warn("query log write failed", "file", file, "error", err)
	}
}

// Cleanup rewrites each log keeping only entries within the retention
// window.
func (q *QueryLogger) Cleanup() {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-q.retention)
	for _, file := range []string{RejectedLog, LowConfidenceLog, LearningQueueLog} {
		q.pruneFile(filepath.Join(q.dir, file), cutoff)
	}
}

func (q *QueryLogger) pruneFile(path string, cutoff time.Time) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		q.logger.Warn("query log prune open failed", "path", path, "error", err)
		return
	}

	var kept [][]byte
	dropped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var entry LogEntry
		if err := json.Unmarshal(line, &entry); err != nil || entry.Timestamp.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, append([]byte(nil), line...))
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		q.logger.Warn("query log prune read failed", "path", path, "error", err)
		return
	}
	if dropped == 0 {
		return
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".prune-*.jsonl")
	if err != nil {
		q.logger.Warn("query log prune failed", "path", path, "error", err)
		return
	}
	w := bufio.NewWriter(tmp)
	for _, line := range kept {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err == nil {
		err = tmp.Close()
		if err == nil {
			err = os.Rename(tmp.Name(), path)
		}
	} else {
		tmp.Close()
	}
	if err != nil {
		os.Remove(tmp.Name())
		q.logger.Warn("query log prune failed", "path", path, "error", err)
		return
	}
	q.logger.Info("query log pruned", "path", path, "dropped", dropped, "kept", len(kept))
}

// RunCleanup prunes daily until ctx is canceled.
func (q *QueryLogger) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Cleanup()
		}
	}
}
