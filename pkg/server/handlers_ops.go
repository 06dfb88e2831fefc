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

package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/corpusflow/corpusflow/pkg/cache"
)

type serviceHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleHealth probes every downstream in parallel with one shared
// deadline. Any failure degrades the aggregate to 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.healthTimeout)
	defer cancel()

	services := make(map[string]serviceHealth, len(s.deps.Probes))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, probe := range s.deps.Probes {
		wg.Add(1)
		go func(name string, probe Probe) {
			defer wg.Done()
			sh := serviceHealth{Status: "ok"}
			if err := probe(ctx); err != nil {
				sh = serviceHealth{Status: "unhealthy", Error: err.Error()}
			}
			mu.Lock()
			services[name] = sh
			mu.Unlock()
		}(name, probe)
	}
	wg.Wait()

	status, httpStatus := "ok", http.StatusOK
	for _, sh := range services {
		if sh.Status != "ok" {
			status, httpStatus = "degraded", http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, httpStatus, map[string]any{
		"status":   status,
		"services": services,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        s.version,
		"environment":    s.environment,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"requests_total": s.requests.Load(),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models": s.deps.Registry.Models(),
	})
}

func (s *Server) handleIntentStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.IntentStats())
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	stats := make(map[string]cache.Stats, len(s.deps.Caches))
	for name, c := range s.deps.Caches {
		stats[name] = c.CacheStats()
	}
	writeJSON(w, http.StatusOK, map[string]any{"caches": stats})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, _ *http.Request) {
	cleared := make([]string, 0, len(s.deps.Caches))
	for name, c := range s.deps.Caches {
		c.CacheClear()
		cleared = append(cleared, name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"cleared": cleared,
	})
}
