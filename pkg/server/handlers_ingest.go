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
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/corpusflow/corpusflow/pkg/apierr"
	"github.com/corpusflow/corpusflow/pkg/ingestion"
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestion.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := s.deps.Ingestion.Ingest(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type createCollectionRequest struct {
	CollectionName string `json:"collection_name"`
	Description    string `json:"description"`
	Dimension      int    `json:"dimension"`
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req createCollectionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.CollectionName == "" {
		writeError(w, apierr.New(apierr.InvalidArgument, "collection_name is required"))
		return
	}
	if req.Dimension == 0 && s.deps.Embedder != nil {
		req.Dimension = s.deps.Embedder.Dimension()
	}
	if req.Dimension <= 0 {
		writeError(w, apierr.New(apierr.InvalidArgument, "dimension is required"))
		return
	}

	if err := s.deps.Store.EnsureCollection(r.Context(), req.CollectionName, req.Dimension, req.Description); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"collection_name": req.CollectionName,
	})
}

type collectionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	names, err := s.deps.Store.ListCollections(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	infos := make([]collectionInfo, 0, len(names))
	for _, name := range names {
		// Descriptions are best-effort; a race with a concurrent drop
		// should not fail the listing.
		desc, err := s.deps.Store.DescribeCollection(r.Context(), name)
		if err != nil {
			s.logger.Warn("describe collection failed", "collection", name, "error", err)
		}
		infos = append(infos, collectionInfo{Name: name, Description: desc})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"collections": infos,
	})
}

func (s *Server) handleDropCollection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.deps.Store.DropCollection(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"collection_name": name,
	})
}

func (s *Server) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	var req ingestion.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.DocumentID = chi.URLParam(r, "id")

	res, err := s.deps.Ingestion.UpdateDocument(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	collection := r.URL.Query().Get("collection_name")
	if collection == "" {
		writeError(w, apierr.New(apierr.InvalidArgument, "collection_name query parameter is required"))
		return
	}
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		tenantID = "default"
	}

	deleted, err := s.deps.Ingestion.DeleteDocument(r.Context(), collection, tenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"chunks_deleted": deleted,
	})
}
