package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/vecgate/internal/retrieval"
)

// CollectionInfo is a collection as listed by GET /collections.
type CollectionInfo struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Documents int            `json:"documents"`
}

type createCollectionRequest struct {
	Name     string         `json:"name" validate:"required,max=255"`
	Metadata map[string]any `json:"metadata"`
}

// DocumentInput is one document of POST /collections/{name}/documents.
type DocumentInput struct {
	ID          string         `json:"id" validate:"omitempty,uuid"`
	PageContent string         `json:"pageContent"`
	Metadata    map[string]any `json:"metadata"`
	Embedding   []float32      `json:"embedding" validate:"required,min=1"`
}

type addDocumentsRequest struct {
	Documents []DocumentInput `json:"documents" validate:"required,min=1,dive"`
}

type deleteDocumentsRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,dive,uuid"`
}

func handleListCollections(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Store.ListCollections(r.Context())
		if err != nil {
			writeError(w, deps.Logger, "list collections", err)
			return
		}

		out := make([]CollectionInfo, 0, len(list))
		for _, c := range list {
			n, err := deps.Store.CountEmbeddings(r.Context(), c.ID)
			if err != nil {
				writeError(w, deps.Logger, "count embeddings", err)
				return
			}
			out = append(out, CollectionInfo{ID: c.ID, Name: c.Name, Metadata: c.Metadata, Documents: n})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleCreateCollection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createCollectionRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}

		c, created, err := deps.Store.CreateCollection(r.Context(), req.Name, req.Metadata)
		if err != nil {
			writeError(w, deps.Logger, "create collection", err)
			return
		}

		code := http.StatusOK
		if created {
			code = http.StatusCreated
			invalidate(deps, r)
			deps.Logger.Info("collection created", "name", c.Name, "id", c.ID)
		}
		writeJSON(w, code, CollectionInfo{ID: c.ID, Name: c.Name, Metadata: c.Metadata})
	}
}

func handleDeleteCollection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := deps.Store.DeleteCollection(r.Context(), name); err != nil {
			writeError(w, deps.Logger, "delete collection", err)
			return
		}
		invalidate(deps, r)
		deps.Logger.Info("collection deleted", "name", name)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleAddDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addDocumentsRequest
		if !decodeBody(w, r, maxDocumentBodySize, &req) {
			return
		}

		docs := make([]retrieval.Document, len(req.Documents))
		for i, d := range req.Documents {
			docs[i] = retrieval.Document{
				ID:          d.ID,
				PageContent: d.PageContent,
				Metadata:    d.Metadata,
				Embedding:   d.Embedding,
			}
		}

		ids, err := deps.Searcher.AddDocuments(r.Context(), chi.URLParam(r, "name"), docs)
		if err != nil {
			writeError(w, deps.Logger, "add documents", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ids": ids})
	}
}

func handleDeleteDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req deleteDocumentsRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}

		n, err := deps.Searcher.DeleteDocuments(r.Context(), chi.URLParam(r, "name"), req.IDs)
		if err != nil {
			writeError(w, deps.Logger, "delete documents", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
	}
}

func invalidate(deps Deps, r *http.Request) {
	if deps.Cache == nil {
		return
	}
	if err := deps.Cache.Invalidate(r.Context()); err != nil {
		deps.Logger.Warn("collection cache invalidation failed", "error", err)
	}
}
