package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/vecgate/internal/retrieval"
	"github.com/kalambet/vecgate/internal/storage"
)

const (
	maxRequestBodySize  = 1 << 20  // 1MB
	maxDocumentBodySize = 32 << 20 // 32MB
)

// CollectionStore is the part of storage.Store the HTTP layer manages.
type CollectionStore interface {
	ListCollections(ctx context.Context) ([]storage.Collection, error)
	CreateCollection(ctx context.Context, name string, metadata map[string]any) (storage.Collection, bool, error)
	DeleteCollection(ctx context.Context, name string) error
	CountEmbeddings(ctx context.Context, collectionID string) (int, error)
	Ping(ctx context.Context) error
}

// CacheInvalidator is notified when collections are created or deleted.
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

// Deps holds the dependencies of the HTTP handlers.
type Deps struct {
	Store    CollectionStore
	Searcher *retrieval.Searcher
	Cache    CacheInvalidator
	Token    string // empty disables bearer auth
	Logger   *slog.Logger
}

// NewHandler returns the vecgate HTTP API.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/similarity-search", handleSimilaritySearch(deps))

		r.Get("/collections", handleListCollections(deps))
		r.Post("/collections", handleCreateCollection(deps))
		r.Delete("/collections/{name}", handleDeleteCollection(deps))
		r.Post("/collections/{name}/documents", handleAddDocuments(deps))
		r.Delete("/collections/{name}/documents", handleDeleteDocuments(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := deps.Store.Ping(ctx); err != nil {
			deps.Logger.Warn("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "database": "down"})
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
