package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/vecgate/internal/metrics"
	"github.com/kalambet/vecgate/internal/observability"
)

var (
	// ErrInvalidRequest marks caller mistakes other than a bad filter.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrDocumentConflict is returned when a document id is already used
	// by a different collection.
	ErrDocumentConflict = errors.New("document id belongs to another collection")
)

// Resolver maps a collection name to its UUID.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// SearchRequest is a similarity search as received from a client.
type SearchRequest struct {
	Query            []float32
	K                int
	Filter           json.RawMessage
	IncludeEmbedding bool
	CollectionName   string
}

// SearcherConfig bounds the k a caller may ask for.
type SearcherConfig struct {
	Strategy DistanceStrategy
	DefaultK int
	MaxK     int
}

// Searcher resolves collections and runs searches against a VectorStore.
type Searcher struct {
	store    VectorStore
	resolver Resolver
	cfg      SearcherConfig
	logger   *slog.Logger
}

func NewSearcher(store VectorStore, resolver Resolver, cfg SearcherConfig, logger *slog.Logger) *Searcher {
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 4
	}
	if cfg.MaxK < cfg.DefaultK {
		cfg.MaxK = cfg.DefaultK
	}
	if cfg.Strategy == "" {
		cfg.Strategy = Cosine
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{store: store, resolver: resolver, cfg: cfg, logger: logger}
}

// Strategy reports the distance strategy searches are ranked by.
func (s *Searcher) Strategy() DistanceStrategy { return s.cfg.Strategy }

// Search returns the k nearest documents of the named collection.
func (s *Searcher) Search(ctx context.Context, req SearchRequest) (matches []Match, err error) {
	k := s.clampK(req.K)

	ctx, span := observability.StartSearchSpan(ctx, req.CollectionName, k, string(s.cfg.Strategy))
	start := time.Now()
	defer func() {
		metrics.SearchDuration.Observe(time.Since(start).Seconds())
		metrics.SearchRequests.WithLabelValues(searchStatus(err)).Inc()
		observability.RecordError(span, err)
		span.End()
	}()

	if req.CollectionName == "" {
		return nil, fmt.Errorf("%w: collectionName is required", ErrInvalidRequest)
	}
	if len(req.Query) == 0 {
		return nil, fmt.Errorf("%w: query vector is empty", ErrInvalidRequest)
	}

	filter, err := ParseFilter(req.Filter)
	if err != nil {
		return nil, err
	}

	collectionID, err := s.resolver.Resolve(ctx, req.CollectionName)
	if err != nil {
		return nil, err
	}

	matches, err = s.store.Search(ctx, SearchQuery{
		CollectionID:     collectionID,
		Vector:           req.Query,
		K:                k,
		Filter:           filter,
		IncludeEmbedding: req.IncludeEmbedding,
	})
	if err != nil {
		return nil, fmt.Errorf("searching collection %q: %w", req.CollectionName, err)
	}
	if matches == nil {
		matches = []Match{}
	}
	return matches, nil
}

func (s *Searcher) clampK(k int) int {
	if k <= 0 {
		return s.cfg.DefaultK
	}
	return min(k, s.cfg.MaxK)
}

// AddDocuments stores documents in the named collection and returns their
// IDs. Missing IDs are generated. All embeddings must share one dimension.
func (s *Searcher) AddDocuments(ctx context.Context, collection string, docs []Document) (ids []string, err error) {
	ctx, span := observability.StartInsertSpan(ctx, collection, len(docs))
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: no documents", ErrInvalidRequest)
	}

	records := make([]Record, len(docs))
	ids = make([]string, len(docs))
	seen := make(map[string]int, len(docs))
	dim := len(docs[0].Embedding)
	for i, d := range docs {
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("%w: document %d has no embedding", ErrInvalidRequest, i)
		}
		if len(d.Embedding) != dim {
			return nil, fmt.Errorf("%w: document %d has dimension %d, expected %d", ErrInvalidRequest, i, len(d.Embedding), dim)
		}
		id := uuid.NewString()
		if d.ID != "" {
			parsed, err := uuid.Parse(d.ID)
			if err != nil {
				return nil, fmt.Errorf("%w: document %d: id %q is not a UUID", ErrInvalidRequest, i, d.ID)
			}
			id = parsed.String()
		}
		if j, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: documents %d and %d share id %s", ErrInvalidRequest, j, i, id)
		}
		seen[id] = i
		ids[i] = id
		records[i] = Record{ID: id, Content: d.PageContent, Metadata: d.Metadata, Embedding: d.Embedding}
	}

	collectionID, err := s.resolver.Resolve(ctx, collection)
	if err != nil {
		return nil, err
	}

	if err := s.store.Insert(ctx, collectionID, records); err != nil {
		return nil, fmt.Errorf("adding documents to %q: %w", collection, err)
	}
	metrics.DocumentsInserted.Add(float64(len(records)))
	s.logger.Info("documents added", "collection", collection, "count", len(records))
	return ids, nil
}

// DeleteDocuments removes documents by ID from the named collection.
func (s *Searcher) DeleteDocuments(ctx context.Context, collection string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: no ids", ErrInvalidRequest)
	}
	canonical := make([]string, len(ids))
	for i, id := range ids {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return 0, fmt.Errorf("%w: id %q is not a UUID", ErrInvalidRequest, id)
		}
		canonical[i] = parsed.String()
	}
	ids = canonical
	collectionID, err := s.resolver.Resolve(ctx, collection)
	if err != nil {
		return 0, err
	}
	n, err := s.store.Delete(ctx, collectionID, ids)
	if err != nil {
		return 0, fmt.Errorf("deleting documents from %q: %w", collection, err)
	}
	return n, nil
}

func searchStatus(err error) string {
	switch {
	case err == nil:
		return metrics.StatusOK
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidFilter):
		return metrics.StatusInvalid
	case errors.Is(err, ErrCollectionNotFound):
		return metrics.StatusNotFound
	default:
		return metrics.StatusError
	}
}

// IsClientError reports whether err was caused by the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrInvalidFilter)
}
