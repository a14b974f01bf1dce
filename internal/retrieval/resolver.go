package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/vecgate/internal/metrics"
	"github.com/kalambet/vecgate/internal/storage"
)

// ErrCollectionNotFound is returned when no collection has the requested name.
var ErrCollectionNotFound = errors.New("collection not found")

// CollectionSource is the slice of storage.Store the resolver reads from.
type CollectionSource interface {
	ListCollections(ctx context.Context) ([]storage.Collection, error)
	GetCollection(ctx context.Context, name string) (storage.Collection, error)
}

// CollectionResolver maps collection names to UUIDs through a cache. A miss
// reloads the full name list from the database, but at most once per
// refresh interval; concurrent misses share one reload.
type CollectionResolver struct {
	source   CollectionSource
	cache    CollectionCache
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	lastRefresh time.Time
}

// NewCollectionResolver creates a resolver. A non-positive interval lets
// every miss reload.
func NewCollectionResolver(source CollectionSource, cache CollectionCache, interval time.Duration, logger *slog.Logger) *CollectionResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CollectionResolver{
		source:   source,
		cache:    cache,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Resolve returns the UUID of the named collection or ErrCollectionNotFound.
func (r *CollectionResolver) Resolve(ctx context.Context, name string) (string, error) {
	id, ok, err := r.cache.Get(ctx, name)
	if err != nil {
		r.logger.Warn("collection cache read failed, querying database", "error", err)
		return r.lookupDirect(ctx, name)
	}
	if ok {
		return id, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have refreshed while we waited.
	if id, ok, err := r.cache.Get(ctx, name); err == nil && ok {
		return id, nil
	}

	if !r.lastRefresh.IsZero() && r.now().Sub(r.lastRefresh) < r.interval {
		return "", ErrCollectionNotFound
	}

	ids, err := r.refreshLocked(ctx)
	if err != nil {
		return "", err
	}
	id, ok = ids[name]
	if !ok {
		return "", ErrCollectionNotFound
	}
	return id, nil
}

// Refresh reloads the cache from the database unconditionally.
func (r *CollectionResolver) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.refreshLocked(ctx)
	return err
}

// Invalidate clears the cache and the refresh throttle. Callers that create
// or delete collections use it so the next lookup sees the change.
func (r *CollectionResolver) Invalidate(ctx context.Context) error {
	r.mu.Lock()
	r.lastRefresh = time.Time{}
	r.mu.Unlock()
	return r.cache.Invalidate(ctx)
}

func (r *CollectionResolver) refreshLocked(ctx context.Context) (map[string]string, error) {
	list, err := r.source.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]string, len(list))
	for _, c := range list {
		ids[c.Name] = c.ID
	}
	r.lastRefresh = r.now()
	metrics.CollectionCacheRefreshes.Inc()

	if err := r.cache.Replace(ctx, ids); err != nil {
		r.logger.Warn("collection cache write failed", "error", err)
	}
	r.logger.Debug("collection cache refreshed", "collections", len(ids))
	return ids, nil
}

func (r *CollectionResolver) lookupDirect(ctx context.Context, name string) (string, error) {
	c, err := r.source.GetCollection(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrCollectionNotFound
	}
	if err != nil {
		return "", err
	}
	return c.ID, nil
}
