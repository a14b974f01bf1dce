package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Search outcome labels for SearchRequests.
const (
	StatusOK       = "ok"
	StatusInvalid  = "invalid"
	StatusNotFound = "not_found"
	StatusError    = "error"
)

var (
	SearchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vecgate_search_requests_total",
		Help: "Total number of similarity search requests by outcome",
	}, []string{"status"})

	SearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vecgate_search_duration_seconds",
		Help:    "Time taken to resolve and execute similarity searches",
		Buckets: prometheus.DefBuckets,
	})

	DocumentsInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vecgate_documents_inserted_total",
		Help: "Total number of documents written to the embeddings table",
	})

	CollectionCacheRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vecgate_collection_cache_refreshes_total",
		Help: "Number of times the collection name cache was reloaded from the database",
	})

	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vecgate_auth_failures_total",
		Help: "Requests rejected for a missing or wrong bearer token",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vecgate_http_requests_total",
		Help: "HTTP requests by method, route pattern and status code",
	}, []string{"method", "route", "code"})
)
