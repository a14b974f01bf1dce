package api

import (
	"encoding/json"
	"net/http"

	"github.com/kalambet/vecgate/internal/retrieval"
)

// SimilaritySearchRequest is the body of POST /similarity-search. A k of
// zero or less means the configured default, as it does for the MCP tool.
type SimilaritySearchRequest struct {
	Query            []float32       `json:"query" validate:"required,min=1"`
	K                int             `json:"k"`
	Filter           json.RawMessage `json:"filter"`
	IncludeEmbedding bool            `json:"includeEmbedding"`
	CollectionName   string          `json:"collectionName" validate:"required,max=255"`
}

func handleSimilaritySearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SimilaritySearchRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}

		matches, err := deps.Searcher.Search(r.Context(), retrieval.SearchRequest{
			Query:            req.Query,
			K:                req.K,
			Filter:           req.Filter,
			IncludeEmbedding: req.IncludeEmbedding,
			CollectionName:   req.CollectionName,
		})
		if err != nil {
			writeError(w, deps.Logger, "similarity search", err)
			return
		}

		writeJSON(w, http.StatusOK, matches)
	}
}
