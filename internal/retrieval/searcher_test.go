package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// mockVectorStore implements VectorStore for testing.
type mockVectorStore struct {
	searchFn func(q SearchQuery) ([]Match, error)
	insertFn func(collectionID string, records []Record) error
	lastQ    SearchQuery
}

func (m *mockVectorStore) Search(_ context.Context, q SearchQuery) ([]Match, error) {
	m.lastQ = q
	if m.searchFn != nil {
		return m.searchFn(q)
	}
	return nil, nil
}

func (m *mockVectorStore) Insert(_ context.Context, collectionID string, records []Record) error {
	if m.insertFn != nil {
		return m.insertFn(collectionID, records)
	}
	return nil
}

func (m *mockVectorStore) Delete(_ context.Context, _ string, ids []string) (int, error) {
	return len(ids), nil
}

type staticResolver map[string]string

func (r staticResolver) Resolve(_ context.Context, name string) (string, error) {
	if id, ok := r[name]; ok {
		return id, nil
	}
	return "", ErrCollectionNotFound
}

func newMockSearcher(store VectorStore) *Searcher {
	return NewSearcher(store, staticResolver{"docs": "id-1"}, SearcherConfig{DefaultK: 4, MaxK: 10}, nil)
}

func TestSearch_ClampsK(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 4},
		{-3, 4},
		{7, 7},
		{500, 10},
	}
	for _, tt := range tests {
		store := &mockVectorStore{}
		s := newMockSearcher(store)
		if _, err := s.Search(ctx, SearchRequest{Query: []float32{1}, K: tt.in, CollectionName: "docs"}); err != nil {
			t.Fatalf("Search: %v", err)
		}
		if store.lastQ.K != tt.want {
			t.Errorf("k %d: store saw %d, want %d", tt.in, store.lastQ.K, tt.want)
		}
	}
}

func TestSearch_PassesResolvedQuery(t *testing.T) {
	store := &mockVectorStore{}
	s := newMockSearcher(store)

	matches, err := s.Search(ctx, SearchRequest{
		Query:            []float32{1, 2},
		K:                2,
		Filter:           json.RawMessage(`{"lang": "en"}`),
		IncludeEmbedding: true,
		CollectionName:   "docs",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if matches == nil {
		t.Error("matches is nil, want empty slice")
	}
	q := store.lastQ
	if q.CollectionID != "id-1" || !q.IncludeEmbedding || len(q.Filter) != 1 || q.Filter[0].Key != "lang" {
		t.Errorf("query = %+v", q)
	}
}

func TestSearch_Errors(t *testing.T) {
	dbErr := errors.New("connection reset")
	s := newMockSearcher(&mockVectorStore{
		searchFn: func(SearchQuery) ([]Match, error) { return nil, dbErr },
	})

	tests := []struct {
		name string
		req  SearchRequest
		want error
	}{
		{"missing collection name", SearchRequest{Query: []float32{1}}, ErrInvalidRequest},
		{"empty vector", SearchRequest{CollectionName: "docs"}, ErrInvalidRequest},
		{"bad filter", SearchRequest{Query: []float32{1}, CollectionName: "docs", Filter: json.RawMessage(`{"a": null}`)}, ErrInvalidFilter},
		{"unknown collection", SearchRequest{Query: []float32{1}, CollectionName: "nope"}, ErrCollectionNotFound},
		{"store failure", SearchRequest{Query: []float32{1}, CollectionName: "docs"}, dbErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Search(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestIsClientError(t *testing.T) {
	if !IsClientError(ErrInvalidFilter) || !IsClientError(ErrInvalidRequest) {
		t.Error("validation errors should be client errors")
	}
	if IsClientError(ErrCollectionNotFound) || IsClientError(errors.New("x")) {
		t.Error("not-found and internal errors are not client errors")
	}
}

func TestAddDocuments_Validation(t *testing.T) {
	s := newMockSearcher(&mockVectorStore{})

	tests := []struct {
		name string
		docs []Document
	}{
		{"no documents", nil},
		{"missing embedding", []Document{{PageContent: "x"}}},
		{"mixed dimensions", []Document{{Embedding: []float32{1}}, {Embedding: []float32{1, 2}}}},
		{"non-uuid id", []Document{{ID: "abc", Embedding: []float32{1}}}},
		{"duplicate id", []Document{
			{ID: "6f1c1c2e-4a51-4d8e-9c5e-0b1b8a7d2a10", Embedding: []float32{1}},
			{ID: "6F1C1C2E-4A51-4D8E-9C5E-0B1B8A7D2A10", Embedding: []float32{2}},
		}},
	}
	for _, tt := range tests {
		if _, err := s.AddDocuments(ctx, "docs", tt.docs); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%s: err = %v, want ErrInvalidRequest", tt.name, err)
		}
	}

	if _, err := s.AddDocuments(ctx, "nope", []Document{{Embedding: []float32{1}}}); !errors.Is(err, ErrCollectionNotFound) {
		t.Errorf("unknown collection: err = %v", err)
	}
}

func TestAddDocuments_GeneratesIDs(t *testing.T) {
	var got []Record
	s := newMockSearcher(&mockVectorStore{
		insertFn: func(collectionID string, records []Record) error {
			if collectionID != "id-1" {
				t.Errorf("collectionID = %q", collectionID)
			}
			got = records
			return nil
		},
	})

	keep := "6f1c1c2e-4a51-4d8e-9c5e-0b1b8a7d2a10"
	ids, err := s.AddDocuments(ctx, "docs", []Document{
		{ID: keep, PageContent: "a", Embedding: []float32{1, 0}},
		{PageContent: "b", Embedding: []float32{0, 1}, Metadata: map[string]any{"lang": "en"}},
	})
	if err != nil {
		t.Fatalf("AddDocuments: %v", err)
	}
	if len(ids) != 2 || ids[0] != keep || ids[1] == "" || ids[0] == ids[1] {
		t.Fatalf("ids = %v", ids)
	}
	if len(got) != 2 || got[1].ID != ids[1] || got[1].Content != "b" || got[1].Metadata["lang"] != "en" {
		t.Errorf("records = %+v", got)
	}
}

func TestAddDocuments_CanonicalIDs(t *testing.T) {
	var got []Record
	s := newMockSearcher(&mockVectorStore{
		insertFn: func(_ string, records []Record) error {
			got = records
			return nil
		},
	})

	ids, err := s.AddDocuments(ctx, "docs", []Document{{ID: "6F1C1C2E-4A51-4D8E-9C5E-0B1B8A7D2A10", Embedding: []float32{1}}})
	if err != nil {
		t.Fatalf("AddDocuments: %v", err)
	}
	want := "6f1c1c2e-4a51-4d8e-9c5e-0b1b8a7d2a10"
	if ids[0] != want || got[0].ID != want {
		t.Errorf("ids = %v, records = %+v; want %s", ids, got, want)
	}
}

func TestSearch_DimensionMismatchIsClientError(t *testing.T) {
	st, _, _ := openTestStore(t, Cosine)
	resolver := NewCollectionResolver(st, NewMemoryCache(), time.Minute, nil)
	s := NewSearcher(NewVectorStore(st, Cosine), resolver, SearcherConfig{Strategy: Cosine, DefaultK: 4, MaxK: 10}, nil)

	if _, err := s.AddDocuments(ctx, "docs", []Document{{PageContent: "x", Embedding: []float32{1, 0}}}); err != nil {
		t.Fatalf("AddDocuments: %v", err)
	}
	_, err := s.Search(ctx, SearchRequest{Query: []float32{1, 0, 0}, CollectionName: "docs"})
	if !IsClientError(err) {
		t.Errorf("err = %v, want a client error", err)
	}
}

// TestSearcher_EndToEnd wires the resolver, SQLite store and searcher the
// way the server does.
func TestSearcher_EndToEnd(t *testing.T) {
	st, store, _ := openTestStore(t, Cosine)
	resolver := NewCollectionResolver(st, NewMemoryCache(), time.Minute, nil)
	s := NewSearcher(store, resolver, SearcherConfig{Strategy: Cosine, DefaultK: 4, MaxK: 10}, nil)

	ids, err := s.AddDocuments(ctx, "docs", []Document{
		{PageContent: "near", Embedding: []float32{1, 0}, Metadata: map[string]any{"tags": []any{"go"}}},
		{PageContent: "far", Embedding: []float32{-1, 0}, Metadata: map[string]any{"tags": []any{"go"}}},
		{PageContent: "mid", Embedding: []float32{0, 1}, Metadata: map[string]any{"tags": []any{"rust"}}},
	})
	if err != nil {
		t.Fatalf("AddDocuments: %v", err)
	}

	matches, err := s.Search(ctx, SearchRequest{
		Query:          []float32{1, 0},
		CollectionName: "docs",
		Filter:         json.RawMessage(`{"tags": {"arrayContains": ["go"]}}`),
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 2 || matches[0].Document.PageContent != "near" || matches[1].Document.PageContent != "far" {
		t.Fatalf("matches = %+v", matches)
	}
	if matches[0].Document.ID != ids[0] {
		t.Errorf("ID = %q, want %q", matches[0].Document.ID, ids[0])
	}

	n, err := s.DeleteDocuments(ctx, "docs", ids[:1])
	if err != nil || n != 1 {
		t.Fatalf("DeleteDocuments = %d, %v", n, err)
	}
	if _, err := s.DeleteDocuments(ctx, "docs", []string{"not-a-uuid"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("DeleteDocuments(bad id) err = %v", err)
	}

	if _, err := s.Search(ctx, SearchRequest{Query: []float32{1, 0}, CollectionName: "unknown"}); !errors.Is(err, ErrCollectionNotFound) {
		t.Errorf("unknown collection err = %v", err)
	}
}
