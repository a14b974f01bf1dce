package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kalambet/vecgate/internal/api"
	"github.com/kalambet/vecgate/internal/config"
	"github.com/kalambet/vecgate/internal/retrieval"
	"github.com/kalambet/vecgate/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

// resetFlags restores every flag to its default so commands run in sequence
// do not see each other's values.
func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// execute runs the CLI with args against client.
func execute(t *testing.T, client *apiClient, args ...string) error {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return client, nil }
	defer func() { newAPIClient = old }()

	resetFlags(rootCmd)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	return rootCmd.ExecuteContext(ctx)
}

func TestSearchCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /similarity-search": `[[{"id":"a","pageContent":"hello","metadata":{}},0.25]]`,
	})

	err := execute(t, ts.client(), "search", "docs", "--vector", "0.5, 1", "--k", "3",
		"--filter", `{"lang":{"in":["en"]}}`, "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/similarity-search" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body struct {
		Query          []float32       `json:"query"`
		K              int             `json:"k"`
		Filter         json.RawMessage `json:"filter"`
		CollectionName string          `json:"collectionName"`
	}
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if len(body.Query) != 2 || body.Query[0] != 0.5 || body.Query[1] != 1 {
		t.Errorf("query = %v", body.Query)
	}
	if body.K != 3 || body.CollectionName != "docs" {
		t.Errorf("body = %+v", body)
	}
	if !strings.Contains(string(body.Filter), `"in"`) {
		t.Errorf("filter = %s", body.Filter)
	}
}

func TestSearchCommand_OmitsDefaults(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /similarity-search": `[]`,
	})

	if err := execute(t, ts.client(), "search", "docs", "--vector", "[1,0]"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := ts.requests[0].Body
	if strings.Contains(body, `"k"`) || strings.Contains(body, `"filter"`) {
		t.Errorf("body = %s, want k and filter omitted", body)
	}
}

func TestSearchCommand_VectorFile(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /similarity-search": `[]`,
	})
	path := filepath.Join(t.TempDir(), "q.json")
	os.WriteFile(path, []byte("[0.1, 0.2, 0.3]\n"), 0o644)

	if err := execute(t, ts.client(), "search", "docs", "--vector-file", path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(ts.requests[0].Body, `"query":[0.1,0.2,0.3]`) {
		t.Errorf("body = %s", ts.requests[0].Body)
	}
}

func TestSearchCommand_Errors(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no vector", []string{"search", "docs"}, "required"},
		{"bad vector", []string{"search", "docs", "--vector", "1,x"}, "vector component"},
		{"bad filter", []string{"search", "docs", "--vector", "1", "--filter", "{"}, "not valid JSON"},
		{"unknown collection", []string{"search", "nope", "--vector", "1"}, "404"},
	}
	for _, tt := range tests {
		err := execute(t, ts.client(), tt.args...)
		if err == nil {
			t.Errorf("%s: expected error", tt.name)
			continue
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: error = %q, want it to contain %q", tt.name, err.Error(), tt.want)
		}
	}
}

func TestParseVector(t *testing.T) {
	tests := []struct {
		in   string
		want []float32
		ok   bool
	}{
		{"1,2,3", []float32{1, 2, 3}, true},
		{" 0.5 , -1 ,", []float32{0.5, -1}, true},
		{"[1, 2]", []float32{1, 2}, true},
		{"[]", nil, false},
		{"", nil, false},
		{"a,b", nil, false},
		{"[1,", nil, false},
	}
	for _, tt := range tests {
		got, err := parseVector(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("parseVector(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if !tt.ok {
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("parseVector(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("parseVector(%q) = %v, want %v", tt.in, got, tt.want)
				break
			}
		}
	}
}

func TestCollectionsCommands(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /collections":         `[{"id":"c-1","name":"docs","documents":3}]`,
		"POST /collections":        `{"id":"c-2","name":"new"}`,
		"DELETE /collections/docs": `{"status":"deleted"}`,
	})
	client := ts.client()

	if err := execute(t, client, "collections", "list"); err != nil {
		t.Fatalf("list: %v", err)
	}
	if err := execute(t, client, "collections", "create", "new", "--metadata", `{"owner":"me"}`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := execute(t, client, "collections", "delete", "docs"); err != nil {
		t.Fatalf("delete without confirm: %v", err)
	}
	if err := execute(t, client, "collections", "delete", "docs", "--confirm"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var got []string
	for _, r := range ts.requests {
		got = append(got, r.Method+" "+r.Path)
	}
	want := []string{"GET /collections", "POST /collections", "DELETE /collections/docs"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("requests = %v, want %v", got, want)
	}
	if !strings.Contains(ts.requests[1].Body, `"owner":"me"`) {
		t.Errorf("create body = %s", ts.requests[1].Body)
	}
}

func TestCollectionsCreate_BadMetadata(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	err := execute(t, ts.client(), "collections", "create", "x", "--metadata", "[1]")
	if err == nil || !strings.Contains(err.Error(), "JSON object") {
		t.Errorf("err = %v", err)
	}
	if len(ts.requests) != 0 {
		t.Errorf("sent %d requests, want 0", len(ts.requests))
	}
}

func TestAddCommand_Batches(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /collections/docs/documents": `{"ids":["x"]}`,
	})

	var lines []string
	for range 5 {
		lines = append(lines, `{"pageContent":"p","embedding":[1,0]}`)
	}
	path := filepath.Join(t.TempDir(), "docs.jsonl")
	os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)

	if err := execute(t, ts.client(), "add", "docs", "--file", path, "--batch", "2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 3 {
		t.Fatalf("got %d requests, want 3 batches", len(ts.requests))
	}
	var body struct {
		Documents []retrieval.Document `json:"documents"`
	}
	json.Unmarshal([]byte(ts.requests[2].Body), &body)
	if len(body.Documents) != 1 {
		t.Errorf("last batch has %d documents, want 1", len(body.Documents))
	}
}

func TestReadDocuments(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
		ok    bool
	}{
		{"array", `[{"embedding":[1]},{"embedding":[2]}]`, 2, true},
		{"lines", "{\"embedding\":[1]}\n{\"embedding\":[2]}\n{\"embedding\":[3]}\n", 3, true},
		{"leading whitespace", "\n  [{\"embedding\":[1]}]", 1, true},
		{"empty", "  \n", 0, true},
		{"garbage", "{nope", 0, false},
	}
	for _, tt := range tests {
		docs, err := readDocuments(strings.NewReader(tt.input))
		if (err == nil) != tt.ok {
			t.Errorf("%s: err = %v, want ok=%v", tt.name, err, tt.ok)
			continue
		}
		if len(docs) != tt.want {
			t.Errorf("%s: got %d docs, want %d", tt.name, len(docs), tt.want)
		}
	}
}

// TestEndToEnd drives the CLI against the real HTTP API over SQLite.
func TestEndToEnd(t *testing.T) {
	store, err := storage.Open(ctx, storage.Options{Driver: storage.DialectSQLite, DataDir: ":memory:"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	resolver := retrieval.NewCollectionResolver(store, retrieval.NewMemoryCache(), time.Minute, nil)
	searcher := retrieval.NewSearcher(retrieval.NewVectorStore(store, retrieval.Cosine), resolver,
		retrieval.SearcherConfig{Strategy: retrieval.Cosine}, nil)
	srv := httptest.NewServer(api.NewHandler(api.Deps{
		Store:    store,
		Searcher: searcher,
		Cache:    resolver,
		Token:    "e2e-token",
	}))
	t.Cleanup(srv.Close)
	client := &apiClient{baseURL: srv.URL, token: "e2e-token", httpClient: srv.Client()}

	if err := execute(t, client, "collections", "create", "docs"); err != nil {
		t.Fatalf("create: %v", err)
	}

	path := filepath.Join(t.TempDir(), "docs.json")
	os.WriteFile(path, []byte(`[
		{"pageContent":"east","metadata":{"dir":"e"},"embedding":[1,0]},
		{"pageContent":"north","metadata":{"dir":"n"},"embedding":[0,1]}
	]`), 0o644)
	if err := execute(t, client, "add", "docs", "--file", path); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := execute(t, client, "search", "docs", "--vector", "1,0.1", "--k", "1"); err != nil {
		t.Fatalf("search: %v", err)
	}

	matches, err := searcher.Search(ctx, retrieval.SearchRequest{Query: []float32{1, 0.1}, K: 1, CollectionName: "docs"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 || matches[0].Document.PageContent != "east" {
		t.Errorf("matches = %+v", matches)
	}

	wrong := &apiClient{baseURL: srv.URL, token: "nope", httpClient: srv.Client()}
	err = execute(t, wrong, "collections", "list")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("bad token: err = %v, want 401", err)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestAPIClient_NoTokenNoHeader(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /health": `{"status":"ok"}`})
	client := ts.client()
	client.token = ""

	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want none", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		w.Write([]byte(`{"error":{"message":"query is required","type":"invalid_request_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, httpClient: ts.Client()}
	resp, err := client.post(ctx, "/similarity-search", map[string]any{})
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if err.Error() != "server returned 400: query is required" {
		t.Errorf("error = %q", err.Error())
	}
}

func TestPrintMatches(t *testing.T) {
	noColor = true
	defer func() { noColor = false }()

	var buf bytes.Buffer
	printMatches(&buf, []retrieval.Match{{
		Document: retrieval.Document{ID: "a", PageContent: strings.Repeat("x", 600), Metadata: map[string]any{"k": "v"}},
		Distance: 0.125,
	}})
	out := buf.String()
	for _, want := range []string{"Result 1", "0.1250", "ID: a", `{"k":"v"}`, "..."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	printMatches(&buf, nil)
	if !strings.Contains(buf.String(), "No results") {
		t.Errorf("empty output = %q", buf.String())
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info logged at warn level: %s", out)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &rec); err != nil {
		t.Fatalf("not JSON: %v (%s)", err, out)
	}
	if rec["msg"] != "shown" || rec["k"] != "v" {
		t.Errorf("record = %v", rec)
	}

	buf.Reset()
	newLogger(config.LogConfig{Level: "debug"}, &buf).Debug("dbg")
	if !strings.Contains(buf.String(), "msg=dbg") {
		t.Errorf("text output = %q", buf.String())
	}
}

func TestParseDuration(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{}, &buf)

	if d := parseDuration(logger, "k", "", time.Second); d != time.Second {
		t.Errorf("empty = %v", d)
	}
	if d := parseDuration(logger, "k", "250ms", time.Second); d != 250*time.Millisecond {
		t.Errorf("250ms = %v", d)
	}
	if d := parseDuration(logger, "k", "soon", time.Second); d != time.Second {
		t.Errorf("malformed = %v", d)
	}
	if !strings.Contains(buf.String(), "invalid duration") {
		t.Errorf("expected a warning, got %q", buf.String())
	}
}

func TestServerURL(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"127.0.0.1", "http://127.0.0.1:9000"},
		{"0.0.0.0", "http://127.0.0.1:9000"},
		{"", "http://127.0.0.1:9000"},
		{"::1", "http://[::1]:9000"},
	}
	for _, tt := range tests {
		cfg := config.Config{Server: config.ServerConfig{Host: tt.host, Port: 9000}}
		if got := serverURL(cfg); got != tt.want {
			t.Errorf("serverURL(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

func TestStorageOptions(t *testing.T) {
	cfg := config.Config{Database: config.DatabaseConfig{
		Driver:           "postgres",
		DSN:              "postgres://x",
		MaxOpenConns:     7,
		EmbeddingsTable:  "emb",
		CollectionsTable: "col",
		Migrate:          true,
	}}
	opts := storageOptions(cfg)
	if opts.Driver != storage.DialectPostgres || opts.DSN != "postgres://x" || opts.MaxOpenConns != 7 || !opts.Migrate {
		t.Errorf("opts = %+v", opts)
	}
	if opts.Tables.Embeddings != "emb" || opts.Tables.Collections != "col" {
		t.Errorf("tables = %+v", opts.Tables)
	}
}

func TestNewCollectionCache_Memory(t *testing.T) {
	cache, closeFn, err := newCollectionCache(ctx, config.CacheConfig{Backend: "memory"}, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closeFn()
	if _, ok := cache.(*retrieval.MemoryCache); !ok {
		t.Errorf("cache = %T, want *retrieval.MemoryCache", cache)
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "nested"))
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil || pid != os.Getpid() {
		t.Errorf("readPIDFile = %d, %v; want %d", pid, err, os.Getpid())
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file still present after remove")
	}
}
