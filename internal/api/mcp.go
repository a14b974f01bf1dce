package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/vecgate/internal/retrieval"
	"github.com/kalambet/vecgate/internal/storage"
)

// CollectionLister lists collections for the MCP layer.
type CollectionLister interface {
	ListCollections(ctx context.Context) ([]storage.Collection, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Searcher *retrieval.Searcher
	Store    CollectionLister
	Version  string
	Logger   *slog.Logger
}

func (d MCPDeps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// NewMCPServer creates an MCP server exposing similarity search as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"vecgate",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("vecgate runs nearest-neighbour search over pgvector collections. Callers supply precomputed query embeddings."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("similarity_search",
			mcp.WithDescription("Return the k documents of a collection nearest to a query embedding, as [document, distance] pairs sorted by distance."),
			mcp.WithString("collection", mcp.Description("Collection name"), mcp.Required()),
			mcp.WithArray("query", mcp.Description("Query embedding"), mcp.Required(), mcp.Items(map[string]any{"type": "number"})),
			mcp.WithNumber("k", mcp.Description("Number of results (server default when omitted)")),
			mcp.WithObject("filter", mcp.Description(`Metadata filter, e.g. {"lang": {"in": ["en"]}, "tags": {"arrayContains": ["go"]}}`)),
			mcp.WithBoolean("include_embedding", mcp.Description("Return stored embeddings with each document")),
		),
		mcpSimilaritySearch(deps),
	)

	s.AddTool(
		mcp.NewTool("list_collections",
			mcp.WithDescription("List the names and ids of all collections."),
		),
		mcpListCollections(deps),
	)

	return s
}

func mcpSimilaritySearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		collection, err := req.RequireString("collection")
		if err != nil {
			return mcpError("collection is required"), nil
		}
		vec, ok := vectorArgument(req.GetArguments()["query"])
		if !ok {
			return mcpError("query must be a non-empty array of numbers"), nil
		}

		filter, err := filterArgument(req.GetArguments()["filter"])
		if err != nil {
			return mcpError(err.Error()), nil
		}

		matches, err := deps.Searcher.Search(ctx, retrieval.SearchRequest{
			Query:            vec,
			K:                req.GetInt("k", 0),
			Filter:           filter,
			IncludeEmbedding: req.GetBool("include_embedding", false),
			CollectionName:   collection,
		})
		switch {
		case errors.Is(err, retrieval.ErrCollectionNotFound):
			return mcpError(fmt.Sprintf("collection %q not found", collection)), nil
		case retrieval.IsClientError(err):
			return mcpError(err.Error()), nil
		case err != nil:
			deps.logger().Error("mcp similarity search failed", "collection", collection, "error", err)
			return mcpError("search failed"), nil
		}

		b, err := json.Marshal(matches)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func vectorArgument(v any) ([]float32, bool) {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return nil, false
	}
	vec := make([]float32, len(items))
	for i, item := range items {
		switch n := item.(type) {
		case float64:
			vec[i] = float32(n)
		case int:
			vec[i] = float32(n)
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, false
			}
			vec[i] = float32(f)
		default:
			return nil, false
		}
	}
	return vec, true
}

// filterArgument accepts the filter as a JSON object or as a JSON string.
func filterArgument(v any) (json.RawMessage, error) {
	switch f := v.(type) {
	case nil:
		return nil, nil
	case string:
		if f == "" {
			return nil, nil
		}
		return json.RawMessage(f), nil
	default:
		b, err := json.Marshal(f)
		if err != nil {
			return nil, fmt.Errorf("invalid filter: %v", err)
		}
		return b, nil
	}
}

func mcpListCollections(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := deps.Store.ListCollections(ctx)
		if err != nil {
			deps.logger().Error("mcp list collections failed", "error", err)
			return mcpError("failed to list collections"), nil
		}
		if list == nil {
			list = []storage.Collection{}
		}
		b, err := json.Marshal(list)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal collections: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
