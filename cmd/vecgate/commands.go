package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/vecgate/internal/config"
	"github.com/kalambet/vecgate/internal/retrieval"
)

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <collection>",
	Short: "Run a similarity search against a collection",
	Long: `Run a similarity search against a collection.

Examples:
  vecgate search docs --vector "0.1,0.2,0.3" --k 5
  vecgate search docs --vector-file query.json --filter '{"lang":{"in":["en","de"]}}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vecStr, _ := cmd.Flags().GetString("vector")
		vecFile, _ := cmd.Flags().GetString("vector-file")
		k, _ := cmd.Flags().GetInt("k")
		filter, _ := cmd.Flags().GetString("filter")
		includeEmbedding, _ := cmd.Flags().GetBool("include-embedding")
		asJSON, _ := cmd.Flags().GetBool("json")

		if vecStr == "" && vecFile == "" {
			return fmt.Errorf("one of --vector or --vector-file is required")
		}
		if vecFile != "" {
			data, err := os.ReadFile(vecFile)
			if err != nil {
				return fmt.Errorf("reading vector file: %w", err)
			}
			vecStr = string(data)
		}
		vec, err := parseVector(vecStr)
		if err != nil {
			return err
		}

		req := map[string]any{
			"query":          vec,
			"collectionName": args[0],
		}
		if k > 0 {
			req["k"] = k
		}
		if filter != "" {
			if !json.Valid([]byte(filter)) {
				return fmt.Errorf("--filter is not valid JSON")
			}
			req["filter"] = json.RawMessage(filter)
		}
		if includeEmbedding {
			req["includeEmbedding"] = true
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/similarity-search", req)
		if err != nil {
			return err
		}

		var matches []retrieval.Match
		if err := decodeJSON(resp, &matches); err != nil {
			return err
		}

		if asJSON {
			return printJSON(os.Stdout, matches)
		}
		printMatches(os.Stdout, matches)
		return nil
	},
}

func init() {
	searchCmd.Flags().String("vector", "", "query embedding as comma-separated numbers or a JSON array")
	searchCmd.Flags().String("vector-file", "", "file holding the query embedding as a JSON array")
	searchCmd.Flags().Int("k", 0, "number of results (server default when 0)")
	searchCmd.Flags().String("filter", "", "metadata filter as a JSON object")
	searchCmd.Flags().Bool("include-embedding", false, "return stored embeddings")
	searchCmd.Flags().Bool("json", false, "print raw JSON")
}

// parseVector accepts "[0.1, 0.2]" or "0.1,0.2".
func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		var vec []float32
		if err := json.Unmarshal([]byte(s), &vec); err != nil {
			return nil, fmt.Errorf("parsing vector: %w", err)
		}
		if len(vec) == 0 {
			return nil, errors.New("vector is empty")
		}
		return vec, nil
	}

	parts := strings.Split(s, ",")
	vec := make([]float32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		f, err := strconv.ParseFloat(p, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing vector component %q: %w", p, err)
		}
		vec = append(vec, float32(f))
	}
	if len(vec) == 0 {
		return nil, errors.New("vector is empty")
	}
	return vec, nil
}

// --- collections ---

// collectionInfo mirrors an entry of GET /collections.
type collectionInfo struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Documents int            `json:"documents"`
}

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "Manage collections",
}

var collectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List collections with document counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/collections")
		if err != nil {
			return err
		}

		var list []collectionInfo
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No collections found.")
			return nil
		}
		for _, c := range list {
			fmt.Printf("%s  %-32s %d docs\n", colorize(colorCyan, c.ID), c.Name, c.Documents)
		}
		return nil
	},
}

var collectionsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		metaStr, _ := cmd.Flags().GetString("metadata")

		req := map[string]any{"name": args[0]}
		if metaStr != "" {
			var meta map[string]any
			if err := json.Unmarshal([]byte(metaStr), &meta); err != nil {
				return fmt.Errorf("--metadata must be a JSON object: %w", err)
			}
			req["metadata"] = meta
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/collections", req)
		if err != nil {
			return err
		}

		var c collectionInfo
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}
		printSuccess("Collection %s (%s)", c.Name, c.ID)
		return nil
	},
}

var collectionsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a collection and all of its documents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This deletes collection %q and every document in it. Use --confirm to proceed.", args[0])
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/collections/"+url.PathEscape(args[0]), nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted collection %s", args[0])
		return nil
	},
}

func init() {
	collectionsCreateCmd.Flags().String("metadata", "", "collection metadata as a JSON object")
	collectionsDeleteCmd.Flags().Bool("confirm", false, "confirm deletion")
	collectionsCmd.AddCommand(collectionsListCmd)
	collectionsCmd.AddCommand(collectionsCreateCmd)
	collectionsCmd.AddCommand(collectionsDeleteCmd)
}

// --- add ---

var addCmd = &cobra.Command{
	Use:   "add <collection>",
	Short: "Add documents with precomputed embeddings to a collection",
	Long: `Add documents with precomputed embeddings to a collection.

The input holds documents as a JSON array or as one JSON object per line:
  {"id": "...", "pageContent": "...", "metadata": {...}, "embedding": [...]}

Examples:
  vecgate add docs --file embeddings.jsonl
  cat embeddings.json | vecgate add docs`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		batch, _ := cmd.Flags().GetInt("batch")
		if batch <= 0 {
			return fmt.Errorf("--batch must be positive")
		}

		var in io.Reader = os.Stdin
		if file != "" {
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("opening input: %w", err)
			}
			defer f.Close()
			in = f
		}

		docs, err := readDocuments(in)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return fmt.Errorf("no documents in input")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/collections/" + url.PathEscape(args[0]) + "/documents"
		added := 0
		for start := 0; start < len(docs); start += batch {
			end := min(start+batch, len(docs))
			resp, err := client.post(cmd.Context(), path, map[string]any{"documents": docs[start:end]})
			if err != nil {
				return err
			}
			var result struct {
				IDs []string `json:"ids"`
			}
			if err := decodeJSON(resp, &result); err != nil {
				return fmt.Errorf("documents %d-%d: %w", start, end-1, err)
			}
			added += len(result.IDs)
			printStep("Added %d/%d", added, len(docs))
		}

		printSuccess("Added %d documents to %s", added, args[0])
		return nil
	},
}

func init() {
	addCmd.Flags().String("file", "", "input file (default: stdin)")
	addCmd.Flags().Int("batch", 500, "documents per request")
}

// readDocuments decodes a JSON array of documents or a stream of JSON
// objects, one per line.
func readDocuments(r io.Reader) ([]retrieval.Document, error) {
	br := bufio.NewReader(r)
	for {
		b, err := br.Peek(1)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, fmt.Errorf("reading input: %w", err)
		}
		if strings.TrimSpace(string(b)) != "" {
			break
		}
		br.ReadByte()
	}

	dec := json.NewDecoder(br)
	if b, _ := br.Peek(1); b[0] == '[' {
		var docs []retrieval.Document
		if err := dec.Decode(&docs); err != nil {
			return nil, fmt.Errorf("decoding documents: %w", err)
		}
		return docs, nil
	}

	var docs []retrieval.Document
	for {
		var d retrieval.Document
		err := dec.Decode(&d)
		if errors.Is(err, io.EOF) {
			return docs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decoding document %d: %w", len(docs)+1, err)
		}
		docs = append(docs, d)
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSecretCmd = &cobra.Command{
	Use:   "secret <key> <value>",
	Short: "Store a secret (database.dsn, auth.api_token) in the secrets file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored secret %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSecretCmd)
}
