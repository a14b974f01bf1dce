package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/vecgate/internal/api"
	"github.com/kalambet/vecgate/internal/config"
	"github.com/kalambet/vecgate/internal/observability"
	"github.com/kalambet/vecgate/internal/retrieval"
	"github.com/kalambet/vecgate/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the vecgate server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(cmd.Context(), withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running vecgate server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vecgate server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

const (
	defaultShutdownTimeout = 5 * time.Second
	defaultRefreshInterval = 30 * time.Second
)

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "vecgate.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// newLogger builds the process logger from the log section of the config.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// parseDuration reads a duration config value, falling back to def when the
// value is empty or malformed.
func parseDuration(logger *slog.Logger, key, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		logger.Warn("invalid duration, using default", "key", key, "value", value, "default", def)
		return def
	}
	return d
}

// clientHost maps wildcard listen addresses to loopback for local clients.
func clientHost(host string) string {
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		return "127.0.0.1"
	}
	return host
}

func serverURL(cfg config.Config) string {
	return "http://" + net.JoinHostPort(clientHost(cfg.Server.Host), strconv.Itoa(cfg.Server.Port))
}

func storageOptions(cfg config.Config) storage.Options {
	return storage.Options{
		Driver:       storage.Dialect(cfg.Database.Driver),
		DSN:          cfg.Database.DSN,
		DataDir:      cfg.Database.DataDir,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		Tables: storage.Tables{
			Embeddings:  cfg.Database.EmbeddingsTable,
			Collections: cfg.Database.CollectionsTable,
		},
		Migrate: cfg.Database.Migrate,
	}
}

// newCollectionCache returns the cache backing the collection resolver and a
// close func for any client it opened.
func newCollectionCache(ctx context.Context, cfg config.CacheConfig, ttl time.Duration) (retrieval.CollectionCache, func() error, error) {
	if cfg.Backend != "redis" {
		return retrieval.NewMemoryCache(), func() error { return nil }, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}
	return retrieval.NewRedisCache(client, retrieval.WithRedisTTL(ttl)), client.Close, nil
}

func runServer(parent context.Context, withMCP bool) error {
	fmt.Fprintf(os.Stderr, "vecgate version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Refuse to start twice against the same port.
	healthClient := &http.Client{Timeout: 2 * time.Second}
	pidPath := pidFilePath(cfg.Database.DataDir)
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("vecgate is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("vecgate is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:    "vecgate",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(flushCtx); err != nil {
			logger.Warn("flushing traces", "error", err)
		}
	}()
	if tp.Enabled() {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.OTLPEndpoint, "sample_rate", cfg.Tracing.SampleRate)
	}

	store, err := storage.Open(ctx, storageOptions(cfg))
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	}()
	logger.Info("storage ready",
		"driver", cfg.Database.Driver,
		"embeddings_table", cfg.Database.EmbeddingsTable,
		"collections_table", cfg.Database.CollectionsTable,
	)

	strategy, err := retrieval.ParseDistanceStrategy(cfg.Search.DistanceStrategy)
	if err != nil {
		return err
	}

	refresh := parseDuration(logger, "cache.refresh_interval", cfg.Cache.RefreshInterval, defaultRefreshInterval)
	cache, closeCache, err := newCollectionCache(ctx, cfg.Cache, 10*refresh)
	if err != nil {
		return err
	}
	defer closeCache()

	resolver := retrieval.NewCollectionResolver(store, cache, refresh, logger)
	if err := resolver.Refresh(ctx); err != nil {
		// Not fatal: the first search retries the load.
		logger.Warn("initial collection load failed", "error", err)
	}

	searcher := retrieval.NewSearcher(
		retrieval.NewVectorStore(store, strategy),
		resolver,
		retrieval.SearcherConfig{
			Strategy: strategy,
			DefaultK: cfg.Search.DefaultK,
			MaxK:     cfg.Search.MaxK,
		},
		logger,
	)

	if cfg.Auth.APIToken == "" {
		logger.Warn("no API token configured, bearer auth disabled")
	}

	handler := api.NewHandler(api.Deps{
		Store:    store,
		Searcher: searcher,
		Cache:    resolver,
		Token:    cfg.Auth.APIToken,
		Logger:   logger,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	shutdownTimeout := parseDuration(logger, "server.shutdown_timeout", cfg.Server.ShutdownTimeout, defaultShutdownTimeout)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("vecgate listening", "addr", ln.Addr().String(), "strategy", string(strategy))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Searcher: searcher,
			Store:    store,
			Version:  version,
			Logger:   logger,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			logger.Info("MCP server started (stdio transport)")
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Database.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("vecgate is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop vecgate (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to vecgate (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	base := serverURL(cfg)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(base + "/health")
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		running = true
		printStatus("Server", "running on %s", base)
	default:
		resp.Body.Close()
		printStatus("Server", "unhealthy (HTTP %d)", resp.StatusCode)
	}

	printStatus("Database", "%s", cfg.Database.Driver)
	printStatus("Tables", "%s, %s", cfg.Database.CollectionsTable, cfg.Database.EmbeddingsTable)
	printStatus("Distance", "%s", cfg.Search.DistanceStrategy)
	printStatus("Cache", "%s", cfg.Cache.Backend)

	if running {
		ac := &apiClient{baseURL: base, token: cfg.Auth.APIToken, httpClient: client}
		var list []collectionInfo
		if resp, err := ac.get(context.Background(), "/collections"); err == nil {
			if decodeJSON(resp, &list) == nil {
				docs := 0
				for _, c := range list {
					docs += c.Documents
				}
				printStatus("Collections", "%d (%d documents)", len(list), docs)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Database.DataDir)
	return nil
}
