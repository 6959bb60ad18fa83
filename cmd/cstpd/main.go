// Command cstpd runs the CSTP decision intelligence server: JSON-RPC over
// HTTP on /cstp, MCP over streamable HTTP on /mcp, or MCP over stdio with
// the -stdio flag.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tfatykhov/cstp"
	"github.com/tfatykhov/cstp/internal/auth"
	"github.com/tfatykhov/cstp/internal/config"
	"github.com/tfatykhov/cstp/internal/embedding"
	"github.com/tfatykhov/cstp/internal/graph"
	"github.com/tfatykhov/cstp/internal/guardrail"
	"github.com/tfatykhov/cstp/internal/mcp"
	"github.com/tfatykhov/cstp/internal/model"
	"github.com/tfatykhov/cstp/internal/ratelimit"
	"github.com/tfatykhov/cstp/internal/rpc"
	"github.com/tfatykhov/cstp/internal/server"
	"github.com/tfatykhov/cstp/internal/service/calibration"
	"github.com/tfatykhov/cstp/internal/service/decisions"
	"github.com/tfatykhov/cstp/internal/service/preaction"
	"github.com/tfatykhov/cstp/internal/service/query"
	"github.com/tfatykhov/cstp/internal/service/ready"
	"github.com/tfatykhov/cstp/internal/storage"
	"github.com/tfatykhov/cstp/internal/telemetry"
	"github.com/tfatykhov/cstp/internal/tracker"
	"github.com/tfatykhov/cstp/internal/vector"
)

func main() {
	os.Exit(run0())
}

func run0() int {
	stdio := flag.Bool("stdio", false, "serve MCP over stdin/stdout instead of HTTP")
	agent := flag.String("agent", "", "agent identity for stdio mode (defaults to $CSTP_AGENT_ID)")
	flag.Parse()

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("CSTP_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	// Stdio mode owns stdout for the protocol; logs go to stderr.
	logOut := os.Stdout
	if *stdio {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, *stdio, *agent); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger, stdio bool, stdioAgent string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("cstp starting", "version", cstp.Version, "port", cfg.Port, "stdio", stdio)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, cstp.Version, true)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Decision store.
	var store storage.DecisionStore
	if cfg.StoragePath != "" {
		store, err = storage.NewSQLiteStore(ctx, cfg.StoragePath)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
	} else {
		slog.Warn("no CSTP_STORAGE_PATH set, decisions are not durable")
		store = storage.NewMemoryStore()
	}
	defer store.Close()

	// Embedding provider and vector index.
	embedder := newEmbeddingProvider(cfg, logger)
	vectors, err := newVectorIndex(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer vectors.Close()

	// Decision graph with optional append-only journal.
	g, err := graph.Open(cfg.GraphJournalPath)
	if err != nil {
		return fmt.Errorf("graph: %w", err)
	}
	defer g.Close()

	// Guardrails: YAML rule registry, optional evaluation journal.
	registry, err := guardrail.NewRegistry(cfg.RulesDirs, logger)
	if err != nil {
		return fmt.Errorf("guardrails: %w", err)
	}
	var journal *guardrail.Journal
	if cfg.GuardrailJournalPath != "" {
		journal, err = guardrail.OpenJournal(cfg.GuardrailJournalPath)
		if err != nil {
			return fmt.Errorf("guardrails: %w", err)
		}
		defer journal.Close()
	}
	engine := guardrail.NewEngine(registry, store, embedder, vectors, journal, logger)

	// Deliberation tracker with periodic expiry.
	trk := tracker.New(cfg.TrackerTTL)
	if cfg.TrackerTTL > 0 {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := trk.CleanupExpired(); n > 0 {
						logger.Debug("tracker cleanup", "expired", n)
					}
				}
			}
		}()
	}

	// Services.
	queries := query.New(store, vectors, embedder, trk, logger)
	dec := decisions.New(store, vectors, embedder, g, engine, trk, queries, logger)
	cal := calibration.New(store, logger)
	rdy := ready.New(store, cal, logger)
	pre := preaction.New(store, queries, engine, cal, dec, rdy, logger)

	dispatcher := rpc.NewDispatcher(rpc.Services{
		Decisions:   dec,
		Queries:     queries,
		Calibration: cal,
		PreAction:   pre,
		Ready:       rdy,
	}, cfg.HandlerTimeout, logger)

	if cfg.ReindexOnStart {
		res, err := dec.Reindex(ctx)
		if err != nil {
			return fmt.Errorf("reindex on start: %w", err)
		}
		slog.Info("startup reindex complete", "reindexed", res.Reindexed, "skipped", res.Skipped)
	} else if stored, err := store.Count(ctx, model.QueryFilters{}); err == nil {
		if indexed, err := vectors.Count(ctx); err == nil && indexed < stored {
			slog.Warn("vector index is behind the decision store, run reindex or set CSTP_REINDEX_ON_START",
				"indexed", indexed, "stored", stored)
		}
	}

	// MCP surface shared by both transports.
	mcpSrv := mcp.New(mcp.Config{
		Dispatcher:   dispatcher,
		Logger:       logger,
		AgentID:      server.AgentIDFromContext,
		DefaultAgent: firstNonEmpty(stdioAgent, os.Getenv("CSTP_AGENT_ID")),
	})

	if stdio {
		slog.Info("serving MCP over stdio")
		return mcpSrv.ServeStdio()
	}

	authn, err := auth.Parse(cfg.AuthTokens)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if authn == nil {
		slog.Warn("no CSTP_AUTH_TOKENS set, authentication disabled")
	}

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	defer limiter.Close()

	srv := server.New(server.Config{
		Dispatcher:          dispatcher,
		Logger:              logger,
		Auth:                authn,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxConcurrent:       cfg.MaxConcurrent,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		Version:             cstp.Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("cstp stopped")
	return nil
}

// newEmbeddingProvider picks the provider from configuration. "auto" prefers
// OpenAI when a key is present and falls back to the deterministic hash
// provider, which needs no network but gives weaker semantic retrieval.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	switch cfg.EmbeddingProvider {
	case "openai":
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	case "ollama":
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
	case "hash":
		return embedding.NewHashProvider(cfg.EmbeddingDimensions)
	}
	if cfg.OpenAIAPIKey != "" {
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	}
	logger.Warn("no OPENAI_API_KEY set, using hash embeddings")
	return embedding.NewHashProvider(cfg.EmbeddingDimensions)
}

func newVectorIndex(ctx context.Context, cfg config.Config, logger *slog.Logger) (vector.Store, error) {
	switch cfg.VectorBackend {
	case "qdrant":
		idx, err := vector.NewQdrantIndex(vector.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("vector: %w", err)
		}
		if err := idx.EnsureCollection(ctx); err != nil {
			return nil, fmt.Errorf("vector: %w", err)
		}
		return idx, nil
	case "pgvector":
		idx, err := vector.NewPgvectorIndex(ctx, cfg.PgvectorURL, cfg.EmbeddingDimensions, logger)
		if err != nil {
			return nil, fmt.Errorf("vector: %w", err)
		}
		return idx, nil
	default:
		return vector.NewMemoryIndex(), nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
