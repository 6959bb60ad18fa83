// Package server exposes the CSTP surface over HTTP: the JSON-RPC endpoint,
// the MCP streamable transport, health, and agent discovery.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/tfatykhov/cstp"
	"github.com/tfatykhov/cstp/internal/auth"
	"github.com/tfatykhov/cstp/internal/model"
	"github.com/tfatykhov/cstp/internal/ratelimit"
	"github.com/tfatykhov/cstp/internal/rpc"
)

// Server is the CSTP HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	dispatcher *rpc.Dispatcher
	auth       *auth.Authenticator
	limiter    ratelimit.Limiter
	logger     *slog.Logger

	sem     chan struct{}
	maxBody int64
	version string
	started time.Time
}

// Config holds the dependencies and settings for creating a Server.
// Optional fields (nil-safe): Auth, Limiter, MCPServer.
type Config struct {
	Dispatcher *rpc.Dispatcher
	Logger     *slog.Logger

	// Auth verifies bearer credentials. Nil disables authentication and the
	// caller identity falls back to the X-Agent-ID header.
	Auth *auth.Authenticator

	// Limiter throttles per-agent request rates. Nil disables limiting.
	Limiter ratelimit.Limiter

	// MCPServer, when set, is mounted at /mcp over the streamable HTTP
	// transport behind the same auth as the JSON-RPC endpoint.
	MCPServer *mcpserver.MCPServer

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxConcurrent       int
	MaxRequestBodyBytes int64
	Version             string
}

// New creates an HTTP server with all routes and middleware configured.
func New(cfg Config) *Server {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 64
	}
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = 1 << 20
	}
	if cfg.Version == "" {
		cfg.Version = cstp.Version
	}

	s := &Server{
		dispatcher: cfg.Dispatcher,
		auth:       cfg.Auth,
		limiter:    cfg.Limiter,
		logger:     cfg.Logger,
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		maxBody:    cfg.MaxRequestBodyBytes,
		version:    cfg.Version,
		started:    time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /cstp", s.handleRPC)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /.well-known/agent.json", s.handleAgentCard)

	// MCP StreamableHTTP transport shares the auth and backpressure chain.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → backpressure →
	// auth → recovery → handler.
	var handler http.Handler = mux
	handler = s.recoveryMiddleware(handler)
	handler = s.authMiddleware(handler)
	handler = s.backpressureMiddleware(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	s.handler = handler
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// handleRPC runs one JSON-RPC request through the dispatcher.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeRPCError(w, http.StatusRequestEntityTooLarge, model.CodeInvalidRequest,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeRPCError(w, http.StatusBadRequest, model.CodeInvalidRequest, "failed to read request body")
		return
	}

	caller := rpc.Caller{AgentID: AgentIDFromContext(r.Context()), Transport: "http"}
	resp := s.dispatcher.Dispatch(r.Context(), caller, body)

	// JSON-RPC carries its own error envelope; transport status stays 200.
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("server: failed to encode response",
			"error", err, "request_id", RequestIDFromContext(r.Context()))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(model.HealthResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}

// handleAgentCard serves the discovery document so agents can introspect the
// available methods before connecting.
func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(model.AgentCard{
		Name:            "cstp",
		Description:     "Decision intelligence service: records agent decisions, evaluates guardrails, and tracks calibration.",
		Version:         s.version,
		Capabilities:    s.dispatcher.Methods(),
		Protocol:        cstp.ProtocolName,
		ProtocolVersion: cstp.ProtocolVersion,
	})
}
