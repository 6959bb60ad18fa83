package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tfatykhov/cstp/internal/auth"
	"github.com/tfatykhov/cstp/internal/model"
	"github.com/tfatykhov/cstp/internal/rpc"
)

type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyAgentID   contextKey = "agent_id"
)

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// AgentIDFromContext extracts the authenticated agent id from the context.
func AgentIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyAgentID).(string); ok {
		return v
	}
	return ""
}

// requestIDMiddleware assigns a unique request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), contextKeyRequestID, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// securityHeadersMiddleware sets conservative defaults for an API-only
// service.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

var (
	tracer    = otel.Tracer("cstp/http")
	httpMeter = otel.GetMeterProvider().Meter("cstp/http")
)

// tracingMiddleware creates an OTEL span per request and records count and
// duration metrics.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("http.request_id", RequestIDFromContext(r.Context())),
			),
		)
		defer span.End()

		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", wrapped.statusCode))

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
			attribute.String("http.status_code", strconv.Itoa(wrapped.statusCode)),
		}
		if agent := AgentIDFromContext(ctx); agent != "" {
			span.SetAttributes(attribute.String("cstp.agent_id", agent))
			attrs = append(attrs, attribute.String("cstp.agent_id", agent))
		}

		// Best-effort metrics; instruments are created lazily.
		if counter, err := httpMeter.Int64Counter("http.server.request_count"); err == nil {
			counter.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
		}
		if hist, err := httpMeter.Float64Histogram("http.server.duration",
			otelmetric.WithUnit("ms")); err == nil {
			hist.Record(ctx, float64(time.Since(start).Milliseconds()), otelmetric.WithAttributes(attrs...))
		}
	})
}

// loggingMiddleware logs each request with structured fields.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestIDFromContext(r.Context()),
		}
		if tid := traceIDFromContext(r.Context()); tid != "" {
			attrs = append(attrs, "trace_id", tid)
		}
		if agent := AgentIDFromContext(r.Context()); agent != "" {
			attrs = append(attrs, "agent_id", agent)
		}

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request", attrs...)
	})
}

// traceIDFromContext extracts the OTEL trace ID from the context, if any.
func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// backpressureMiddleware bounds in-flight requests with a semaphore. Excess
// traffic gets the rate_limited error instead of queueing unbounded.
func (s *Server) backpressureMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
			next.ServeHTTP(w, r)
		default:
			writeRPCError(w, http.StatusTooManyRequests, model.CodeRateLimited, "server at capacity")
		}
	})
}

// authMiddleware validates the bearer credential and stores the agent id in
// the context. With no authenticator configured, the X-Agent-ID header (or
// "anonymous") identifies the caller. Health and discovery stay open.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/.well-known/agent.json" {
			next.ServeHTTP(w, r)
			return
		}

		agentID, err := s.authenticate(r)
		if err != nil {
			writeRPCError(w, http.StatusUnauthorized, model.CodeAuthRequired, err.Error())
			return
		}

		if s.limiter != nil {
			ok, lerr := s.limiter.Allow(r.Context(), agentID)
			if lerr != nil {
				// Fail open on limiter malfunction.
				s.logger.Error("server: rate limiter failed", "error", lerr)
			} else if !ok {
				writeRPCError(w, http.StatusTooManyRequests, model.CodeRateLimited, "rate limit exceeded")
				return
			}
		}

		ctx := context.WithValue(r.Context(), contextKeyAgentID, agentID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	if s.auth == nil {
		if agent := r.Header.Get("X-Agent-ID"); agent != "" {
			return agent, nil
		}
		return "anonymous", nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return "", auth.ErrInvalidCredentials
	}
	scheme, credential, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", auth.ErrInvalidCredentials
	}
	agentID, token, err := auth.ParseBearer(credential)
	if err != nil {
		return "", auth.ErrInvalidCredentials
	}
	if err := s.auth.Verify(agentID, token); err != nil {
		return "", err
	}
	return agentID, nil
}

// recoveryMiddleware turns handler panics into internal errors instead of
// dropped connections.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("server: handler panic",
					"panic", rec,
					"path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
					"stack", string(debug.Stack()),
				)
				writeRPCError(w, http.StatusInternalServerError, model.CodeInternalError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// writeRPCError emits a JSON-RPC error envelope at the transport layer,
// where no request id has been parsed yet.
func writeRPCError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rpc.Response{
		JSONRPC: "2.0",
		ID:      json.RawMessage("null"),
		Error:   &rpc.Error{Code: code, Message: message},
	})
}
