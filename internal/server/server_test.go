package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfatykhov/cstp/internal/auth"
	"github.com/tfatykhov/cstp/internal/embedding"
	"github.com/tfatykhov/cstp/internal/graph"
	"github.com/tfatykhov/cstp/internal/guardrail"
	"github.com/tfatykhov/cstp/internal/model"
	"github.com/tfatykhov/cstp/internal/ratelimit"
	"github.com/tfatykhov/cstp/internal/rpc"
	"github.com/tfatykhov/cstp/internal/service/calibration"
	"github.com/tfatykhov/cstp/internal/service/decisions"
	"github.com/tfatykhov/cstp/internal/service/preaction"
	"github.com/tfatykhov/cstp/internal/service/query"
	"github.com/tfatykhov/cstp/internal/service/ready"
	"github.com/tfatykhov/cstp/internal/storage"
	"github.com/tfatykhov/cstp/internal/tracker"
	"github.com/tfatykhov/cstp/internal/vector"
)

func newTestServer(t *testing.T, authn *auth.Authenticator, limiter ratelimit.Limiter) *Server {
	t.Helper()
	store := storage.NewMemoryStore()
	idx := vector.NewMemoryIndex()
	emb := embedding.NewHashProvider(256)
	trk := tracker.New(0)
	g, err := graph.Open("")
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	registry, err := guardrail.NewRegistry([]string{t.TempDir()}, logger)
	require.NoError(t, err)
	engine := guardrail.NewEngine(registry, store, emb, idx, nil, logger)

	queries := query.New(store, idx, emb, trk, logger)
	dec := decisions.New(store, idx, emb, g, engine, trk, queries, logger)
	cal := calibration.New(store, logger)
	rdy := ready.New(store, cal, logger)
	pre := preaction.New(store, queries, engine, cal, dec, rdy, logger)

	dispatcher := rpc.NewDispatcher(rpc.Services{
		Decisions:   dec,
		Queries:     queries,
		Calibration: cal,
		PreAction:   pre,
		Ready:       rdy,
	}, 0, logger)

	return New(Config{
		Dispatcher:          dispatcher,
		Logger:              logger,
		Auth:                authn,
		Limiter:             limiter,
		MaxRequestBodyBytes: 4096,
		Version:             "test",
	})
}

func doRPC(t *testing.T, srv *Server, headers map[string]string, body string) (*httptest.ResponseRecorder, rpc.Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/cstp", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var resp rpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestHealthOpenWithoutAuth(t *testing.T) {
	authn, err := auth.Parse("claude:secret")
	require.NoError(t, err)
	srv := newTestServer(t, authn, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var health model.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAgentCardListsMethods(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/agent.json", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var card model.AgentCard
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &card))
	assert.Equal(t, "cstp", card.Protocol)
	assert.Len(t, card.Capabilities, 20)
	assert.Contains(t, card.Capabilities, "recordDecision")
}

func TestRPCWithoutAuthUsesAgentHeader(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	rec, resp := doRPC(t, srv, map[string]string{"X-Agent-ID": "claude"},
		`{"jsonrpc":"2.0","id":1,"method":"recordDecision","params":{"decision":"use pgx","category":"architecture","confidence":0.8}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, resp.Error)

	var res model.RecordResult
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.True(t, res.Success)
	assert.Len(t, res.ID, 8)
}

func TestRPCRequiresValidToken(t *testing.T) {
	authn, err := auth.Parse("claude:secret")
	require.NoError(t, err)
	srv := newTestServer(t, authn, nil)

	// No credential at all.
	rec, resp := doRPC(t, srv, nil, `{"jsonrpc":"2.0","id":1,"method":"listGuardrails"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, model.CodeAuthRequired, resp.Error.Code)

	// Wrong secret.
	rec, resp = doRPC(t, srv, map[string]string{"Authorization": "Bearer claude:nope"},
		`{"jsonrpc":"2.0","id":1,"method":"listGuardrails"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotNil(t, resp.Error)

	// Correct credential.
	rec, resp = doRPC(t, srv, map[string]string{"Authorization": "Bearer claude:secret"},
		`{"jsonrpc":"2.0","id":1,"method":"listGuardrails"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, resp.Error)
}

func TestRateLimitedRequestRejected(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, 1)
	defer limiter.Close()
	srv := newTestServer(t, nil, limiter)

	headers := map[string]string{"X-Agent-ID": "claude"}
	rec, _ := doRPC(t, srv, headers, `{"jsonrpc":"2.0","id":1,"method":"listGuardrails"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp := doRPC(t, srv, headers, `{"jsonrpc":"2.0","id":2,"method":"listGuardrails"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, model.CodeRateLimited, resp.Error.Code)

	// A different agent has its own bucket.
	rec, resp = doRPC(t, srv, map[string]string{"X-Agent-ID": "gpt"},
		`{"jsonrpc":"2.0","id":3,"method":"listGuardrails"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, resp.Error)
}

func TestOversizedBodyRejected(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	big := strings.Repeat("x", 8192)
	rec, resp := doRPC(t, srv, map[string]string{"X-Agent-ID": "claude"},
		`{"jsonrpc":"2.0","id":1,"method":"recordDecision","params":{"decision":"`+big+`"}}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, model.CodeInvalidRequest, resp.Error.Code)
}

func TestTrackerSessionsIsolatedPerAgent(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	_, resp := doRPC(t, srv, map[string]string{"X-Agent-ID": "claude"},
		`{"jsonrpc":"2.0","id":1,"method":"recordThought","params":{"thought":"considering a cache"}}`)
	require.Nil(t, resp.Error)

	_, resp = doRPC(t, srv, map[string]string{"X-Agent-ID": "gpt"},
		`{"jsonrpc":"2.0","id":2,"method":"debugTracker"}`)
	require.Nil(t, resp.Error)

	var dbg model.TrackerDebugResult
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &dbg))
	assert.Empty(t, dbg.Sessions)
}

func TestShutdownIdempotentWithoutStart(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	require.NoError(t, srv.Shutdown(context.Background()))
}
