package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfatykhov/cstp/internal/embedding"
	"github.com/tfatykhov/cstp/internal/graph"
	"github.com/tfatykhov/cstp/internal/guardrail"
	"github.com/tfatykhov/cstp/internal/model"
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

func newMCPServer(t *testing.T) *Server {
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
		Dispatcher:   dispatcher,
		Logger:       logger,
		DefaultAgent: "claude",
	})
}

func callTool(t *testing.T, s *Server, method string, args map[string]any) *mcplib.CallToolResult {
	t.Helper()
	req := mcplib.CallToolRequest{}
	req.Params.Arguments = args
	res, err := s.call(context.Background(), req, method)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func resultText(t *testing.T, res *mcplib.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestToolRecordAndQuery(t *testing.T) {
	s := newMCPServer(t)

	res := callTool(t, s, "recordDecision", map[string]any{
		"decision":   "use qdrant for vector search",
		"category":   "architecture",
		"confidence": 0.8,
	})
	require.False(t, res.IsError)

	var rec model.RecordResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &rec))
	assert.True(t, rec.Success)
	assert.Len(t, rec.ID, 8)

	res = callTool(t, s, "queryDecisions", map[string]any{"query": "vector search"})
	require.False(t, res.IsError)

	var qr model.QueryResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &qr))
	require.NotEmpty(t, qr.Results)
	assert.Equal(t, rec.ID, qr.Results[0].Decision.ID)
}

func TestToolCamelCaseArguments(t *testing.T) {
	s := newMCPServer(t)

	callTool(t, s, "recordDecision", map[string]any{
		"decision":   "cache sessions in redis",
		"category":   "architecture",
		"confidence": 0.7,
	})

	res := callTool(t, s, "queryDecisions", map[string]any{
		"query":         "redis",
		"retrievalMode": "keyword",
	})
	require.False(t, res.IsError)

	var qr model.QueryResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &qr))
	assert.Equal(t, model.RetrievalKeyword, qr.Mode)
}

func TestToolErrorSurfacesAsToolError(t *testing.T) {
	s := newMCPServer(t)

	res := callTool(t, s, "getDecision", map[string]any{"id": "missing0"})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "getDecision failed")
}

func TestToolMissingConfidenceRejected(t *testing.T) {
	s := newMCPServer(t)

	res := callTool(t, s, "recordDecision", map[string]any{
		"decision": "no confidence given",
		"category": "process",
	})
	assert.True(t, res.IsError)
}

func TestDefaultAgentIdentity(t *testing.T) {
	s := newMCPServer(t)

	caller := s.caller(context.Background())
	assert.Equal(t, "claude", caller.AgentID)
	assert.Equal(t, "mcp", caller.Transport)

	// A context extractor takes precedence when it yields an identity.
	s.agentFromCtx = func(context.Context) string { return "gpt" }
	assert.Equal(t, "gpt", s.caller(context.Background()).AgentID)
}

func TestResourceReadsThroughDispatcher(t *testing.T) {
	s := newMCPServer(t)

	callTool(t, s, "recordDecision", map[string]any{
		"decision":   "adopt structured logging",
		"category":   "process",
		"confidence": 0.9,
	})

	handler := s.resourceFor("getSessionContext")
	req := mcplib.ReadResourceRequest{}
	req.Params.URI = "cstp://session/current"
	contents, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "cstp://session/current", text.URI)

	var sc model.SessionContextResult
	require.NoError(t, json.Unmarshal([]byte(text.Text), &sc))
	assert.Len(t, sc.RecentDecisions, 1)
}
