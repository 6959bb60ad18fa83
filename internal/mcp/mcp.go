// Package mcp exposes the CSTP methods as Model Context Protocol tools and
// resources, so MCP-compatible agents can record and query decisions without
// speaking JSON-RPC directly. Every tool routes through the same dispatcher
// as the HTTP endpoint, so validation, normalization, and error mapping stay
// identical across transports.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/tfatykhov/cstp"
	"github.com/tfatykhov/cstp/internal/rpc"
)

// Config holds the dependencies for creating a Server.
type Config struct {
	Dispatcher *rpc.Dispatcher
	Logger     *slog.Logger

	// AgentID extracts the caller identity from the request context when the
	// MCP transport runs behind the HTTP server. Nil or empty falls back to
	// DefaultAgent.
	AgentID func(ctx context.Context) string

	// DefaultAgent identifies the caller in stdio mode, where there is no
	// per-request authentication. Empty means "anonymous".
	DefaultAgent string
}

// Server wraps the MCP server around the JSON-RPC dispatcher.
type Server struct {
	mcpServer    *mcpserver.MCPServer
	dispatcher   *rpc.Dispatcher
	agentFromCtx func(ctx context.Context) string
	defaultAgent string
	logger       *slog.Logger
}

// New creates an MCP server with all tools and resources registered.
func New(cfg Config) *Server {
	s := &Server{
		dispatcher:   cfg.Dispatcher,
		agentFromCtx: cfg.AgentID,
		defaultAgent: cfg.DefaultAgent,
		logger:       cfg.Logger,
	}
	if s.defaultAgent == "" {
		s.defaultAgent = "anonymous"
	}

	s.mcpServer = mcpserver.NewMCPServer(
		cstp.ProtocolName,
		cstp.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio runs the server over stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

func (s *Server) caller(ctx context.Context) rpc.Caller {
	agent := ""
	if s.agentFromCtx != nil {
		agent = s.agentFromCtx(ctx)
	}
	if agent == "" {
		agent = s.defaultAgent
	}
	return rpc.Caller{AgentID: agent, Transport: "mcp"}
}

// call routes one tool invocation through the dispatcher and renders the
// result as a text content block.
func (s *Server) call(ctx context.Context, request mcplib.CallToolRequest, method string) (*mcplib.CallToolResult, error) {
	params, err := json.Marshal(request.GetArguments())
	if err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	resp := s.dispatcher.Call(ctx, s.caller(ctx), &rpc.Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`"mcp"`),
		Method:  method,
		Params:  params,
	})
	if resp.Error != nil {
		return errorResult(fmt.Sprintf("%s failed (%d): %s", method, resp.Error.Code, resp.Error.Message)), nil
	}

	data, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return textResult(string(data)), nil
}

// handler adapts a dispatcher method to an MCP tool handler.
func (s *Server) handler(method string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		return s.call(ctx, request, method)
	}
}

func (s *Server) registerResources() {
	// cstp://session/current: the caller's recent decisions, guardrails,
	// calibration, and pending maintenance in one read.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"cstp://session/current",
			"Current Session Context",
			mcplib.WithResourceDescription("Recent decisions, active guardrails, calibration by category, and ready actions for the requesting agent"),
			mcplib.WithMIMEType("application/json"),
		),
		s.resourceFor("getSessionContext"),
	)

	// cstp://guardrails: the active policy rules.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"cstp://guardrails",
			"Active Guardrails",
			mcplib.WithResourceDescription("Policy rules currently enforced on recorded decisions"),
			mcplib.WithMIMEType("application/json"),
		),
		s.resourceFor("listGuardrails"),
	)

	// cstp://ready: the maintenance queue.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"cstp://ready",
			"Ready Queue",
			mcplib.WithResourceDescription("Decisions awaiting review and calibration drift alerts, ordered by priority"),
			mcplib.WithMIMEType("application/json"),
		),
		s.resourceFor("ready"),
	)
}

// resourceFor serves a parameterless dispatcher method as a resource read.
func (s *Server) resourceFor(method string) mcpserver.ResourceHandlerFunc {
	return func(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
		resp := s.dispatcher.Call(ctx, s.caller(ctx), &rpc.Request{
			JSONRPC: "2.0",
			ID:      json.RawMessage(`"mcp"`),
			Method:  method,
		})
		if resp.Error != nil {
			return nil, fmt.Errorf("mcp: %s: %s", method, resp.Error.Message)
		}

		data, err := json.MarshalIndent(resp.Result, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("mcp: marshal %s: %w", method, err)
		}
		return []mcplib.ResourceContents{
			mcplib.TextResourceContents{
				URI:      request.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	}
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
