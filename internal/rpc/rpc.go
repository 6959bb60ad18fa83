// Package rpc implements the JSON-RPC 2.0 surface: envelope parsing,
// parameter normalization, method dispatch, and error code mapping.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/tfatykhov/cstp/internal/model"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc: %d %s", e.Code, e.Message)
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func newError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func invalidParams(err error) *Error {
	return &Error{Code: model.CodeInvalidParams, Message: err.Error()}
}

// Caller identifies the authenticated origin of a request.
type Caller struct {
	AgentID   string
	Transport string // "http" or "mcp"; prefixes the tracker session key
}
