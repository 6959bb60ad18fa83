package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tfatykhov/cstp/internal/model"
	"github.com/tfatykhov/cstp/internal/service/calibration"
	"github.com/tfatykhov/cstp/internal/service/decisions"
	"github.com/tfatykhov/cstp/internal/service/preaction"
	"github.com/tfatykhov/cstp/internal/service/query"
	"github.com/tfatykhov/cstp/internal/service/ready"
	"github.com/tfatykhov/cstp/internal/storage"
	"github.com/tfatykhov/cstp/internal/telemetry"
	"github.com/tfatykhov/cstp/internal/tracker"
)

// DefaultHandlerTimeout bounds a single method call.
const DefaultHandlerTimeout = 15 * time.Second

// Services bundles everything the dispatcher routes to.
type Services struct {
	Decisions   *decisions.Service
	Queries     *query.Service
	Calibration *calibration.Service
	PreAction   *preaction.Service
	Ready       *ready.Service
}

// handler executes one method. Params arrive normalized to snake_case.
type handler func(ctx context.Context, caller Caller, params json.RawMessage, confidenceSet bool) (any, *Error)

// Dispatcher routes JSON-RPC requests to service methods.
type Dispatcher struct {
	services Services
	logger   *slog.Logger
	timeout  time.Duration
	methods  map[string]handler

	duration metric.Float64Histogram
}

// NewDispatcher creates the dispatcher. A non-positive timeout uses
// DefaultHandlerTimeout.
func NewDispatcher(services Services, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}
	meter := telemetry.Meter("cstp/rpc")
	dur, _ := meter.Float64Histogram("cstp.rpc.duration",
		metric.WithDescription("RPC method duration (ms)"),
		metric.WithUnit("ms"),
	)

	d := &Dispatcher{
		services: services,
		logger:   logger,
		timeout:  timeout,
		duration: dur,
	}
	d.methods = map[string]handler{
		"queryDecisions":    d.queryDecisions,
		"recordDecision":    d.recordDecision,
		"updateDecision":    d.updateDecision,
		"reviewDecision":    d.reviewDecision,
		"getDecision":       d.getDecision,
		"checkGuardrails":   d.checkGuardrails,
		"listGuardrails":    d.listGuardrails,
		"getReasonStats":    d.getReasonStats,
		"recordThought":     d.recordThought,
		"preAction":         d.preAction,
		"getSessionContext": d.getSessionContext,
		"ready":             d.ready,
		"linkDecisions":     d.linkDecisions,
		"getGraph":          d.getGraph,
		"getNeighbors":      d.getNeighbors,
		"checkDrift":        d.checkDrift,
		"getCalibration":    d.getCalibration,
		"reindex":           d.reindex,
		"attributeOutcomes": d.attributeOutcomes,
		"debugTracker":      d.debugTracker,
	}
	return d
}

// Methods returns the sorted-by-map-iteration method names; used by the MCP
// adapter to mirror the surface.
func (d *Dispatcher) Methods() []string {
	out := make([]string, 0, len(d.methods))
	for name := range d.methods {
		out = append(out, name)
	}
	return out
}

// Dispatch parses a raw JSON-RPC request and executes it under the handler
// budget.
func (d *Dispatcher) Dispatch(ctx context.Context, caller Caller, raw []byte) Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Response{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   newError(model.CodeParseError, "parse error: %v", err),
		}
	}
	return d.Call(ctx, caller, &req)
}

// Call executes a parsed request.
func (d *Dispatcher) Call(ctx context.Context, caller Caller, req *Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}
	if resp.ID == nil {
		resp.ID = json.RawMessage("null")
	}

	if req.JSONRPC != "2.0" {
		resp.Error = newError(model.CodeInvalidRequest, "jsonrpc must be %q", "2.0")
		return resp
	}
	h, ok := d.methods[req.Method]
	if !ok {
		resp.Error = newError(model.CodeMethodNotFound, "method %q not found", req.Method)
		return resp
	}

	params, confidenceSet, err := normalizeParams(req.Params)
	if err != nil {
		resp.Error = invalidParams(err)
		return resp
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	result, rpcErr := h(ctx, caller, params, confidenceSet)
	elapsed := time.Since(start)
	d.duration.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(attribute.String("method", req.Method)))

	if rpcErr != nil {
		d.logger.Warn("rpc: method failed",
			"method", req.Method, "agent", caller.AgentID, "code", rpcErr.Code, "error", rpcErr.Message)
		resp.Error = rpcErr
		return resp
	}
	d.logger.Debug("rpc: method ok", "method", req.Method, "agent", caller.AgentID, "duration", elapsed)
	resp.Result = result
	return resp
}

// decode unmarshals normalized params into a typed value.
func decode[T any](params json.RawMessage) (T, *Error) {
	var v T
	if err := json.Unmarshal(params, &v); err != nil {
		return v, invalidParams(fmt.Errorf("decode params: %w", err))
	}
	return v, nil
}

// mapErr translates service errors into stable JSON-RPC codes. fallback is
// the operation's own failure code.
func mapErr(err error, fallback int) *Error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return newError(model.CodeDecisionNotFound, "decision not found")
	case errors.Is(err, storage.ErrAlreadyReviewed):
		return newError(model.CodeReviewFailed, "decision already reviewed")
	case errors.Is(err, decisions.ErrNotOwner):
		return newError(model.CodeRecordFailed, "decision belongs to another agent")
	case errors.Is(err, decisions.ErrNotReviewed):
		return newError(model.CodeAttributionFailed, "decision has no outcome yet")
	case errors.Is(err, context.DeadlineExceeded):
		return newError(model.CodeInternalError, "handler timed out")
	}
	return &Error{Code: fallback, Message: err.Error()}
}

func (d *Dispatcher) queryDecisions(ctx context.Context, caller Caller, params json.RawMessage, _ bool) (any, *Error) {
	p, rpcErr := decode[model.QueryParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := p.Validate(); err != nil {
		return nil, invalidParams(err)
	}
	key := tracker.Key(caller.Transport, caller.AgentID, "")
	res, err := d.services.Queries.Query(ctx, key, p)
	if err != nil {
		return nil, mapErr(err, model.CodeQueryFailed)
	}
	return res, nil
}

func (d *Dispatcher) recordDecision(ctx context.Context, caller Caller, params json.RawMessage, confidenceSet bool) (any, *Error) {
	p, rpcErr := decode[model.RecordParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	p.ConfidenceSet = confidenceSet
	if !p.ConfidenceSet {
		return nil, invalidParams(fmt.Errorf("confidence is required"))
	}
	if err := p.Validate(); err != nil {
		return nil, invalidParams(err)
	}
	res, err := d.services.Decisions.Record(ctx, caller.Transport, caller.AgentID, p)
	if err != nil {
		return nil, mapErr(err, model.CodeRecordFailed)
	}
	return res, nil
}

func (d *Dispatcher) updateDecision(ctx context.Context, caller Caller, params json.RawMessage, _ bool) (any, *Error) {
	p, rpcErr := decode[model.UpdateParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if p.ID == "" {
		return nil, invalidParams(fmt.Errorf("id is required"))
	}
	updated, err := d.services.Decisions.Update(ctx, caller.AgentID, p)
	if err != nil {
		return nil, mapErr(err, model.CodeRecordFailed)
	}
	return map[string]any{"success": true, "decision": updated}, nil
}

func (d *Dispatcher) reviewDecision(ctx context.Context, caller Caller, params json.RawMessage, _ bool) (any, *Error) {
	p, rpcErr := decode[model.ReviewParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := p.Validate(); err != nil {
		return nil, invalidParams(err)
	}
	if err := d.services.Decisions.Review(ctx, p); err != nil {
		return nil, mapErr(err, model.CodeReviewFailed)
	}
	return map[string]any{"success": true, "id": p.ID}, nil
}

func (d *Dispatcher) getDecision(ctx context.Context, caller Caller, params json.RawMessage, _ bool) (any, *Error) {
	p, rpcErr := decode[struct {
		ID string `json:"id"`
	}](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if p.ID == "" {
		return nil, invalidParams(fmt.Errorf("id is required"))
	}
	res, err := d.services.Decisions.Get(ctx, p.ID)
	if err != nil {
		return nil, mapErr(err, model.CodeInternalError)
	}
	return res, nil
}

func (d *Dispatcher) checkGuardrails(ctx context.Context, caller Caller, params json.RawMessage, _ bool) (any, *Error) {
	p, rpcErr := decode[model.CheckGuardrailsParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := p.Validate(); err != nil {
		return nil, invalidParams(err)
	}
	res, err := d.services.Decisions.Guard().Check(ctx, caller.AgentID, p.Action)
	if err != nil {
		return nil, mapErr(err, model.CodeGuardrailEvalFailed)
	}
	d.services.Decisions.TrackGuardrailCheck(caller.Transport, caller.AgentID, p.Action, res)
	return res, nil
}

func (d *Dispatcher) listGuardrails(ctx context.Context, caller Caller, params json.RawMessage, _ bool) (any, *Error) {
	rules := d.services.Decisions.Guard().Rules()
	return map[string]any{"guardrails": rules, "count": len(rules)}, nil
}

func (d *Dispatcher) getReasonStats(ctx context.Context, caller Caller, params json.RawMessage, _ bool) (any, *Error) {
	p, rpcErr := decode[struct {
		Filters model.QueryFilters `json:"filters"`
	}](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	res, err := d.services.Decisions.ReasonStats(ctx, p.Filters)
	if err != nil {
		return nil, mapErr(err, model.CodeInternalError)
	}
	return res, nil
}

func (d *Dispatcher) recordThought(ctx context.Context, caller Caller, params json.RawMessage, _ bool) (any, *Error) {
	p, rpcErr := decode[model.RecordThoughtParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if p.Thought == "" {
		return nil, invalidParams(fmt.Errorf("thought is required"))
	}
	d.services.Decisions.Thought(caller.Transport, caller.AgentID, p.SessionID, p.Thought)
	return map[string]any{"tracked": true}, nil
}

func (d *Dispatcher) preAction(ctx context.Context, caller Caller, params json.RawMessage, _ bool) (any, *Error) {
	p, rpcErr := decode[model.PreActionParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if p.Action.Description == "" {
		return nil, invalidParams(fmt.Errorf("action.description is required"))
	}
	if p.Action.Stakes == "" {
		p.Action.Stakes = model.StakesMedium
	}
	res, err := d.services.PreAction.PreAction(ctx, caller.Transport, caller.AgentID, p)
	if err != nil {
		return nil, mapErr(err, model.CodeInternalError)
	}
	return res, nil
}

func (d *Dispatcher) getSessionContext(ctx context.Context, caller Caller, params json.RawMessage, _ bool) (any, *Error) {
	p, rpcErr := decode[model.SessionContextParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	res, err := d.services.PreAction.SessionContext(ctx, caller.AgentID, p)
	if err != nil {
		return nil, mapErr(err, model.CodeInternalError)
	}
	return res, nil
}

func (d *Dispatcher) ready(ctx context.Context, caller Caller, params json.RawMessage, _ bool) (any, *Error) {
	p, rpcErr := decode[model.ReadyParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	res, err := d.services.Ready.Actions(ctx, caller.AgentID, p)
	if err != nil {
		return nil, mapErr(err, model.CodeInternalError)
	}
	return res, nil
}

func (d *Dispatcher) linkDecisions(ctx context.Context, caller Caller, params json.RawMessage, _ bool) (any, *Error) {
	p, rpcErr := decode[model.LinkParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := p.Validate(); err != nil {
		return nil, invalidParams(err)
	}
	if err := d.services.Decisions.Link(ctx, p); err != nil {
		return nil, mapErr(err, model.CodeInternalError)
	}
	return map[string]any{"success": true}, nil
}

func (d *Dispatcher) getGraph(ctx context.Context, caller Caller, params json.RawMessage, _ bool) (any, *Error) {
	p, rpcErr := decode[model.GraphParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if p.RootID == "" {
		return nil, invalidParams(fmt.Errorf("root_id is required"))
	}
	res, err := d.services.Decisions.Subgraph(ctx, p)
	if err != nil {
		return nil, mapErr(err, model.CodeInternalError)
	}
	return res, nil
}

func (d *Dispatcher) getNeighbors(ctx context.Context, caller Caller, params json.RawMessage, _ bool) (any, *Error) {
	p, rpcErr := decode[struct {
		ID    string                `json:"id"`
		Types []model.GraphEdgeType `json:"types"`
	}](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if p.ID == "" {
		return nil, invalidParams(fmt.Errorf("id is required"))
	}
	neighbors, err := d.services.Decisions.Neighbors(ctx, p.ID, p.Types)
	if err != nil {
		return nil, mapErr(err, model.CodeInternalError)
	}
	if neighbors == nil {
		neighbors = []model.Neighbor{}
	}
	return map[string]any{"id": p.ID, "neighbors": neighbors}, nil
}

func (d *Dispatcher) checkDrift(ctx context.Context, caller Caller, params json.RawMessage, _ bool) (any, *Error) {
	p, rpcErr := decode[model.DriftParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	res, err := d.services.Calibration.Drift(ctx, p)
	if err != nil {
		return nil, mapErr(err, model.CodeInternalError)
	}
	return res, nil
}

func (d *Dispatcher) getCalibration(ctx context.Context, caller Caller, params json.RawMessage, _ bool) (any, *Error) {
	p, rpcErr := decode[model.CalibrationParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	res, err := d.services.Calibration.Report(ctx, p)
	if err != nil {
		return nil, mapErr(err, model.CodeInternalError)
	}
	return res, nil
}

func (d *Dispatcher) reindex(ctx context.Context, caller Caller, params json.RawMessage, _ bool) (any, *Error) {
	res, err := d.services.Decisions.Reindex(ctx)
	if err != nil {
		return nil, mapErr(err, model.CodeInternalError)
	}
	return res, nil
}

func (d *Dispatcher) attributeOutcomes(ctx context.Context, caller Caller, params json.RawMessage, _ bool) (any, *Error) {
	p, rpcErr := decode[model.AttributeParams](params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if p.ID == "" {
		return nil, invalidParams(fmt.Errorf("id is required"))
	}
	res, err := d.services.Decisions.AttributeOutcomes(ctx, p.ID)
	if err != nil {
		return nil, mapErr(err, model.CodeAttributionFailed)
	}
	return res, nil
}

func (d *Dispatcher) debugTracker(ctx context.Context, caller Caller, params json.RawMessage, _ bool) (any, *Error) {
	prefix := tracker.Key(caller.Transport, caller.AgentID, "")
	sessions := d.services.Decisions.Tracker().Sessions(prefix)
	return model.TrackerDebugResult{Sessions: sessions}, nil
}
