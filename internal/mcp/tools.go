package mcp

import (
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerTools() {
	// cstp_pre_action: the composite entry point agents should call first.
	s.mcpServer.AddTool(
		mcplib.NewTool("cstp_pre_action",
			mcplib.WithDescription(`Run the full pre-action flow before committing to a decision.

WHEN TO USE: BEFORE taking any non-trivial action. One call evaluates
guardrails, retrieves related past decisions, and returns your calibration
context for the category, then optionally records the decision.

WHAT YOU GET BACK:
- allowed: false means a blocking guardrail fired; do not proceed
- relevant_decisions: past decisions similar to this action
- calibration_context: how accurate your confidence has been in this category
- decision_id: set when the decision was auto-recorded

Auto-recording needs confidence and category on the action (or an explicit
record object). Without them the flow still runs but records nothing.`),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithObject("action",
				mcplib.Description("The action under consideration: description (required), category, stakes, confidence"),
				mcplib.Required(),
			),
			mcplib.WithObject("options",
				mcplib.Description("Flow tuning: query_limit, auto_record, include_patterns"),
			),
			mcplib.WithObject("record",
				mcplib.Description("Explicit recordDecision fields used when auto-recording; overrides values derived from action"),
			),
		),
		s.handler("preAction"),
	)

	// cstp_record_decision: persist a decision with its deliberation.
	s.mcpServer.AddTool(
		mcplib.NewTool("cstp_record_decision",
			mcplib.WithDescription(`Record a decision with confidence, reasons, and context.

Guardrails run first: a blocking violation means nothing is persisted and
the violations come back in the result. Thoughts and queries made earlier
in the session are attached automatically as deliberation.

Be honest with confidence: calibration tracking compares it against the
reviewed outcome later, and systematic overconfidence surfaces as drift.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithString("decision", mcplib.Description("What was decided, stated as a fact"), mcplib.Required()),
			mcplib.WithString("category", mcplib.Description("Decision category, e.g. architecture, security, process"), mcplib.Required()),
			mcplib.WithNumber("confidence", mcplib.Description("How certain you are, 0.0-1.0"), mcplib.Required(), mcplib.Min(0), mcplib.Max(1)),
			mcplib.WithString("context", mcplib.Description("Surrounding context for the decision")),
			mcplib.WithString("stakes", mcplib.Description("low, medium, high, or critical; defaults to medium")),
			mcplib.WithString("pattern", mcplib.Description("Reusable pattern this decision instantiates")),
			mcplib.WithString("session_id", mcplib.Description("Scopes tracked deliberation when running parallel decisions")),
			mcplib.WithArray("reasons", mcplib.Description("Typed reasons: {type, text, strength}")),
			mcplib.WithArray("tags", mcplib.Description("Free-form tags")),
			mcplib.WithArray("related_to", mcplib.Description("Known related decision ids: {id, distance}")),
			mcplib.WithObject("deliberation", mcplib.Description("Explicit deliberation trace merged with the tracked session")),
		),
		s.handler("recordDecision"),
	)

	// cstp_query_decisions: hybrid retrieval over past decisions.
	s.mcpServer.AddTool(
		mcplib.NewTool("cstp_query_decisions",
			mcplib.WithDescription(`Search past decisions by meaning and keywords.

Queries are tracked per session: the top hits seed the related set of the
next recorded decision, so query before recording to build the graph.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("query", mcplib.Description("Natural language search query"), mcplib.Required()),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results"), mcplib.Min(0), mcplib.Max(100), mcplib.DefaultNumber(10)),
			mcplib.WithString("retrieval_mode", mcplib.Description("semantic, keyword, or hybrid (default)")),
			mcplib.WithNumber("hybrid_weight", mcplib.Description("Semantic weight for hybrid mode, 0.0-1.0")),
			mcplib.WithBoolean("include_reasons", mcplib.Description("Include full reasons in results")),
			mcplib.WithString("bridge_side", mcplib.Description("structure, function, or both")),
			mcplib.WithObject("filters", mcplib.Description("Structured filters: category, agent_id, project, tags, outcome, min_confidence, date ranges")),
		),
		s.handler("queryDecisions"),
	)

	// cstp_record_thought: push a reasoning note into the tracker.
	s.mcpServer.AddTool(
		mcplib.NewTool("cstp_record_thought",
			mcplib.WithDescription("Record an intermediate reasoning step. Thoughts accumulate per session and attach to the next recorded decision as deliberation."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithString("thought", mcplib.Description("The reasoning note"), mcplib.Required()),
			mcplib.WithString("session_id", mcplib.Description("Session scope; omit for the default session")),
		),
		s.handler("recordThought"),
	)

	// cstp_check_guardrails: evaluate policy rules without recording.
	s.mcpServer.AddTool(
		mcplib.NewTool("cstp_check_guardrails",
			mcplib.WithDescription("Evaluate guardrail policy rules against a proposed action without recording anything. Returns per-rule results with severity."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithObject("action",
				mcplib.Description("The proposed action: description (required), category, stakes, confidence"),
				mcplib.Required(),
			),
		),
		s.handler("checkGuardrails"),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("cstp_list_guardrails",
			mcplib.WithDescription("List the active guardrail rules."),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handler("listGuardrails"),
	)

	// cstp_review_decision: close the loop on a past decision.
	s.mcpServer.AddTool(
		mcplib.NewTool("cstp_review_decision",
			mcplib.WithDescription(`Record the actual outcome of a past decision.

Reviewing feeds calibration: the gap between recorded confidence and real
outcomes drives drift detection. A decision can be reviewed once; after
that it is immutable.`),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithString("id", mcplib.Description("Decision id"), mcplib.Required()),
			mcplib.WithString("outcome", mcplib.Description("success, failure, partial, or abandoned"), mcplib.Required()),
			mcplib.WithString("actual_result", mcplib.Description("What actually happened"), mcplib.Required()),
			mcplib.WithString("lessons", mcplib.Description("What to do differently next time")),
		),
		s.handler("reviewDecision"),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("cstp_update_decision",
			mcplib.WithDescription("Amend an unreviewed decision you own. Reviewed decisions are immutable."),
			mcplib.WithString("id", mcplib.Description("Decision id"), mcplib.Required()),
			mcplib.WithString("decision", mcplib.Description("Replacement decision text")),
			mcplib.WithString("context", mcplib.Description("Replacement context")),
			mcplib.WithString("pattern", mcplib.Description("Replacement pattern")),
			mcplib.WithArray("tags", mcplib.Description("Replacement tags")),
			mcplib.WithArray("reasons", mcplib.Description("Replacement reasons")),
		),
		s.handler("updateDecision"),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("cstp_get_decision",
			mcplib.WithDescription("Fetch one decision with its graph neighbors."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("id", mcplib.Description("Decision id"), mcplib.Required()),
		),
		s.handler("getDecision"),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("cstp_get_session_context",
			mcplib.WithDescription("Bundle of recent decisions, active guardrails, calibration by category, top patterns, and pending ready actions. Call at session start."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("agent_id", mcplib.Description("Agent to scope to; defaults to the caller")),
			mcplib.WithString("project", mcplib.Description("Project filter")),
			mcplib.WithNumber("limit", mcplib.Description("Recent decision count")),
		),
		s.handler("getSessionContext"),
	)

	// cstp_ready: the maintenance queue.
	s.mcpServer.AddTool(
		mcplib.NewTool("cstp_ready",
			mcplib.WithDescription("List maintenance actions: overdue reviews, aging pending decisions, and calibration drift alerts, ordered by priority."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("min_priority", mcplib.Description("low, medium, or high")),
			mcplib.WithArray("action_types", mcplib.Description("Filter: review_outcome, review_overdue, stale_pending, calibration_drift")),
			mcplib.WithString("category", mcplib.Description("Category filter")),
			mcplib.WithNumber("limit", mcplib.Description("Maximum actions"), mcplib.DefaultNumber(20)),
		),
		s.handler("ready"),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("cstp_link_decisions",
			mcplib.WithDescription("Create a typed edge between two decisions: relates_to, supersedes, depends_on, contradicts, or blocks."),
			mcplib.WithString("from", mcplib.Description("Source decision id"), mcplib.Required()),
			mcplib.WithString("to", mcplib.Description("Target decision id"), mcplib.Required()),
			mcplib.WithString("type", mcplib.Description("Edge type; defaults to relates_to")),
			mcplib.WithNumber("weight", mcplib.Description("Edge strength 0.0-1.0"), mcplib.Min(0), mcplib.Max(1)),
		),
		s.handler("linkDecisions"),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("cstp_get_graph",
			mcplib.WithDescription("Walk the decision graph from a root node to a bounded depth."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("root_id", mcplib.Description("Root decision id"), mcplib.Required()),
			mcplib.WithNumber("depth", mcplib.Description("Traversal depth; defaults to 1")),
			mcplib.WithArray("types", mcplib.Description("Edge types to follow")),
		),
		s.handler("getGraph"),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("cstp_get_neighbors",
			mcplib.WithDescription("List the direct graph neighbors of a decision, optionally filtered by edge type."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("id", mcplib.Description("Decision id"), mcplib.Required()),
			mcplib.WithString("type", mcplib.Description("Edge type filter")),
		),
		s.handler("getNeighbors"),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("cstp_get_calibration",
			mcplib.WithDescription("Calibration report over reviewed decisions: Brier score, confidence buckets, accuracy gap, and recommendations."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithObject("filters", mcplib.Description("Scope: agent_id, category, project, date ranges")),
		),
		s.handler("getCalibration"),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("cstp_check_drift",
			mcplib.WithDescription("Compare recent calibration against history and report degradation alerts."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("category", mcplib.Description("Category to scope to")),
			mcplib.WithNumber("window_days", mcplib.Description("Recent window size; defaults to 30")),
			mcplib.WithNumber("brier_threshold", mcplib.Description("Relative Brier change that triggers an alert")),
			mcplib.WithNumber("accuracy_threshold", mcplib.Description("Relative accuracy change that triggers an alert")),
		),
		s.handler("checkDrift"),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("cstp_get_reason_stats",
			mcplib.WithDescription("Aggregate reason type usage across recorded decisions."),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handler("getReasonStats"),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("cstp_attribute_outcomes",
			mcplib.WithDescription("Propagate a reviewed decision's outcome onto the related-decision snapshots of its unreviewed neighbors."),
			mcplib.WithString("id", mcplib.Description("Reviewed decision id"), mcplib.Required()),
		),
		s.handler("attributeOutcomes"),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("cstp_reindex",
			mcplib.WithDescription("Rebuild the vector index from stored decisions. Use after changing embedding configuration."),
			mcplib.WithIdempotentHintAnnotation(true),
		),
		s.handler("reindex"),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("cstp_debug_tracker",
			mcplib.WithDescription("Inspect your pending deliberation sessions without consuming them."),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handler("debugTracker"),
	)
}
