package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/engramhq/engram/internal/gateway"
)

// ToolHandler executes one tool call. The correlation id is the front-end's;
// handlers never mint their own.
type ToolHandler func(ctx context.Context, correlationID string, args json.RawMessage) (any, error)

type registeredTool struct {
	tool    mcp.Tool
	schema  *jsonschema.Schema
	handler ToolHandler
}

// CallError is a dispatch failure the front-end maps to a JSON-RPC error.
type CallError struct {
	Reason  string // UNKNOWN_TOOL, MISSING_REQUIRED_PARAM, INVALID_PARAMS, TOOL_EXECUTOR_NOT_REGISTERED
	Message string
}

func (e *CallError) Error() string { return e.Message }

// Registry holds the tool definitions, their compiled argument schemas, and
// their executors. tools/list reports definitions in registration order.
type Registry struct {
	order   []string
	tools   map[string]registeredTool
	aliases map[string]string
}

// NewRegistry registers the five gateway tools against their handlers, plus
// the historical dotted aliases the legacy envelope still uses.
func NewRegistry(h *gateway.Handlers) (*Registry, error) {
	r := &Registry{
		tools: map[string]registeredTool{},
		aliases: map[string]string{
			"memory.store": "memory_store",
			"memory.query": "memory_query",
		},
	}

	specs := []struct {
		tool    mcp.Tool
		handler ToolHandler
	}{
		{memoryStoreTool(), storeHandler(h)},
		{memoryQueryTool(), queryHandler(h)},
		{reliabilityReportTool(), reportHandler(h)},
		{governanceUpdateTool(), governanceHandler(h)},
		{evidenceUploadTool(), uploadHandler(h)},
	}
	for _, s := range specs {
		if err := r.Register(s.tool, s.handler); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool, compiling its input schema once.
func (r *Registry) Register(tool mcp.Tool, handler ToolHandler) error {
	schema, err := compileSchema(tool.InputSchema)
	if err != nil {
		return fmt.Errorf("rpc: compile schema for %s: %w", tool.Name, err)
	}
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("rpc: tool %s registered twice", tool.Name)
	}
	r.order = append(r.order, tool.Name)
	r.tools[tool.Name] = registeredTool{tool: tool, schema: schema, handler: handler}
	return nil
}

// List returns the tool definitions in registration order.
func (r *Registry) List() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].tool)
	}
	return out
}

// Resolve maps a possibly-aliased tool name to its canonical name.
func (r *Registry) Resolve(name string) (string, bool) {
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	_, ok := r.tools[name]
	return name, ok
}

// Call validates the arguments against the tool's schema and executes it.
func (r *Registry) Call(ctx context.Context, name, correlationID string, args json.RawMessage) (any, *CallError) {
	canonical, ok := r.Resolve(name)
	if !ok {
		return nil, &CallError{Reason: ReasonUnknownTool, Message: "unknown tool: " + name}
	}
	reg := r.tools[canonical]
	if reg.handler == nil {
		return nil, &CallError{Reason: ReasonToolExecutorNotRegistered, Message: "no executor for tool: " + canonical}
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, &CallError{Reason: ReasonInvalidParams, Message: "arguments are not valid JSON: " + err.Error()}
	}
	if err := reg.schema.Validate(decoded); err != nil {
		return nil, validationCallError(err)
	}

	result, err := reg.handler(ctx, correlationID, args)
	if err != nil {
		return nil, &CallError{Reason: ReasonInvalidParams, Message: err.Error()}
	}
	return result, nil
}

// validationCallError distinguishes a missing required argument from other
// schema violations, so the error.data reason matches what the caller did
// wrong. An empty string where a required minLength field is expected counts
// as missing: an absent payload and an empty payload are the same mistake.
func validationCallError(err error) *CallError {
	reason := ReasonInvalidParams
	if ve, ok := err.(*jsonschema.ValidationError); ok && hasMissingParamViolation(ve) {
		reason = ReasonMissingRequiredParam
	}
	return &CallError{Reason: reason, Message: err.Error()}
}

func hasMissingParamViolation(ve *jsonschema.ValidationError) bool {
	if strings.Contains(ve.KeywordLocation, "/required") ||
		strings.Contains(ve.KeywordLocation, "/minLength") {
		return true
	}
	for _, cause := range ve.Causes {
		if hasMissingParamViolation(cause) {
			return true
		}
	}
	return false
}

func compileSchema(input mcp.ToolInputSchema) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

func memoryStoreTool() mcp.Tool {
	return mcp.NewTool("memory_store",
		mcp.WithDescription(`Store a memory through the governed write path.

The payload is deduplicated by content hash, checked against the project's
write policy, and audited. If the memory service is unavailable the write is
parked in a durable outbox and flushed later; the response then carries
action="deferred" and the outbox id instead of a memory id.`),
		mcp.WithString("payload_md",
			mcp.Description("Markdown content to store."),
			mcp.Required(),
			mcp.MinLength(1),
		),
		mcp.WithString("target_space",
			mcp.Description("Space to write into (team:* or private:*). Defaults to the deployment's team space."),
		),
		mcp.WithObject("meta_json",
			mcp.Description("Free-form metadata forwarded to the memory service."),
		),
		mcp.WithString("kind",
			mcp.Description("Memory kind, e.g. note, decision, runbook."),
		),
		mcp.WithArray("evidence_refs",
			mcp.Description("Legacy string evidence references; carried through unvalidated."),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithArray("evidence",
			mcp.Description("Structured evidence objects with sha256 and artifact/memory:// URIs. Validated in strict mode."),
			mcp.Items(map[string]any{"type": "object"}),
		),
		mcp.WithString("actor_user_id",
			mcp.Description("Writing user's id; absent writes are anonymous."),
		),
		mcp.WithString("item_id",
			mcp.Description("Caller-side item id, carried in metadata."),
		),
		mcp.WithBoolean("is_bulk",
			mcp.Description("Marks the write as part of a bulk import."),
		),
	)
}

func memoryQueryTool() mcp.Tool {
	return mcp.NewTool("memory_query",
		mcp.WithDescription(`Search memories. Falls back to audit-backed knowledge candidates in the
logbook when the memory service is unavailable; degraded responses carry
degraded=true and a message naming the primary failure.`),
		mcp.WithString("query",
			mcp.Description("Natural-language or keyword query."),
			mcp.Required(),
		),
		mcp.WithNumber("top_k",
			mcp.Description("Maximum results to return."),
			mcp.Min(1),
			mcp.Max(100),
			mcp.DefaultNumber(10),
		),
		mcp.WithArray("spaces",
			mcp.Description("Spaces to search. Defaults to the deployment's team space."),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithObject("filters",
			mcp.Description("Provider filters; {\"evidence\": true} restricts the fallback to candidates with evidence."),
		),
	)
}

func reliabilityReportTool() mcp.Tool {
	return mcp.NewTool("reliability_report",
		mcp.WithDescription("Outbox and write-audit aggregates: queue depth, retry counts, decision mix."),
	)
}

func governanceUpdateTool() mcp.Tool {
	return mcp.NewTool("governance_update",
		mcp.WithDescription(`Update the project's governance settings. Partial updates are supported;
deployments with a governance admin key reject calls without it.`),
		mcp.WithBoolean("team_write_enabled",
			mcp.Description("Whether writes to team:* spaces are allowed."),
		),
		mcp.WithObject("policy_json",
			mcp.Description("Policy document; evidence_mode selects compat or strict validation."),
		),
		mcp.WithString("admin_key",
			mcp.Description("Governance admin key, when the deployment configures one."),
		),
		mcp.WithString("actor_user_id",
			mcp.Description("Who is making the change; recorded in the audit trail."),
		),
	)
}

func evidenceUploadTool() mcp.Tool {
	return mcp.NewTool("evidence_upload",
		mcp.WithDescription("Store evidence content and get back a {uri, sha256, size, content_type} reference a later memory_store can cite."),
		mcp.WithString("content",
			mcp.Description("Evidence content."),
			mcp.Required(),
		),
		mcp.WithString("content_type",
			mcp.Description("MIME type of the content."),
			mcp.Required(),
		),
		mcp.WithString("title", mcp.Description("Optional title.")),
		mcp.WithString("actor_user_id", mcp.Description("Uploading user's id.")),
		mcp.WithString("project_key", mcp.Description("Project override; defaults to the deployment's project.")),
		mcp.WithString("item_id", mcp.Description("Caller-side item id.")),
	)
}

func storeHandler(h *gateway.Handlers) ToolHandler {
	return func(ctx context.Context, correlationID string, args json.RawMessage) (any, error) {
		var req gateway.StoreRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, fmt.Errorf("decode memory_store arguments: %w", err)
		}
		return h.MemoryStore(ctx, correlationID, req), nil
	}
}

func queryHandler(h *gateway.Handlers) ToolHandler {
	return func(ctx context.Context, correlationID string, args json.RawMessage) (any, error) {
		var req gateway.QueryRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, fmt.Errorf("decode memory_query arguments: %w", err)
		}
		return h.MemoryQuery(ctx, correlationID, req), nil
	}
}

func reportHandler(h *gateway.Handlers) ToolHandler {
	return func(ctx context.Context, correlationID string, _ json.RawMessage) (any, error) {
		return h.ReliabilityReport(ctx, correlationID), nil
	}
}

func governanceHandler(h *gateway.Handlers) ToolHandler {
	return func(ctx context.Context, correlationID string, args json.RawMessage) (any, error) {
		var req gateway.GovernanceRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, fmt.Errorf("decode governance_update arguments: %w", err)
		}
		return h.GovernanceUpdate(ctx, correlationID, req), nil
	}
}

func uploadHandler(h *gateway.Handlers) ToolHandler {
	return func(ctx context.Context, correlationID string, args json.RawMessage) (any, error) {
		var req gateway.UploadRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, fmt.Errorf("decode evidence_upload arguments: %w", err)
		}
		return h.EvidenceUpload(ctx, correlationID, req), nil
	}
}
