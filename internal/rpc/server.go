package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/engramhq/engram/internal/correlation"
	"github.com/engramhq/engram/internal/gateway"
	"github.com/engramhq/engram/internal/ratelimit"
	"github.com/engramhq/engram/internal/redact"
)

const protocolVersion = "2024-11-05"

// ServerConfig wires a Server.
type ServerConfig struct {
	Handlers            *gateway.Handlers
	Logger              *slog.Logger
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	AuthTokens          []string
	RateLimiter         ratelimit.Limiter // nil disables rate limiting
	Version             string
}

// Server is the gateway's HTTP front-end.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	registry   *Registry
	gw         *gateway.Handlers
	errs       ErrorBuilder
	logger     *slog.Logger
	maxBody    int64
	version    string
}

// NewServer builds the registry and the route/middleware chain.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	registry, err := NewRegistry(cfg.Handlers)
	if err != nil {
		return nil, err
	}

	s := &Server{
		registry: registry,
		gw:       cfg.Handlers,
		logger:   cfg.Logger,
		maxBody:  cfg.MaxRequestBodyBytes,
		version:  cfg.Version,
	}

	// Auth wraps /mcp and the report alias; preflight requests carry no
	// credentials and health must stay probeable. The rate limiter sits
	// outside auth so floods are shed before token comparison.
	mcpHandler := authMiddleware(cfg.AuthTokens, http.HandlerFunc(s.handleMCP))
	if cfg.RateLimiter != nil {
		mcpHandler = ratelimit.Middleware(cfg.RateLimiter, ratelimit.IPKey, mcpHandler)
	}
	root := http.NewServeMux()
	root.Handle("POST /mcp", mcpHandler)
	root.HandleFunc("OPTIONS /mcp", s.handlePreflight)
	root.HandleFunc("GET /health", s.handleHealth)
	root.Handle("GET /reliability/report", authMiddleware(cfg.AuthTokens, http.HandlerFunc(s.handleReliabilityReport)))

	chain := correlationMiddleware(loggingMiddleware(cfg.Logger, tracingMiddleware(root)))
	s.handler = chain
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      chain,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Handler returns the root handler for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("rpc: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleMCP decodes one of the two wire formats and dispatches it.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	corrID := correlation.FromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		s.writeRPCError(w, nil, s.mustBuild(CodeParseError, "request body unreadable",
			CategoryProtocol, ReasonParseError, false, corrID,
			map[string]any{"error": err.Error()}))
		return
	}

	var probe struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Tool    json.RawMessage `json:"tool"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		s.writeRPCError(w, nil, s.mustBuild(CodeParseError, "invalid JSON",
			CategoryProtocol, ReasonParseError, false, corrID,
			map[string]any{"error": err.Error()}))
		return
	}

	if probe.JSONRPC == "2.0" && probe.Method != "" {
		s.handleJSONRPC(w, r, body, corrID)
		return
	}
	s.handleLegacy(w, r, body, corrID)
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request, body []byte, corrID string) {
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeRPCError(w, nil, s.mustBuild(CodeInvalidRequest, "malformed request",
			CategoryProtocol, ReasonInvalidRequest, false, corrID,
			map[string]any{"error": err.Error()}))
		return
	}

	resp := s.dispatch(r.Context(), req, corrID)
	writeJSON(w, http.StatusOK, resp)
}

// dispatch routes one JSON-RPC request. A panic anywhere below becomes an
// UNHANDLED_EXCEPTION error carrying the same correlation id.
func (s *Server) dispatch(ctx context.Context, req request, corrID string) (resp response) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("unhandled panic in dispatch",
				"method", redact.String(req.Method),
				"correlation_id", corrID,
				"panic", fmt.Sprint(rec))
			resp = errResponse(req.ID, s.mustBuild(CodeInternalError, "内部错误",
				CategoryInternal, ReasonUnhandledException, false, corrID,
				map[string]any{"error": fmt.Sprint(rec)}))
		}
	}()

	switch req.Method {
	case "initialize":
		return okResponse(req.ID, s.initializeResult())
	case "notifications/initialized":
		return okResponse(req.ID, struct{}{})
	case "ping":
		return okResponse(req.ID, struct{}{})
	case "tools/list":
		return okResponse(req.ID, mcp.ListToolsResult{Tools: s.registry.List()})
	case "tools/call":
		return s.dispatchCall(ctx, req, corrID)
	default:
		return errResponse(req.ID, s.mustBuild(CodeMethodNotFound, "method not found: "+req.Method,
			CategoryProtocol, ReasonMethodNotFound, false, corrID,
			map[string]any{"method": redact.String(req.Method)}))
	}
}

func (s *Server) dispatchCall(ctx context.Context, req request, corrID string) response {
	var params callParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errResponse(req.ID, s.mustBuild(CodeInvalidParams, "tools/call requires params.name",
			CategoryValidation, ReasonInvalidParams, false, corrID, nil))
	}

	result, callErr := s.registry.Call(ctx, params.Name, corrID, params.Arguments)
	if callErr != nil {
		return errResponse(req.ID, s.callErrorToRPC(callErr, corrID))
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return errResponse(req.ID, s.mustBuild(CodeInternalError, "内部错误",
			CategoryInternal, ReasonUnhandledException, false, corrID,
			map[string]any{"error": err.Error()}))
	}
	return okResponse(req.ID, mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: string(encoded)},
		},
	})
}

func (s *Server) callErrorToRPC(callErr *CallError, corrID string) *RPCError {
	code := CodeInvalidParams
	category := CategoryValidation
	if callErr.Reason == ReasonToolExecutorNotRegistered {
		code = CodeInternalError
		category = CategoryInternal
	}
	return s.mustBuild(code, callErr.Message, category, callErr.Reason, false, corrID, nil)
}

// legacyRequest is the historical {tool, arguments} envelope.
type legacyRequest struct {
	Tool      *string         `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// legacyResponse mirrors what pre-JSON-RPC clients expect.
type legacyResponse struct {
	OK            bool   `json:"ok"`
	Result        any    `json:"result,omitempty"`
	Error         string `json:"error,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

func (s *Server) handleLegacy(w http.ResponseWriter, r *http.Request, body []byte, corrID string) {
	var req legacyRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Tool == nil {
		writeJSON(w, http.StatusBadRequest, legacyResponse{
			OK:            false,
			Error:         "missing tool field",
			CorrelationID: corrID,
		})
		return
	}

	result, callErr := s.registry.Call(r.Context(), *req.Tool, corrID, req.Arguments)
	if callErr != nil {
		writeJSON(w, http.StatusOK, legacyResponse{
			OK:            false,
			Error:         redact.String(callErr.Reason + ": " + callErr.Message),
			CorrelationID: corrID,
		})
		return
	}
	writeJSON(w, http.StatusOK, legacyResponse{
		OK:            true,
		Result:        result,
		CorrelationID: corrID,
	})
}

// handlePreflight answers CORS preflight. Requested header names are
// reflected (plus the gateway's own); their values never reach the logs.
func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	allowed := []string{"Content-Type", "Authorization", correlation.Header, headerRequestID}
	if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
		for _, h := range strings.Split(requested, ",") {
			if h = strings.TrimSpace(h); h != "" {
				allowed = append(allowed, h)
			}
		}
	}
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", strings.Join(allowed, ", "))
	w.Header().Set("Access-Control-Max-Age", "3600")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleReliabilityReport(w http.ResponseWriter, r *http.Request) {
	corrID := correlation.FromContext(r.Context())
	writeJSON(w, http.StatusOK, s.gw.ReliabilityReport(r.Context(), corrID))
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
}

type serverCapabilities struct {
	Tools struct{} `json:"tools"`
}

func (s *Server) initializeResult() initializeResult {
	return initializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo:      mcp.Implementation{Name: "engram-gateway", Version: s.version},
	}
}

// mustBuild wraps the relaxed builder, which cannot fail.
func (s *Server) mustBuild(code int, message string, category Category, reason string, retryable bool, corrID string, details map[string]any) *RPCError {
	rpcErr, err := s.errs.Build(code, message, category, reason, retryable, corrID, details)
	if err != nil {
		// Only a strict builder can fail, and the server never uses one.
		panic(err)
	}
	return rpcErr
}

func (s *Server) writeRPCError(w http.ResponseWriter, id json.RawMessage, rpcErr *RPCError) {
	writeJSON(w, http.StatusOK, errResponse(id, rpcErr))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
