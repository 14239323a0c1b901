// -----------------------------------------------------------------------
// MCP Handler - JSON-RPC 2.0 query surface over the capsule tool layer
// -----------------------------------------------------------------------

package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/gitnexus/capsuled/internal/common"
	"github.com/gitnexus/capsuled/internal/models"
	"github.com/gitnexus/capsuled/internal/services/ratelimit"
	"github.com/gitnexus/capsuled/internal/services/tools"
)

// mcpSchemaVersion tags every envelope served on /mcp.
const mcpSchemaVersion = "gitnexus.mcp.v1"

// JSONRPCRequest is an incoming JSON-RPC 2.0 call.
type JSONRPCRequest struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      interface{}            `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params"`
}

// JSONRPCError is the error member of a failed response.
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// JSONRPCResponse is an outgoing JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// MCPHandler serves the read-only /mcp query endpoint: ping, initialize,
// tools/list and tools/call, guarded by the bearer key and a per-token
// rate limiter. Every response after admission carries X-RateLimit-*.
type MCPHandler struct {
	config  *common.Config
	tools   *tools.Service
	limiter *ratelimit.Limiter
	logger  arbor.ILogger
}

// NewMCPHandler creates a new MCP handler.
func NewMCPHandler(config *common.Config, toolService *tools.Service, limiter *ratelimit.Limiter, logger arbor.ILogger) *MCPHandler {
	return &MCPHandler{
		config:  config,
		tools:   toolService,
		limiter: limiter,
		logger:  logger,
	}
}

// HandleRPC handles JSON-RPC 2.0 requests on POST /mcp.
func (h *MCPHandler) HandleRPC(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, nil, nil, http.StatusBadRequest, -32700, "Invalid JSON", map[string]interface{}{
			"code":      models.ErrCodeInvalidArgument,
			"retryable": false,
		})
		return
	}

	if req.JSONRPC != "2.0" {
		h.writeError(w, nil, req.ID, http.StatusBadRequest, -32600, "jsonrpc must be 2.0", map[string]interface{}{
			"code":      models.ErrCodeInvalidArgument,
			"retryable": false,
		})
		return
	}

	token, authErr := BearerToken(r)
	if authErr == nil && subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.config.Auth.APIKey)) != 1 {
		authErr = models.NewUnauthorized("Invalid API key")
	}
	if authErr != nil {
		h.writeError(w, nil, req.ID, authErr.HTTPStatus, authErr.JSONRPCCode(), authErr.Message, map[string]interface{}{
			"code":      authErr.Code,
			"retryable": false,
		})
		return
	}

	decision := h.limiter.Allow(strings.TrimSpace(token))
	if !decision.Allowed {
		apiErr := models.NewRateLimited("Rate limit exceeded", decision.RetryAfterMs)
		h.writeError(w, &decision, req.ID, apiErr.HTTPStatus, apiErr.JSONRPCCode(), apiErr.Message, apiErr.RPCData("rate-limit"))
		return
	}

	h.logger.Debug().Str("method", req.Method).Msg("MCP RPC request")

	switch req.Method {
	case "ping":
		h.writeResult(w, &decision, req.ID, map[string]interface{}{
			"schemaVersion": mcpSchemaVersion,
			"ok":            true,
		})
	case "initialize":
		h.writeResult(w, &decision, req.ID, map[string]interface{}{
			"schemaVersion": mcpSchemaVersion,
			"server": map[string]interface{}{
				"name":    "gitnexus-mv2-mcp",
				"version": "1.0.0",
			},
			"capabilities": map[string]interface{}{
				"tools":      true,
				"streaming":  false,
				"pagination": "cursor",
			},
		})
	case "tools/list":
		h.writeResult(w, &decision, req.ID, map[string]interface{}{
			"schemaVersion": mcpSchemaVersion,
			"tools":         tools.Definitions(),
		})
	case "tools/call":
		h.handleToolCall(w, &decision, req)
	default:
		h.writeError(w, &decision, req.ID, http.StatusNotFound, -32601, "Method not found", map[string]interface{}{
			"code":      models.ErrCodeInvalidArgument,
			"retryable": false,
		})
	}
}

// handleToolCall dispatches one query tool and wraps its output in the
// envelope. An envelope over the response budget is rejected with
// RESULT_TRUNCATED rather than served oversized.
func (h *MCPHandler) handleToolCall(w http.ResponseWriter, decision *ratelimit.Decision, req JSONRPCRequest) {
	name, ok := req.Params["name"].(string)
	if !ok || name == "" {
		h.writeError(w, decision, req.ID, http.StatusBadRequest, -32602, "Invalid tool call parameters", map[string]interface{}{
			"code":      models.ErrCodeInvalidArgument,
			"retryable": false,
		})
		return
	}

	args, _ := req.Params["arguments"].(map[string]interface{})
	if args == nil {
		args = map[string]interface{}{}
	}

	if h.config.MCP.DevLogPayloads {
		if raw, err := json.Marshal(args); err == nil {
			h.logger.Debug().Str("tool", name).Str("arguments", string(raw)).Msg("MCP tool call payload")
		}
	}

	start := time.Now()
	output, err := h.tools.Execute(name, args)
	if err != nil {
		apiErr := asAPIError(err)
		h.writeError(w, decision, req.ID, apiErr.HTTPStatus, apiErr.JSONRPCCode(), apiErr.Message, apiErr.RPCData("tool-error"))
		return
	}

	envelope := map[string]interface{}{
		"schemaVersion": mcpSchemaVersion,
		"traceId":       output.TraceID,
		"tool":          name,
		"confidence":    output.Confidence,
		"result":        output.Result,
		"pagination":    output.Pagination,
		"timingMs":      time.Since(start).Milliseconds(),
	}

	raw, marshalErr := json.Marshal(envelope)
	if marshalErr != nil {
		apiErr := models.NewInternal("Failed encoding tool response")
		h.writeError(w, decision, req.ID, apiErr.HTTPStatus, apiErr.JSONRPCCode(), apiErr.Message, apiErr.RPCData(output.TraceID))
		return
	}

	budget := h.config.MCP.ResponseBudgetBytes
	if budget > 0 && len(raw) > budget {
		apiErr := models.NewResultTruncated(fmt.Sprintf(
			"Response size %d bytes exceeds budget %d bytes. Reduce limit or use pagination.",
			len(raw), budget))
		h.writeError(w, decision, req.ID, apiErr.HTTPStatus, apiErr.JSONRPCCode(), apiErr.Message, apiErr.RPCData(output.TraceID))
		return
	}

	h.writeResult(w, decision, req.ID, json.RawMessage(raw))
}

func (h *MCPHandler) writeResult(w http.ResponseWriter, decision *ratelimit.Decision, id, result interface{}) {
	h.writeRPC(w, decision, http.StatusOK, JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

func (h *MCPHandler) writeError(w http.ResponseWriter, decision *ratelimit.Decision, id interface{}, httpStatus, code int, message string, data interface{}) {
	h.writeRPC(w, decision, httpStatus, JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	})
}

// writeRPC emits the response with rate-limit headers attached when an
// admission decision was made for the request.
func (h *MCPHandler) writeRPC(w http.ResponseWriter, decision *ratelimit.Decision, httpStatus int, response JSONRPCResponse) {
	if decision != nil {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetSeconds, 10))
	}
	WriteJSON(w, httpStatus, response)
}
