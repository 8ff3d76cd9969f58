package rpc

import "encoding/json"

// request is the JSON-RPC 2.0 request shape. A body is treated as JSON-RPC
// when JSONRPC is "2.0" and Method is non-empty; anything else falls back to
// the legacy envelope decoder.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// response is the JSON-RPC 2.0 response shape.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// callParams is the tools/call parameter shape.
type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func okResponse(id json.RawMessage, result any) response {
	return response{JSONRPC: "2.0", ID: normalizeID(id), Result: result}
}

func errResponse(id json.RawMessage, rpcErr *RPCError) response {
	return response{JSONRPC: "2.0", ID: normalizeID(id), Error: rpcErr}
}

// normalizeID keeps the caller's id, or explicit null when it sent none.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
