package gateway

import (
	"encoding/json"

	"github.com/homepods/printbridge/errors"
)

// JSON-RPC 2.0 framing for the persistent websocket connection. Server
// pushes are requests without an id, i.e. notifications.

const jsonrpcVersion = "2.0"

// Standard JSON-RPC error codes, plus the server range for host errors.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type rpcRequest struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Version string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type rpcNotification struct {
	Version string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// newNotification frames a server push as a JSON-RPC notification named
// notify_<event>.
func newNotification(event string, payload any) rpcNotification {
	params := []any{}
	if payload != nil {
		params = append(params, payload)
	}
	return rpcNotification{
		Version: jsonrpcVersion,
		Method:  "notify_" + event,
		Params:  params,
	}
}

func successResponse(id json.RawMessage, result any) rpcResponse {
	return rpcResponse{Version: jsonrpcVersion, Result: result, ID: id}
}

func errorResponse(id json.RawMessage, code int, message string) rpcResponse {
	return rpcResponse{Version: jsonrpcVersion, Error: &rpcError{Code: code, Message: message}, ID: id}
}

// rpcErrorFor maps an internal error onto a JSON-RPC error response. Host
// errors keep their own status codes; everything else maps through the
// shared HTTP status taxonomy so websocket and HTTP clients see consistent
// codes.
func rpcErrorFor(id json.RawMessage, err error) rpcResponse {
	if he, ok := errors.AsHostError(err); ok {
		return errorResponse(id, he.Code, he.Message)
	}
	return errorResponse(id, errors.HTTPStatus(err), publicMessage(err))
}

// publicMessage returns the client-visible message for an error. Auth
// denials stay uniform regardless of which check failed.
func publicMessage(err error) string {
	switch {
	case errors.IsUnauthorized(err):
		return "unauthorized"
	case errors.IsTimeout(err):
		return "request timed out"
	case errors.IsHostUnavailable(err):
		return "host unavailable"
	case errors.Is(err, errors.ErrHostNotReady):
		return "host not ready"
	case errors.IsMutationDenied(err):
		return "file operation denied"
	default:
		return err.Error()
	}
}
