// Package jsonrpc holds the JSON-RPC 2.0 envelope types and error taxonomy
// shared by the WebSocket side and the agent stdio side of the bridge.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

const Version = "2.0"

// Standard JSON-RPC codes plus the single domain code used for bridge errors
// (sandbox violations, permission denials, agent lifecycle faults).
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeDomain         = -32000
)

// Request is an incoming JSON-RPC frame. A frame without an id is a
// notification and never receives a response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the frame carries no id.
func (r Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response echoes the request id unchanged. Exactly one of Result and Error
// is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// MarshalJSON puts exactly one of result and error on the wire. A success
// whose result is nil still carries an explicit "result":null; a response
// object with neither member is invalid.
func (r Response) MarshalJSON() ([]byte, error) {
	id := normalizeID(r.ID)
	if r.Error != nil {
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Error   *Error          `json:"error"`
		}{r.JSONRPC, id, r.Error})
	}
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result"`
	}{r.JSONRPC, id, r.Result})
}

// Notification is an id-less frame pushed to a peer.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewResult builds a success response for the given raw id.
func NewResult(id json.RawMessage, result any) Response {
	return Response{JSONRPC: Version, ID: normalizeID(id), Result: result}
}

// NewErrorResponse builds an error response for the given raw id.
func NewErrorResponse(id json.RawMessage, err *Error) Response {
	return Response{JSONRPC: Version, ID: normalizeID(id), Error: err}
}

// NewNotification builds an id-less frame.
func NewNotification(method string, params any) Notification {
	return Notification{JSONRPC: Version, Method: method, Params: params}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// ErrorData is the structured payload every bridge error carries so the
// controller can render a human-readable reason.
type ErrorData struct {
	Details string `json:"details,omitempty"`
}

// Error is a JSON-RPC error object. It implements error so handlers can
// return it directly and let the dispatcher map it onto the wire.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != nil && e.Data.Details != "" {
		return fmt.Sprintf("jsonrpc error %d: %s (%s)", e.Code, e.Message, e.Data.Details)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Details returns the data.details string, or "" when absent.
func (e *Error) Details() string {
	if e.Data == nil {
		return ""
	}
	return e.Data.Details
}

// NewError builds an error with an optional details payload.
func NewError(code int, message, details string) *Error {
	err := &Error{Code: code, Message: message}
	if details != "" {
		err.Data = &ErrorData{Details: details}
	}
	return err
}

func ParseError() *Error {
	return NewError(CodeParse, "parse error", "frame is not valid JSON")
}

func InvalidRequest(details string) *Error {
	return NewError(CodeInvalidRequest, "invalid request", details)
}

func MethodNotFound(method string) *Error {
	return NewError(CodeMethodNotFound, "method not found", fmt.Sprintf("method %q is not available", method))
}

func InvalidParams(details string) *Error {
	return NewError(CodeInvalidParams, "invalid params", details)
}

func Internal(details string) *Error {
	return NewError(CodeInternal, "internal error", details)
}

// Domain errors surfaced to controllers with code -32000. Message strings
// are part of the wire contract; details carry the specific reason.

func SandboxViolation(details string) *Error {
	return NewError(CodeDomain, "sandbox violation", details)
}

func FileNotFound(details string) *Error {
	return NewError(CodeDomain, "file not found", details)
}

func BinaryFile(details string) *Error {
	return NewError(CodeDomain, "binary file", details)
}

func PermissionDenied(details string) *Error {
	return NewError(CodeDomain, "permission denied", details)
}

func AgentExited(details string) *Error {
	return NewError(CodeDomain, "agent exited", details)
}

func CLIUnavailable(details string) *Error {
	return NewError(CodeDomain, "cli unavailable", details)
}

func IOError(details string) *Error {
	return NewError(CodeDomain, "io error", details)
}
