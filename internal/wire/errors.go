package wire

import (
	"encoding/json"
	"fmt"
)

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRPCError creates an RPCError with the given code and message.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Implementation-defined error codes (the -32000..-32099 server range).
const (
	// CodeAuthRequired indicates the agent rejected the call for want of a
	// valid auth token.
	CodeAuthRequired = -32000
	// CodeUserInputUnavailable indicates a user-input request could not be
	// answered: no handler, an empty answer, or a handler failure.
	CodeUserInputUnavailable = -32001
)
