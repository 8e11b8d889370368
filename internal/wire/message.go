// Package wire defines the JSON-RPC 2.0 message types exchanged with the
// agent process: the envelope, method names, error codes, and the payload
// shapes for session operations, callbacks, and notification events.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Version is the JSON-RPC protocol version carried by every message.
const Version = "2.0"

// Message is a generic JSON-RPC 2.0 frame: request, response, or
// notification. The ID is kept as raw JSON so server-issued ids are echoed
// back byte-for-byte regardless of their type.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// hasID reports whether the frame carries a usable id. A literal JSON null
// counts as absent per the JSON-RPC notification rules.
func (m *Message) hasID() bool {
	return len(m.ID) > 0 && string(m.ID) != "null"
}

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.hasID() && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// IsCall reports whether the message is a server-initiated call that expects
// a response.
func (m *Message) IsCall() bool {
	return m.hasID() && m.Method != ""
}

// IsNotification reports whether the message is a fire-and-forget
// notification.
func (m *Message) IsNotification() bool {
	return !m.hasID() && m.Method != ""
}

// IDKey returns the id in the form used as a correlation-map key. String ids
// are unquoted; any other id shape is keyed by its raw JSON text.
func (m *Message) IDKey() string {
	if !m.hasID() {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s
	}
	return string(m.ID)
}

// NewRequestID returns a fresh client-side request id.
func NewRequestID() string {
	return "req-" + uuid.New().String()
}

// NewRequest creates an outbound request with a fresh request id. The id is
// returned alongside the message so the caller can register it for response
// correlation before writing.
func NewRequest(method string, params any) (*Message, string, error) {
	id := NewRequestID()
	idRaw, err := json.Marshal(id)
	if err != nil {
		return nil, "", fmt.Errorf("marshal request id: %w", err)
	}
	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, "", fmt.Errorf("marshal %s params: %w", method, err)
		}
		rawParams = data
	}
	return &Message{
		JSONRPC: Version,
		ID:      idRaw,
		Method:  method,
		Params:  rawParams,
	}, id, nil
}

// NewNotification creates an outbound notification (no id, no response).
func NewNotification(method string, params any) (*Message, error) {
	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		rawParams = data
	}
	return &Message{
		JSONRPC: Version,
		Method:  method,
		Params:  rawParams,
	}, nil
}

// NewResult creates a success response echoing the given request id.
func NewResult(id json.RawMessage, result any) (*Message, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{
		JSONRPC: Version,
		ID:      id,
		Result:  data,
	}, nil
}

// NewErrorResponse creates an error response echoing the given request id.
func NewErrorResponse(id json.RawMessage, code int, message string) *Message {
	return &Message{
		JSONRPC: Version,
		ID:      id,
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
	}
}

// ParseMessage decodes a single wire frame.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
