package wire

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageClassification(t *testing.T) {
	tests := []struct {
		name           string
		raw            string
		isResponse     bool
		isCall         bool
		isNotification bool
	}{
		{
			name:       "result response",
			raw:        `{"jsonrpc":"2.0","id":"req-1","result":{"sessionId":"sess-a"}}`,
			isResponse: true,
		},
		{
			name:       "error response",
			raw:        `{"jsonrpc":"2.0","id":"req-2","error":{"code":-32601,"message":"method not found"}}`,
			isResponse: true,
		},
		{
			name:   "server call with string id",
			raw:    `{"jsonrpc":"2.0","id":"call-7","method":"tool.call","params":{}}`,
			isCall: true,
		},
		{
			name:   "server call with numeric id",
			raw:    `{"jsonrpc":"2.0","id":42,"method":"permission.request","params":{}}`,
			isCall: true,
		},
		{
			name:           "notification",
			raw:            `{"jsonrpc":"2.0","method":"assistant.message","params":{}}`,
			isNotification: true,
		},
		{
			name:           "notification with null id",
			raw:            `{"jsonrpc":"2.0","id":null,"method":"session.idle","params":{}}`,
			isNotification: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.isResponse, msg.IsResponse(), "IsResponse")
			assert.Equal(t, tt.isCall, msg.IsCall(), "IsCall")
			assert.Equal(t, tt.isNotification, msg.IsNotification(), "IsNotification")
		})
	}
}

func TestIDKey(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"string id", `{"jsonrpc":"2.0","id":"req-abc","method":"ping"}`, "req-abc"},
		{"numeric id", `{"jsonrpc":"2.0","id":17,"method":"ping"}`, "17"},
		{"null id", `{"jsonrpc":"2.0","id":null,"method":"ping"}`, ""},
		{"missing id", `{"jsonrpc":"2.0","method":"ping"}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.IDKey())
		})
	}
}

func TestNewRequest(t *testing.T) {
	msg, id, err := NewRequest(MethodSessionSend, SessionSendParams{
		SessionID: "sess-1",
		Message:   ChatMessage{Role: RoleUser, Content: "hello"},
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(id, "req-"), "request id %q should carry the req- prefix", id)
	assert.Equal(t, id, msg.IDKey())
	assert.Equal(t, Version, msg.JSONRPC)
	assert.True(t, msg.IsCall())

	var params SessionSendParams
	require.NoError(t, json.Unmarshal(msg.Params, &params))
	assert.Equal(t, "sess-1", params.SessionID)
	assert.Equal(t, "hello", params.Message.Content)

	_, id2, err := NewRequest(MethodPing, nil)
	require.NoError(t, err)
	assert.NotEqual(t, id, id2, "request ids must be unique")
}

func TestNewErrorResponseEchoesID(t *testing.T) {
	call, err := ParseMessage([]byte(`{"jsonrpc":"2.0","id":33,"method":"user-input.request","params":{}}`))
	require.NoError(t, err)

	resp := NewErrorResponse(call.ID, CodeUserInputUnavailable, "no user input handler registered")
	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "33", string(decoded.ID), "numeric id must be echoed verbatim")
	require.NotNil(t, decoded.Error)
	assert.Equal(t, CodeUserInputUnavailable, decoded.Error.Code)
}

func TestNewEvent(t *testing.T) {
	ev := NewEvent(EventAssistantMessage, AssistantMessageData{
		Role:    RoleAssistant,
		Content: "hi there",
	})

	assert.NotEmpty(t, ev.ID)
	_, err := time.Parse(time.RFC3339Nano, ev.Timestamp)
	assert.NoError(t, err, "timestamp should be RFC 3339")

	data, err := ev.AssistantMessage()
	require.NoError(t, err)
	assert.Equal(t, "hi there", data.Content)
}

func TestAssistantMessageWrongType(t *testing.T) {
	ev := NewEvent(EventSessionIdle, nil)
	_, err := ev.AssistantMessage()
	assert.Error(t, err)
}

func TestDecodeDataEmpty(t *testing.T) {
	ev := Event{Type: EventSessionStart}
	var out map[string]any
	assert.Error(t, ev.DecodeData(&out))
}
