package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Outbound event types.
const (
	TypeConnected           = "connected"
	TypeConversationCreated = "conversation_created"
	TypeTitleUpdated        = "conversation_title_updated"
	TypeStarted             = "started"
	TypeToken               = "token"
	TypeDone                = "done"
	TypeError               = "error"
	TypePong                = "pong"
)

// Inbound frame types.
const (
	FramePing        = "ping"
	FrameCancel      = "cancel"
	FrameChatMessage = "chat_message"
)

// Error types carried in error events.
const (
	ErrTypeBadPayload      = "bad_payload"
	ErrTypeUnknownType     = "unknown_type"
	ErrTypeInputValidation = "input_validation"
	ErrTypeProviderInit    = "provider_init"
	ErrTypeNotFound        = "not_found"
	ErrTypeDBError         = "db_error"
	ErrTypeTimeout         = "timeout"
	ErrTypeCancelled       = "cancelled"
	ErrTypeStreamIteration = "stream_iteration"
	ErrTypeEventFormat     = "event_format"
	ErrTypeUnexpected      = "unexpected"
)

// Event is one server-to-client message.
type Event struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	Title          string `json:"title,omitempty"`
	Delta          string `json:"delta,omitempty"`
	Seq            *int   `json:"seq,omitempty"`
	FinishReason   string `json:"finish_reason,omitempty"`
	Error          string `json:"error,omitempty"`
	ErrorType      string `json:"error_type,omitempty"`
}

// ErrorEvent builds the error envelope.
func ErrorEvent(errType, msg string) Event {
	return Event{Type: TypeError, Error: msg, ErrorType: errType}
}

// ChatRequest is a chat_message waiting in the inbox.
type ChatRequest struct {
	Seq            uint64
	Content        string
	Model          string
	Params         map[string]any
	Provider       string
	ConversationID *int64

	// Invalid is set when a field could not be decoded; the handler reports
	// it after the content and model checks.
	Invalid *StreamError
}

// frameType reads only the type of a raw frame, so ping and cancel never
// depend on the rest of the payload. A frame that is not a JSON object is
// an error; a type that is not a string is returned as its raw text.
func frameType(raw []byte) (map[string]json.RawMessage, string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, "", err
	}
	if fields == nil {
		return nil, "", fmt.Errorf("frame is not an object")
	}
	t, ok := fields["type"]
	if !ok {
		return fields, "", nil
	}
	var s string
	if err := json.Unmarshal(t, &s); err != nil {
		return fields, string(bytes.TrimSpace(t)), nil
	}
	return fields, s, nil
}

// decodeChatRequest reads the chat_message fields leniently. Wrongly typed
// content or model decode as empty and fail validation later; a bad
// provider or conversation_id is recorded in Invalid.
func decodeChatRequest(seq uint64, fields map[string]json.RawMessage) ChatRequest {
	req := ChatRequest{
		Seq:     seq,
		Content: stringField(fields, "content"),
		Model:   stringField(fields, "model"),
	}
	if raw, ok := fields["params"]; ok {
		// Anything but an object means no params.
		_ = json.Unmarshal(raw, &req.Params)
	}
	if raw, ok := fields["provider"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &req.Provider); err != nil {
			req.Invalid = streamErr(ErrTypeProviderInit, "Provider init failed: provider must be a string.", err)
			return req
		}
	}
	if raw, ok := fields["conversation_id"]; ok {
		id, err := parseConversationID(raw)
		if err != nil {
			req.Invalid = streamErr(ErrTypeNotFound, "Conversation not found.", err)
			return req
		}
		req.ConversationID = id
	}
	return req
}

func stringField(fields map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := fields[key]; ok {
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
	}
	return s
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

// parseConversationID accepts a JSON number or a numeric string. null, ""
// and 0 mean no conversation, so a new one is created.
func parseConversationID(raw json.RawMessage) (*int64, error) {
	b := bytes.TrimSpace(raw)
	if isNull(b) {
		return nil, nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, err
		}
		b = []byte(strings.TrimSpace(s))
		if len(b) == 0 {
			return nil, nil
		}
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("conversation_id: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return &n, nil
}
