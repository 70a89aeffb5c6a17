package audit

import "time"

// EventType represents the type of audit event
type EventType string

const (
	// Session events
	EventSessionConnected EventType = "session.connected"
	EventSessionClosed    EventType = "session.closed"

	// Conversation events
	EventConversationCreated EventType = "conversation.created"
	EventConversationRenamed EventType = "conversation.renamed"
	EventConversationDeleted EventType = "conversation.deleted"
	EventTitleUpdated        EventType = "title.updated"

	// Stream events
	EventStreamCompleted EventType = "stream.completed"
	EventStreamFailed    EventType = "stream.failed"

	// Model catalog events
	EventModelsSynced EventType = "models.synced"
	EventModelGranted EventType = "models.granted"

	// Configuration events
	EventConfigLoaded  EventType = "config.loaded"
	EventConfigChanged EventType = "config.changed"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess   Result = "success"
	ResultFailure   Result = "failure"
	ResultPending   Result = "pending"
	ResultDenied    Result = "denied"
	ResultCancelled Result = "cancelled"
)

// Event represents a single audit event
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	// Actor information
	User         string `json:"user,omitempty"`
	GuestSession string `json:"guest_session,omitempty"`
	SourceIP     string `json:"source_ip,omitempty"`

	ConversationID int64  `json:"conversation_id,omitempty"`
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`

	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]interface{}),
	}
}

// WithCorrelationID sets the correlation ID for event tracking
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithUser sets the authenticated user, or the guest session for anonymous callers.
func (e *Event) WithUser(userID, guestSession string) *Event {
	e.User = userID
	if userID == "" {
		e.GuestSession = guestSession
	}
	return e
}

// WithSourceIP records the client address.
func (e *Event) WithSourceIP(ip string) *Event {
	e.SourceIP = ip
	return e
}

// WithConversation sets the conversation the event refers to.
func (e *Event) WithConversation(id int64) *Event {
	e.ConversationID = id
	return e
}

// WithModel sets the provider and model involved.
func (e *Event) WithModel(provider, model string) *Event {
	e.Provider = provider
	e.Model = model
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithResult sets the result of the event
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError sets error information
func (e *Event) WithError(err error, code string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = code
		e.Result = ResultFailure
	}
	return e
}

// WithDuration sets the duration in milliseconds
func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
