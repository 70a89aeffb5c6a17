// Package chat is the persistence gateway used by the realtime core. It
// accepts versioned transfer shapes and maps them onto whatever columns the
// deployed schema actually has.
package chat

import (
	"context"
	"errors"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message statuses.
const (
	StatusQueued    = "queued"
	StatusStreaming = "streaming"
	StatusDone      = "done"
	StatusFailed    = "failed"
)

// SchemaV1 is the current transfer shape version.
const SchemaV1 = 1

// ErrNotFound is returned by GetConversation for unknown ids.
var ErrNotFound = errors.New("conversation not found")

// Conversation is the gateway's view of a conversation row.
type Conversation struct {
	ID           int64
	OwnerID      string
	GuestSession string
	Title        string
}

// NewConversationV1 describes a conversation to create.
type NewConversationV1 struct {
	Version      int
	OwnerID      string
	GuestSession string
	ModelHint    string
	Title        string
}

// NewMessageV1 describes a message to persist. Optional telemetry is
// dropped silently when the schema has no column for it.
type NewMessageV1 struct {
	Version        int
	ConversationID int64
	Role           string
	Content        string
	Status         string
	Provider       string
	Model          string
	TokensInput    *int
	TokensOutput   *int
	LatencyMS      *int
}

// Turn is one role/content pair of conversation history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TitleQueue accepts fire-and-forget title jobs.
type TitleQueue interface {
	Enqueue(conversationID int64) bool
}

// Gateway is everything the realtime core needs from persistence.
type Gateway interface {
	CreateConversation(ctx context.Context, c NewConversationV1) (*Conversation, error)
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	CreateMessage(ctx context.Context, m NewMessageV1) (int64, error)

	// History returns up to limit most recent turns, oldest first.
	History(ctx context.Context, conversationID int64, limit int) ([]Turn, error)

	// EnqueueTitleJob schedules title summarization without waiting.
	EnqueueTitleJob(conversationID int64)
}
