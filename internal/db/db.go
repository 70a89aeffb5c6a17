package db

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for conversations, messages and the
// model catalog.
type Store interface {
	ConversationStore
	MessageStore
	CatalogStore

	// TableColumns lists the columns the deployed schema has for table.
	TableColumns(ctx context.Context, table string) ([]string, error)

	// SchemaVersion returns the highest applied migration.
	SchemaVersion(ctx context.Context) (int, error)

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Conversation store ───────────────────────────────────────────────────────

// ConversationRecord is a chat thread. OwnerID is empty for guest
// conversations, which are then bound to GuestSession.
type ConversationRecord struct {
	ID           int64     `db:"id" json:"id"`
	OwnerID      string    `db:"owner_id" json:"owner_id,omitempty"`
	GuestSession string    `db:"guest_session" json:"-"`
	Title        string    `db:"title" json:"title"`
	CreatedAt    Timestamp `db:"created_at" json:"created_at"`
	UpdatedAt    Timestamp `db:"updated_at" json:"updated_at"`

	// ModelName is written on insert when set; reads leave it empty so
	// schemas without the column keep working.
	ModelName string `db:"-" json:"-"`
}

type ConversationStore interface {
	// CreateConversation inserts rec and fills in its ID and timestamps.
	CreateConversation(ctx context.Context, rec *ConversationRecord) error

	GetConversation(ctx context.Context, id int64) (*ConversationRecord, error)

	// ListConversations returns the caller's conversations, most recently
	// updated first. Exactly one of ownerID and guestSession is used.
	ListConversations(ctx context.Context, ownerID, guestSession string, limit, offset int) ([]*ConversationRecord, error)

	RenameConversation(ctx context.Context, id int64, title string) error

	// UpdateTitleIf sets the title only while it still equals expected and
	// reports whether the row changed.
	UpdateTitleIf(ctx context.Context, id int64, expected, title string) (bool, error)

	// DeleteConversation removes the conversation and its messages.
	DeleteConversation(ctx context.Context, id int64) error
}

// ─── Message store ────────────────────────────────────────────────────────────

// MessageRecord is one turn of a conversation.
type MessageRecord struct {
	ID             int64     `db:"id" json:"id"`
	ConversationID int64     `db:"conversation_id" json:"conversation_id"`
	Role           string    `db:"role" json:"role"`
	Content        string    `db:"content" json:"content"`
	Status         string    `db:"status" json:"status"`
	Provider       string    `db:"provider" json:"provider,omitempty"`
	ModelName      string    `db:"model_name" json:"model_name,omitempty"`
	TokensInput    *int      `db:"tokens_input" json:"tokens_input,omitempty"`
	TokensOutput   *int      `db:"tokens_output" json:"tokens_output,omitempty"`
	LatencyMS      *int      `db:"latency_ms" json:"latency_ms,omitempty"`
	CreatedAt      Timestamp `db:"created_at" json:"created_at"`
}

type MessageStore interface {
	// InsertMessage writes the given column values as a new message and
	// bumps the conversation's updated_at. Unknown column names are rejected.
	InsertMessage(ctx context.Context, fields map[string]any) (int64, error)

	// ListMessages returns messages in creation order.
	ListMessages(ctx context.Context, conversationID int64, limit, offset int) ([]*MessageRecord, error)

	// RecentMessages returns the last n messages, oldest first.
	RecentMessages(ctx context.Context, conversationID int64, n int) ([]*MessageRecord, error)

	CountMessages(ctx context.Context, conversationID int64, roles ...string) (int, error)

	// FirstMessage returns the earliest message with the given role.
	FirstMessage(ctx context.Context, conversationID int64, role string) (*MessageRecord, error)
}

// ─── Catalog store ────────────────────────────────────────────────────────────

// ModelRecord is a model offered to users.
type ModelRecord struct {
	ID           int64          `db:"id" json:"-"`
	ModelID      string         `db:"model_id" json:"model_id"`
	DisplayName  string         `db:"display_name" json:"display_name"`
	Provider     string         `db:"provider" json:"provider"`
	Tier         string         `db:"tier" json:"tier"`
	IsActive     bool           `db:"is_active" json:"is_active"`
	Limits       types.JSONText `db:"limits" json:"limits"`
	Capabilities types.JSONText `db:"capabilities" json:"capabilities"`
	Pricing      types.JSONText `db:"pricing" json:"pricing"`
	Metadata     types.JSONText `db:"metadata" json:"metadata"`
	LastSynced   Timestamp      `db:"last_synced" json:"last_synced"`
	CreatedAt    Timestamp      `db:"created_at" json:"-"`
	UpdatedAt    Timestamp      `db:"updated_at" json:"-"`
}

// ModelFilter narrows ListModels. Zero values do not filter.
type ModelFilter struct {
	ActiveOnly bool
	Provider   string
	Tiers      []string
	ModelIDs   []string
}

// PermissionRecord grants a user access to a model outside their tier.
type PermissionRecord struct {
	ID        int64      `db:"id" json:"id"`
	UserID    string     `db:"user_id" json:"user_id"`
	ModelID   string     `db:"model_id" json:"model_id"`
	GrantedBy string     `db:"granted_by" json:"granted_by"`
	IsActive  bool       `db:"is_active" json:"is_active"`
	ExpiresAt *Timestamp `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt Timestamp  `db:"created_at" json:"created_at"`
}

type CatalogStore interface {
	// UpsertModel inserts or updates by model_id; reports whether it was new.
	UpsertModel(ctx context.Context, rec *ModelRecord) (bool, error)

	// DeactivateModelsExcept marks every active model of provider whose id
	// is not in keep as inactive and returns how many changed.
	DeactivateModelsExcept(ctx context.Context, provider string, keep []string) (int, error)

	GetModel(ctx context.Context, modelID string) (*ModelRecord, error)
	ListModels(ctx context.Context, f ModelFilter) ([]*ModelRecord, error)
	CountModels(ctx context.Context) (int, error)

	// GrantModel creates or refreshes a permission.
	GrantModel(ctx context.Context, rec *PermissionRecord) error

	// GrantedModelIDs returns models granted to userID that are active and
	// not expired at now.
	GrantedModelIDs(ctx context.Context, userID string, now time.Time) ([]string, error)
}
