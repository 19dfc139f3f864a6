package model

import (
	"context"
	"iter"
	"time"
)

// FactSource records how a fact entered the store.
type FactSource string

const (
	SourceUser     FactSource = "user"
	SourceInferred FactSource = "inferred"
)

// Valid reports whether s is a known source.
func (s FactSource) Valid() bool {
	return s == SourceUser || s == SourceInferred
}

// Fact is a durable key/value attribute of a user.
type Fact struct {
	UserID    string     `json:"user_id"`
	Key       string     `json:"key"`
	Value     string     `json:"value"`
	Source    FactSource `json:"source"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Role is the speaker of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Attachment references content that travelled with a turn (image, document, audio).
type Attachment struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type,omitempty"`
	Ref      string `json:"ref"`
}

// Turn is one immutable message in a conversation.
type Turn struct {
	ConversationID string       `json:"conversation_id"`
	Seq            int64        `json:"seq"`
	Role           Role         `json:"role"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Conversation is an ordered, append-only log of turns owned by one user.
type Conversation struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Title           string    `json:"title"`
	ActiveProfileID string    `json:"active_profile_id,omitempty"`
	Archived        bool      `json:"archived"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Profile is a named persona + model selection.
type Profile struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Persona   string            `json:"persona"`
	ModelID   string            `json:"model_id"`
	Settings  map[string]string `json:"settings,omitempty"`
	IsDefault bool              `json:"is_default"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ProfileUpdate carries the optional fields of a profile edit.
type ProfileUpdate struct {
	Name     *string           `json:"name,omitempty"`
	Persona  *string           `json:"persona,omitempty"`
	ModelID  *string           `json:"model_id,omitempty"`
	Settings map[string]string `json:"settings,omitempty"`
}

// Window is a lazy, restartable sequence of turns in chronological order.
type Window = iter.Seq2[Turn, error]

// FactStore keeps facts keyed by (user, key).
type FactStore interface {
	Set(ctx context.Context, userID, key, value string, source FactSource) (Fact, error)
	GetAll(ctx context.Context, userID string) (map[string]Fact, error)
	Delete(ctx context.Context, userID, key string) error
	Search(ctx context.Context, userID, term string, limit int) ([]Fact, error)
}

// ConversationLog stores conversations and their turns.
type ConversationLog interface {
	Create(ctx context.Context, userID, title, profileID string) (Conversation, error)
	Get(ctx context.Context, conversationID string) (Conversation, error)
	List(ctx context.Context, userID string, includeArchived bool) ([]Conversation, error)
	Delete(ctx context.Context, conversationID string) error
	Archive(ctx context.Context, conversationID string, archived bool) error
	Rename(ctx context.Context, conversationID, title string) error
	Bind(ctx context.Context, conversationID, profileID string) error
	// ReferencingProfile lists conversation ids bound to profileID.
	ReferencingProfile(ctx context.Context, profileID string) ([]string, error)

	Append(ctx context.Context, conversationID string, turn Turn) (Turn, error)
	ReadWindow(ctx context.Context, conversationID string, maxTurns int) Window
	Clear(ctx context.Context, conversationID string) error
	Lookup(ctx context.Context, conversationID string, seq int64) (Turn, error)
	Search(ctx context.Context, userID, query string, limit int) ([]Turn, error)

	Close() error
}

// ProfileStore persists profiles.
type ProfileStore interface {
	Create(ctx context.Context, p Profile) (Profile, error)
	Get(ctx context.Context, profileID string) (Profile, error)
	GetByName(ctx context.Context, name string) (Profile, error)
	List(ctx context.Context) ([]Profile, error)
	Update(ctx context.Context, profileID string, upd ProfileUpdate) (Profile, error)
	Delete(ctx context.Context, profileID string) error
	SetDefault(ctx context.Context, profileID string) error
	Default(ctx context.Context) (Profile, error)
}

// EmbeddingClient produces embeddings compatible with SQLite-VSS.
type EmbeddingClient interface {
	EmbedText(ctx context.Context, text string) ([]float64, error)
}

// Observation is a user utterance waiting for fact extraction.
type Observation struct {
	UserID         string            `json:"user_id"`
	ConversationID string            `json:"conversation_id"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}
