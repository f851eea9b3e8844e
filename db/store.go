package db

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("db: not found")
	ErrConflict = errors.New("db: conflict")
	// ErrStale is returned when a compare-and-set lost against a newer write.
	ErrStale = errors.New("db: stale write")
)

// SessionMutator edits a session inside its row lock. Returning false
// leaves the row untouched.
type SessionMutator func(s *Session) (bool, error)

type Store interface {
	// CreateSession persists a session and its webhook credential atomically.
	// A provider name or token collision yields ErrConflict.
	CreateSession(ctx context.Context, s *Session, cred *WebhookCredential) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, tenantID string) ([]Session, error)
	UpdateSession(ctx context.Context, id string, fn SessionMutator) (*Session, error)
	// DeleteSession removes the session, its credential, conversations and
	// messages, and retires the token so it can never be issued again.
	DeleteSession(ctx context.Context, id string) error
	IsSessionRetired(ctx context.Context, id string) (bool, error)

	ResolveToken(ctx context.Context, token string) (*WebhookCredential, error)
	// RotateCredential swaps the session's credential in one step; the old
	// token stops resolving at commit.
	RotateCredential(ctx context.Context, next *WebhookCredential) error

	UpsertMessage(ctx context.Context, in MessageUpsert) (*UpsertResult, error)
	// UpdateMessageStatus only moves a message status forward. The bool
	// reports whether anything changed.
	UpdateMessageStatus(ctx context.Context, sessionID, providerMessageID string, status MessageStatus) (*Message, bool, error)
	// EnsureContact creates a name-less stub and never touches an
	// existing contact.
	EnsureContact(ctx context.Context, tenantID, phone string) (bool, error)
	GetContact(ctx context.Context, tenantID, phone string) (*Contact, error)
	SaveContact(ctx context.Context, c *Contact) error

	GetConversation(ctx context.Context, tenantID, id string) (*Conversation, error)
	ListConversations(ctx context.Context, tenantID string, f ConversationFilter) ([]Conversation, error)
	ListMessagesSince(ctx context.Context, tenantID, conversationID string, since int64, limit int) ([]Message, error)
	// MarkConversationRead zeroes unreadCount only while the conversation
	// cursor is still <= seen, otherwise ErrStale.
	MarkConversationRead(ctx context.Context, tenantID, conversationID string, seen int64) (*Conversation, error)
	SetConversationArchived(ctx context.Context, tenantID, conversationID string, archived bool) (*Conversation, error)

	RecordDeadLetter(ctx context.Context, dl *DeadLetter) error
	ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]DeadLetter, error)

	Close()
}

func clampLimit(limit, fallback, max int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}
