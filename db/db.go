package db

import (
	"time"
)

type SessionStatus string

const (
	StatusDisconnected SessionStatus = "disconnected"
	StatusConnecting   SessionStatus = "connecting"
	StatusConnected    SessionStatus = "connected"
	StatusError        SessionStatus = "error"
)

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageDocument MessageType = "document"
)

type MessageStatus string

const (
	MessageFailed    MessageStatus = "failed"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

// Rank orders delivery statuses so updates only move forward.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageSent:
		return 1
	case MessageDelivered:
		return 2
	case MessageRead:
		return 3
	default:
		return 0
	}
}

type Session struct {
	ID                  string        `json:"id"`
	TenantID            string        `json:"tenantId"`
	DisplayName         string        `json:"displayName"`
	ProviderSessionName string        `json:"sessionName"`
	Status              SessionStatus `json:"status"`
	PhoneNumber         *string       `json:"phoneNumber,omitempty"`
	// StatusChangedAt is the clock of the last applied status write,
	// compared last-writer-wins against incoming provider events.
	StatusChangedAt time.Time  `json:"statusChangedAt"`
	Optimistic      bool       `json:"optimistic"`
	QRExpiresAt     *time.Time `json:"qrExpiresAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

type WebhookCredential struct {
	Token        string    `json:"-"`
	SessionID    string    `json:"sessionId"`
	TenantID     string    `json:"tenantId"`
	SealedSecret []byte    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Conversation struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenantId"`
	SessionID     string     `json:"sessionId"`
	ContactPhone  string     `json:"contactPhone"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount   int        `json:"unreadCount"`
	IsArchived    bool       `json:"isArchived"`
	// Seq is the per-conversation change counter used as the read cursor.
	Seq       int64     `json:"cursor"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Message struct {
	ID                string        `json:"id"`
	ConversationID    string        `json:"conversationId"`
	SessionID         string        `json:"sessionId"`
	ProviderMessageID string        `json:"providerMessageId"`
	From              string        `json:"from"`
	To                string        `json:"to"`
	Content           string        `json:"content"`
	Type              MessageType   `json:"type"`
	IsInbound         bool          `json:"isInbound"`
	Status            MessageStatus `json:"status"`
	Timestamp         time.Time     `json:"timestamp"`
	Seq               int64         `json:"cursor"`
	CreatedAt         time.Time     `json:"createdAt"`
}

type Contact struct {
	TenantID  string    `json:"tenantId"`
	Phone     string    `json:"phone"`
	Name      *string   `json:"name,omitempty"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"createdAt"`
}

type DeadLetter struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	SessionID string    `json:"sessionId"`
	EventID   string    `json:"eventId"`
	EventType string    `json:"eventType"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError"`
	Payload   []byte    `json:"-"`
	FailedAt  time.Time `json:"failedAt"`
}

type ConversationKey struct {
	TenantID     string
	SessionID    string
	ContactPhone string
}

func (k ConversationKey) String() string {
	return k.TenantID + "|" + k.SessionID + "|" + k.ContactPhone
}

// MessageUpsert carries one normalized message into the conversation upsert.
type MessageUpsert struct {
	Key     ConversationKey
	Message Message
}

type UpsertResult struct {
	Conversation Conversation
	Message      Message
	// Created is false when the provider message id was already stored.
	Created bool
}

type ConversationFilter struct {
	SessionID string
	Archived  *bool
	Limit     int
}
