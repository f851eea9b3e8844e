package ws

import (
	"sync"
	"time"

	"github.com/barretodotcom/zentrix_inbox/db"
)

type Conn interface {
	SendJSON(v any) error
	Close() error
	UserID() string
	TenantID() string
}

// Hub fans change hints out to the live connections of a tenant. Hints
// carry ids and cursors only; clients refetch through the REST API.
type Hub struct {
	// tenantID -> userID -> set(conns)
	tenants map[string]map[string]map[Conn]struct{}
	mu      sync.RWMutex
	now     func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		tenants: make(map[string]map[string]map[Conn]struct{}),
		now:     time.Now,
	}
}

func (h *Hub) Add(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tid, uid := c.TenantID(), c.UserID()
	if h.tenants[tid] == nil {
		h.tenants[tid] = make(map[string]map[Conn]struct{})
	}
	if h.tenants[tid][uid] == nil {
		h.tenants[tid][uid] = make(map[Conn]struct{})
	}
	h.tenants[tid][uid][c] = struct{}{}
}

func (h *Hub) Remove(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tid, uid := c.TenantID(), c.UserID()
	if h.tenants[tid] == nil || h.tenants[tid][uid] == nil {
		return
	}
	delete(h.tenants[tid][uid], c)
	if len(h.tenants[tid][uid]) == 0 {
		delete(h.tenants[tid], uid)
	}
	if len(h.tenants[tid]) == 0 {
		delete(h.tenants, tid)
	}
}

// Connections counts live connections for a tenant.
func (h *Hub) Connections(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.tenants[tenantID] {
		n += len(set)
	}
	return n
}

// Broadcast sends payload to every live connection of the tenant. Read
// state is shared per conversation, so no hint targets a single user.
func (h *Hub) Broadcast(tenantID string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, set := range h.tenants[tenantID] {
		for c := range set {
			// broken writers are cleaned up when their read loop exits
			_ = c.SendJSON(payload)
		}
	}
}

type ConversationEvent struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversationId"`
	Cursor         int64     `json:"cursor"`
	At             time.Time `json:"ts"`
}

type SessionEvent struct {
	Type      string           `json:"type"`
	SessionID string           `json:"sessionId"`
	Status    db.SessionStatus `json:"status"`
	At        time.Time        `json:"ts"`
}

func (h *Hub) ConversationChanged(tenantID, conversationID string, cursor int64) {
	h.Broadcast(tenantID, ConversationEvent{
		Type:           "conversation.changed",
		ConversationID: conversationID,
		Cursor:         cursor,
		At:             h.now().UTC(),
	})
}

func (h *Hub) SessionChanged(s db.Session) {
	h.Broadcast(s.TenantID, SessionEvent{
		Type:      "session.changed",
		SessionID: s.ID,
		Status:    s.Status,
		At:        h.now().UTC(),
	})
}
