package db

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process. Conversation mutations are
// serialized per conversation key only; unrelated conversations never
// share a lock while mutating.
type MemoryStore struct {
	now func() time.Time

	meta            sync.RWMutex
	sessions        map[string]*sessionEntry
	names           map[string]string
	tokens          map[string]WebhookCredential
	tokenBySession  map[string]string
	retiredTokens   map[string]string
	retiredSessions map[string]struct{}

	convMu    sync.RWMutex
	convByKey map[string]*convEntry
	convByID  map[string]*convEntry
	// sessionID|providerMessageID -> *convEntry
	msgIndex sync.Map

	contacts sync.Map

	dlMu        sync.Mutex
	deadLetters []DeadLetter
}

type sessionEntry struct {
	mu      sync.Mutex
	s       Session
	deleted bool
}

type convEntry struct {
	mu         sync.Mutex
	conv       Conversation
	messages   []Message
	byProvider map[string]int
	deleted    bool
}

type contactEntry struct {
	mu sync.Mutex
	c  Contact
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:             func() time.Time { return time.Now().UTC() },
		sessions:        map[string]*sessionEntry{},
		names:           map[string]string{},
		tokens:          map[string]WebhookCredential{},
		tokenBySession:  map[string]string{},
		retiredTokens:   map[string]string{},
		retiredSessions: map[string]struct{}{},
		convByKey:       map[string]*convEntry{},
		convByID:        map[string]*convEntry{},
	}
}

func (m *MemoryStore) Close() {}

func (m *MemoryStore) CreateSession(_ context.Context, s *Session, cred *WebhookCredential) error {
	m.meta.Lock()
	defer m.meta.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return ErrConflict
	}
	if _, exists := m.names[s.ProviderSessionName]; exists {
		return ErrConflict
	}
	if _, exists := m.tokens[cred.Token]; exists {
		return ErrConflict
	}
	if _, retired := m.retiredTokens[cred.Token]; retired {
		return ErrConflict
	}
	now := m.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	m.sessions[s.ID] = &sessionEntry{s: *s}
	m.names[s.ProviderSessionName] = s.ID
	m.tokens[cred.Token] = *cred
	m.tokenBySession[s.ID] = cred.Token
	return nil
}

func (m *MemoryStore) sessionEntry(id string) (*sessionEntry, bool) {
	m.meta.RLock()
	defer m.meta.RUnlock()
	e, ok := m.sessions[id]
	return e, ok
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	e, ok := m.sessionEntry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrNotFound
	}
	s := e.s
	return &s, nil
}

func (m *MemoryStore) ListSessions(_ context.Context, tenantID string) ([]Session, error) {
	m.meta.RLock()
	entries := make([]*sessionEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.meta.RUnlock()

	out := []Session{}
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted && e.s.TenantID == tenantID {
			out = append(out, e.s)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, id string, fn SessionMutator) (*Session, error) {
	e, ok := m.sessionEntry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrNotFound
	}
	next := e.s
	changed, err := fn(&next)
	if err != nil {
		return nil, err
	}
	if changed {
		next.UpdatedAt = m.now()
		e.s = next
	}
	out := e.s
	return &out, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.meta.Lock()
	e, ok := m.sessions[id]
	if !ok {
		m.meta.Unlock()
		return ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.names, e.s.ProviderSessionName)
	if token, ok := m.tokenBySession[id]; ok {
		delete(m.tokens, token)
		delete(m.tokenBySession, id)
		m.retiredTokens[token] = id
	}
	m.retiredSessions[id] = struct{}{}
	m.meta.Unlock()

	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()

	m.convMu.Lock()
	for key, ce := range m.convByKey {
		if ce.conv.SessionID != id {
			continue
		}
		ce.mu.Lock()
		ce.deleted = true
		ce.mu.Unlock()
		delete(m.convByKey, key)
		delete(m.convByID, ce.conv.ID)
	}
	m.convMu.Unlock()

	prefix := id + "|"
	m.msgIndex.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			m.msgIndex.Delete(k)
		}
		return true
	})
	return nil
}

func (m *MemoryStore) IsSessionRetired(_ context.Context, id string) (bool, error) {
	m.meta.RLock()
	defer m.meta.RUnlock()
	_, ok := m.retiredSessions[id]
	return ok, nil
}

func (m *MemoryStore) ResolveToken(_ context.Context, token string) (*WebhookCredential, error) {
	m.meta.RLock()
	defer m.meta.RUnlock()
	cred, ok := m.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	return &cred, nil
}

func (m *MemoryStore) RotateCredential(_ context.Context, next *WebhookCredential) error {
	m.meta.Lock()
	defer m.meta.Unlock()
	if _, ok := m.sessions[next.SessionID]; !ok {
		return ErrNotFound
	}
	if _, exists := m.tokens[next.Token]; exists {
		return ErrConflict
	}
	if _, retired := m.retiredTokens[next.Token]; retired {
		return ErrConflict
	}
	if old, ok := m.tokenBySession[next.SessionID]; ok {
		delete(m.tokens, old)
		m.retiredTokens[old] = next.SessionID
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = m.now()
	}
	m.tokens[next.Token] = *next
	m.tokenBySession[next.SessionID] = next.Token
	return nil
}

// conversationFor returns the conversation for key, creating it unless the
// session was deleted. DeleteSession retires the id before it sweeps
// convByKey, so a conversation created here is either swept or refused.
func (m *MemoryStore) conversationFor(key ConversationKey) (*convEntry, bool) {
	k := key.String()
	m.convMu.RLock()
	e, ok := m.convByKey[k]
	m.convMu.RUnlock()
	if ok {
		return e, true
	}

	m.convMu.Lock()
	defer m.convMu.Unlock()
	if e, ok := m.convByKey[k]; ok {
		return e, true
	}
	m.meta.RLock()
	_, retired := m.retiredSessions[key.SessionID]
	m.meta.RUnlock()
	if retired {
		return nil, false
	}
	now := m.now()
	e = &convEntry{
		conv: Conversation{
			ID:           uuid.NewString(),
			TenantID:     key.TenantID,
			SessionID:    key.SessionID,
			ContactPhone: key.ContactPhone,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		byProvider: map[string]int{},
	}
	m.convByKey[k] = e
	m.convByID[e.conv.ID] = e
	return e, true
}

func (m *MemoryStore) UpsertMessage(_ context.Context, in MessageUpsert) (*UpsertResult, error) {
	if _, ok := m.sessionEntry(in.Key.SessionID); !ok {
		return nil, ErrNotFound
	}
	e, ok := m.conversationFor(in.Key)
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrNotFound
	}
	if idx, dup := e.byProvider[in.Message.ProviderMessageID]; dup {
		return &UpsertResult{Conversation: e.conv, Message: e.messages[idx]}, nil
	}

	now := m.now()
	msg := in.Message
	e.conv.Seq++
	msg.ID = uuid.NewString()
	msg.ConversationID = e.conv.ID
	msg.SessionID = in.Key.SessionID
	msg.Seq = e.conv.Seq
	msg.CreatedAt = now
	e.messages = append(e.messages, msg)
	e.byProvider[msg.ProviderMessageID] = len(e.messages) - 1

	if e.conv.LastMessageAt == nil || !msg.Timestamp.Before(*e.conv.LastMessageAt) {
		ts := msg.Timestamp
		e.conv.LastMessageAt = &ts
	}
	if msg.IsInbound {
		e.conv.UnreadCount++
	}
	e.conv.UpdatedAt = now
	m.msgIndex.Store(in.Key.SessionID+"|"+msg.ProviderMessageID, e)

	return &UpsertResult{Conversation: e.conv, Message: msg, Created: true}, nil
}

func (m *MemoryStore) UpdateMessageStatus(_ context.Context, sessionID, providerMessageID string, status MessageStatus) (*Message, bool, error) {
	v, ok := m.msgIndex.Load(sessionID + "|" + providerMessageID)
	if !ok {
		return nil, false, ErrNotFound
	}
	e := v.(*convEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.byProvider[providerMessageID]
	if e.deleted || !ok {
		return nil, false, ErrNotFound
	}
	msg := e.messages[idx]
	if !statusAdvances(msg.Status, status) {
		return &msg, false, nil
	}
	e.conv.Seq++
	msg.Status = status
	msg.Seq = e.conv.Seq
	e.messages[idx] = msg
	e.conv.UpdatedAt = m.now()
	return &msg, true, nil
}

func statusAdvances(current, next MessageStatus) bool {
	if next == MessageFailed {
		return current == MessageSent
	}
	return next.Rank() > current.Rank()
}

func (m *MemoryStore) EnsureContact(_ context.Context, tenantID, phone string) (bool, error) {
	entry := &contactEntry{c: Contact{TenantID: tenantID, Phone: phone, Tags: []string{}, CreatedAt: m.now()}}
	_, loaded := m.contacts.LoadOrStore(tenantID+"|"+phone, entry)
	return !loaded, nil
}

func (m *MemoryStore) GetContact(_ context.Context, tenantID, phone string) (*Contact, error) {
	v, ok := m.contacts.Load(tenantID + "|" + phone)
	if !ok {
		return nil, ErrNotFound
	}
	e := v.(*contactEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.c
	c.Tags = append([]string{}, e.c.Tags...)
	return &c, nil
}

func (m *MemoryStore) SaveContact(_ context.Context, c *Contact) error {
	fresh := &contactEntry{c: *c}
	if fresh.c.CreatedAt.IsZero() {
		fresh.c.CreatedAt = m.now()
	}
	v, loaded := m.contacts.LoadOrStore(c.TenantID+"|"+c.Phone, fresh)
	if !loaded {
		return nil
	}
	e := v.(*contactEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.c.Name = c.Name
	e.c.Tags = append([]string{}, c.Tags...)
	return nil
}

func (m *MemoryStore) conversationByID(tenantID, id string) (*convEntry, bool) {
	m.convMu.RLock()
	e, ok := m.convByID[id]
	m.convMu.RUnlock()
	if !ok || e.conv.TenantID != tenantID {
		return nil, false
	}
	return e, true
}

func (m *MemoryStore) GetConversation(_ context.Context, tenantID, id string) (*Conversation, error) {
	e, ok := m.conversationByID(tenantID, id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrNotFound
	}
	c := e.conv
	return &c, nil
}

func (m *MemoryStore) ListConversations(_ context.Context, tenantID string, f ConversationFilter) ([]Conversation, error) {
	m.convMu.RLock()
	entries := make([]*convEntry, 0, len(m.convByID))
	for _, e := range m.convByID {
		entries = append(entries, e)
	}
	m.convMu.RUnlock()

	out := []Conversation{}
	for _, e := range entries {
		e.mu.Lock()
		c, deleted := e.conv, e.deleted
		e.mu.Unlock()
		if deleted || c.TenantID != tenantID {
			continue
		}
		if f.SessionID != "" && c.SessionID != f.SessionID {
			continue
		}
		if f.Archived != nil && c.IsArchived != *f.Archived {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return out[i].CreatedAt.After(out[j].CreatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	limit := clampLimit(f.Limit, 50, 500)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListMessagesSince(_ context.Context, tenantID, conversationID string, since int64, limit int) ([]Message, error) {
	e, ok := m.conversationByID(tenantID, conversationID)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	out := []Message{}
	for _, msg := range e.messages {
		if msg.Seq > since {
			out = append(out, msg)
		}
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	limit = clampLimit(limit, 100, 1000)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkConversationRead(_ context.Context, tenantID, conversationID string, seen int64) (*Conversation, error) {
	e, ok := m.conversationByID(tenantID, conversationID)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrNotFound
	}
	if e.conv.Seq > seen {
		c := e.conv
		return &c, ErrStale
	}
	if e.conv.UnreadCount != 0 {
		e.conv.UnreadCount = 0
		e.conv.UpdatedAt = m.now()
	}
	c := e.conv
	return &c, nil
}

func (m *MemoryStore) SetConversationArchived(_ context.Context, tenantID, conversationID string, archived bool) (*Conversation, error) {
	e, ok := m.conversationByID(tenantID, conversationID)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrNotFound
	}
	e.conv.IsArchived = archived
	e.conv.UpdatedAt = m.now()
	c := e.conv
	return &c, nil
}

func (m *MemoryStore) RecordDeadLetter(_ context.Context, dl *DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.FailedAt.IsZero() {
		dl.FailedAt = m.now()
	}
	m.dlMu.Lock()
	defer m.dlMu.Unlock()
	m.deadLetters = append(m.deadLetters, *dl)
	return nil
}

func (m *MemoryStore) ListDeadLetters(_ context.Context, tenantID string, limit int) ([]DeadLetter, error) {
	m.dlMu.Lock()
	defer m.dlMu.Unlock()
	out := []DeadLetter{}
	for i := len(m.deadLetters) - 1; i >= 0; i-- {
		if m.deadLetters[i].TenantID == tenantID {
			out = append(out, m.deadLetters[i])
		}
	}
	limit = clampLimit(limit, 50, 500)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
