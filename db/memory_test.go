package db

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSession(t *testing.T, s Store, tenantID string) (*Session, *WebhookCredential) {
	t.Helper()
	sess := &Session{
		ID:                  uuid.NewString(),
		TenantID:            tenantID,
		DisplayName:         "Loja Centro",
		ProviderSessionName: tenantID + "_own_" + uuid.NewString()[:8],
		Status:              StatusDisconnected,
		StatusChangedAt:     time.Now().UTC(),
	}
	cred := &WebhookCredential{
		Token:        uuid.NewString(),
		SessionID:    sess.ID,
		TenantID:     tenantID,
		SealedSecret: []byte("sealed"),
	}
	require.NoError(t, s.CreateSession(context.Background(), sess, cred))
	return sess, cred
}

func inbound(sess *Session, id, phone string, at time.Time) MessageUpsert {
	return MessageUpsert{
		Key: ConversationKey{TenantID: sess.TenantID, SessionID: sess.ID, ContactPhone: phone},
		Message: Message{
			ProviderMessageID: id,
			From:              phone,
			To:                "+5511900000000",
			Content:           "oi",
			Type:              MessageText,
			IsInbound:         true,
			Status:            MessageDelivered,
			Timestamp:         at,
		},
	}
}

func TestCreateSessionRejectsDuplicateName(t *testing.T) {
	s := NewMemoryStore()
	sess, _ := seedSession(t, s, "t1")

	dup := &Session{ID: uuid.NewString(), TenantID: "t1", ProviderSessionName: sess.ProviderSessionName}
	err := s.CreateSession(context.Background(), dup, &WebhookCredential{Token: "other", SessionID: dup.ID})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestUpsertMessageDedupesProviderID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess, _ := seedSession(t, s, "t1")
	now := time.Now().UTC()

	first, err := s.UpsertMessage(ctx, inbound(sess, "wamid.1", "+5511987654321", now))
	require.NoError(t, err)
	assert.True(t, first.Created)

	again, err := s.UpsertMessage(ctx, inbound(sess, "wamid.1", "+5511987654321", now))
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, first.Message.ID, again.Message.ID)
	assert.Equal(t, 1, again.Conversation.UnreadCount)

	msgs, err := s.ListMessagesSince(ctx, "t1", first.Conversation.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestConcurrentInboundCountsEveryMessage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess, _ := seedSession(t, s, "t1")
	now := time.Now().UTC()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpsertMessage(ctx, inbound(sess, fmt.Sprintf("m-%d", i), "+5511987654321", now.Add(time.Duration(i)*time.Millisecond)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	convs, err := s.ListConversations(ctx, "t1", ConversationFilter{})
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, n, convs[0].UnreadCount)
	assert.Equal(t, int64(n), convs[0].Seq)
	assert.Equal(t, now.Add((n-1)*time.Millisecond), *convs[0].LastMessageAt)
}

func TestLastMessageAtNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess, _ := seedSession(t, s, "t1")
	now := time.Now().UTC()

	_, err := s.UpsertMessage(ctx, inbound(sess, "late", "+5511987654321", now))
	require.NoError(t, err)
	res, err := s.UpsertMessage(ctx, inbound(sess, "early", "+5511987654321", now.Add(-time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, now, *res.Conversation.LastMessageAt)
}

func TestMarkReadIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess, _ := seedSession(t, s, "t1")
	now := time.Now().UTC()

	res, err := s.UpsertMessage(ctx, inbound(sess, "a", "+5511987654321", now))
	require.NoError(t, err)
	seen := res.Conversation.Seq

	_, err = s.UpsertMessage(ctx, inbound(sess, "b", "+5511987654321", now.Add(time.Second)))
	require.NoError(t, err)

	conv, err := s.MarkConversationRead(ctx, "t1", res.Conversation.ID, seen)
	assert.ErrorIs(t, err, ErrStale)
	assert.Equal(t, 2, conv.UnreadCount)

	conv, err = s.MarkConversationRead(ctx, "t1", res.Conversation.ID, conv.Seq)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadCount)
}

func TestMessageStatusOnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess, _ := seedSession(t, s, "t1")

	up := inbound(sess, "out-1", "+5511987654321", time.Now().UTC())
	up.Message.IsInbound = false
	up.Message.Status = MessageSent
	_, err := s.UpsertMessage(ctx, up)
	require.NoError(t, err)

	msg, changed, err := s.UpdateMessageStatus(ctx, sess.ID, "out-1", MessageRead)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, MessageRead, msg.Status)

	msg, changed, err = s.UpdateMessageStatus(ctx, sess.ID, "out-1", MessageDelivered)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, MessageRead, msg.Status)

	_, _, err = s.UpdateMessageStatus(ctx, sess.ID, "missing", MessageRead)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnsureContactKeepsExistingData(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	name := "Maria"
	require.NoError(t, s.SaveContact(ctx, &Contact{TenantID: "t1", Phone: "+5511987654321", Name: &name, Tags: []string{"vip"}}))

	created, err := s.EnsureContact(ctx, "t1", "+5511987654321")
	require.NoError(t, err)
	assert.False(t, created)

	c, err := s.GetContact(ctx, "t1", "+5511987654321")
	require.NoError(t, err)
	assert.Equal(t, "Maria", *c.Name)
	assert.Equal(t, []string{"vip"}, c.Tags)

	created, err = s.EnsureContact(ctx, "t1", "+5521999999999")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestDeleteSessionCascadesAndRetiresToken(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess, cred := seedSession(t, s, "t1")
	res, err := s.UpsertMessage(ctx, inbound(sess, "a", "+5511987654321", time.Now().UTC()))
	require.NoError(t, err)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))

	_, err = s.ResolveToken(ctx, cred.Token)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetConversation(ctx, "t1", res.Conversation.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	retired, err := s.IsSessionRetired(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, retired)

	// a retired token is never handed out again
	other := &Session{ID: uuid.NewString(), TenantID: "t1", ProviderSessionName: "x"}
	err = s.CreateSession(ctx, other, &WebhookCredential{Token: cred.Token, SessionID: other.ID})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.UpsertMessage(ctx, inbound(sess, "b", "+5511987654321", time.Now().UTC()))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertAfterSessionRetiredCreatesNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess, _ := seedSession(t, s, "t1")

	// the session lookup already passed when DeleteSession retires the id
	s.meta.Lock()
	s.retiredSessions[sess.ID] = struct{}{}
	s.meta.Unlock()

	_, err := s.UpsertMessage(ctx, inbound(sess, "a", "+5511987654321", time.Now().UTC()))
	assert.ErrorIs(t, err, ErrNotFound)
	convs, err := s.ListConversations(ctx, "t1", ConversationFilter{SessionID: sess.ID})
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestDeleteSessionRacingUpsertLeavesNoConversation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 50; i++ {
		sess, _ := seedSession(t, s, "t1")
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				phone := fmt.Sprintf("+55119876543%02d", j)
				_, _ = s.UpsertMessage(ctx, inbound(sess, fmt.Sprintf("m%d", j), phone, time.Now().UTC()))
			}(j)
		}
		require.NoError(t, s.DeleteSession(ctx, sess.ID))
		wg.Wait()

		convs, err := s.ListConversations(ctx, "t1", ConversationFilter{SessionID: sess.ID})
		require.NoError(t, err)
		assert.Empty(t, convs, "iteration %d", i)
	}
}

func TestRotateCredentialRetiresOldToken(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess, cred := seedSession(t, s, "t1")

	next := &WebhookCredential{Token: "fresh", SessionID: sess.ID, TenantID: "t1", SealedSecret: []byte("x")}
	require.NoError(t, s.RotateCredential(ctx, next))

	_, err := s.ResolveToken(ctx, cred.Token)
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := s.ResolveToken(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.SessionID)
}

func TestConversationsAreTenantScoped(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess, _ := seedSession(t, s, "t1")
	res, err := s.UpsertMessage(ctx, inbound(sess, "a", "+5511987654321", time.Now().UTC()))
	require.NoError(t, err)

	_, err = s.GetConversation(ctx, "t2", res.Conversation.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	convs, err := s.ListConversations(ctx, "t2", ConversationFilter{})
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestUpdateSessionMutatorErrorLeavesRow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess, _ := seedSession(t, s, "t1")

	_, err := s.UpdateSession(ctx, sess.ID, func(x *Session) (bool, error) {
		x.Status = StatusConnected
		return false, ErrConflict
	})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, got.Status)
}
