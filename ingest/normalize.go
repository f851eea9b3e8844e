package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/barretodotcom/zentrix_inbox/apperr"
	"github.com/barretodotcom/zentrix_inbox/db"
	"github.com/barretodotcom/zentrix_inbox/phone"
	"github.com/barretodotcom/zentrix_inbox/session"
)

// ErrIgnored marks a well-formed delivery that carries nothing this
// service stores, such as group chat traffic. It is acknowledged and dropped.
var ErrIgnored = errors.New("ingest: event ignored")

// AckUpdate is a delivery status report for a stored message.
type AckUpdate struct {
	ProviderMessageID string           `json:"providerMessageId"`
	Status            db.MessageStatus `json:"status"`
}

// StatusUpdate is an authoritative session status report.
type StatusUpdate struct {
	Status db.SessionStatus `json:"status"`
	At     time.Time        `json:"at"`
	Phone  string           `json:"phone,omitempty"`
}

// Job is the unit handed to the queue once a delivery is authenticated,
// validated and deduplicated.
type Job struct {
	TenantID  string            `json:"tenantId"`
	SessionID string            `json:"sessionId"`
	EventID   string            `json:"eventId"`
	Kind      EventType         `json:"kind"`
	Message   *db.MessageUpsert `json:"message,omitempty"`
	Ack       *AckUpdate        `json:"ack,omitempty"`
	Status    *StatusUpdate     `json:"status,omitempty"`
}

type Normalizer struct {
	Phones *phone.Normalizer
	Now    func() time.Time
}

func (n *Normalizer) now() time.Time {
	if n.Now != nil {
		return n.Now().UTC()
	}
	return time.Now().UTC()
}

// Prepare validates ev for the resolved session and builds its job.
func (n *Normalizer) Prepare(tenantID string, sess *db.Session, ev *Event) (*Job, error) {
	if ev.Session != "" && ev.Session != sess.ProviderSessionName {
		return nil, apperr.Validation("event session does not match webhook")
	}
	job := &Job{
		TenantID:  tenantID,
		SessionID: sess.ID,
		EventID:   ev.DedupKey(sess.ID),
		Kind:      ev.Event,
	}

	switch {
	case ev.Message != nil:
		up, err := n.Normalize(tenantID, sess, ev)
		if err != nil {
			return nil, err
		}
		job.Message = up
	case ev.Ack != nil:
		job.Ack = &AckUpdate{ProviderMessageID: ev.Ack.ID, Status: ackStatus(ev.Ack.Ack)}
	case ev.SessionStatus != nil:
		status, ok := session.StatusFromSessionStatus(ev.SessionStatus.Status)
		if !ok {
			return nil, apperr.Validation("unknown session status " + ev.SessionStatus.Status)
		}
		job.Status = n.statusUpdate(ev, status)
	case ev.StateChange != nil:
		status, ok := session.StatusFromStateChange(ev.StateChange.State)
		if !ok {
			return nil, apperr.Validation("unknown state " + ev.StateChange.State)
		}
		job.Status = n.statusUpdate(ev, status)
	default:
		return nil, apperr.Validation("empty event")
	}
	return job, nil
}

func (n *Normalizer) statusUpdate(ev *Event, status db.SessionStatus) *StatusUpdate {
	u := &StatusUpdate{Status: status, At: n.eventTime(0, ev.Timestamp)}
	if status == db.StatusConnected && ev.Me != nil && ev.Me.ID != "" {
		if p, err := n.Phones.Normalize(ev.Me.ID); err == nil {
			u.Phone = p
		}
	}
	return u
}

// Normalize maps a message event into the canonical message and the
// conversation key it belongs to. Only the contact side is required: the
// session's own number falls back to the envelope's me.id, then to the
// number the session connected with, and may stay empty.
func (n *Normalizer) Normalize(tenantID string, sess *db.Session, ev *Event) (*db.MessageUpsert, error) {
	m := ev.Message
	if m == nil {
		return nil, apperr.Validation("not a message event")
	}
	inbound := !m.FromMe
	rawContact, rawOwn := m.From, m.To
	if !inbound {
		rawContact, rawOwn = m.To, m.From
	}
	contact, err := n.phoneOf(rawContact, contactField(inbound))
	if err != nil {
		return nil, err
	}
	own, err := n.ownPhone(rawOwn, ev, sess)
	if err != nil {
		return nil, err
	}

	from, to := contact, own
	status := db.MessageDelivered
	if !inbound {
		from, to = own, contact
		status = ackStatus(m.Ack)
	}

	content := m.Body
	if content == "" {
		content = m.Caption
	}
	at := n.eventTime(m.Timestamp, ev.Timestamp)

	providerID := strings.TrimSpace(m.ID)
	if providerID == "" {
		providerID = derivedMessageID(sess.ID, contact, inbound, at, content)
	}

	return &db.MessageUpsert{
		Key: db.ConversationKey{TenantID: tenantID, SessionID: sess.ID, ContactPhone: contact},
		Message: db.Message{
			SessionID:         sess.ID,
			ProviderMessageID: providerID,
			From:              from,
			To:                to,
			Content:           content,
			Type:              messageType(m),
			IsInbound:         inbound,
			Status:            status,
			Timestamp:         at,
		},
	}, nil
}

func contactField(inbound bool) string {
	if inbound {
		return "from"
	}
	return "to"
}

func (n *Normalizer) ownPhone(raw string, ev *Event, sess *db.Session) (string, error) {
	if raw == "" && ev.Me != nil {
		raw = ev.Me.ID
	}
	if raw == "" && sess.PhoneNumber != nil {
		raw = *sess.PhoneNumber
	}
	if raw == "" {
		return "", nil
	}
	field := "to"
	if ev.Message.FromMe {
		field = "from"
	}
	return n.phoneOf(raw, field)
}

// derivedMessageID stands in for a missing provider message id so that
// redelivery of the same message still upserts once.
func derivedMessageID(sessionID, contact string, inbound bool, at time.Time, content string) string {
	sum := sha256.Sum256([]byte(sessionID + "|" + contact + "|" + strconv.FormatBool(inbound) + "|" +
		strconv.FormatInt(at.UnixMilli(), 10) + "|" + content))
	return "h:" + hex.EncodeToString(sum[:16])
}

func (n *Normalizer) phoneOf(raw, field string) (string, error) {
	p, err := n.Phones.Normalize(raw)
	if errors.Is(err, phone.ErrGroupChat) {
		return "", ErrIgnored
	}
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, err, "%s", field)
	}
	return p, nil
}

// eventTime prefers the payload timestamp (seconds), then the envelope
// timestamp (milliseconds), then the local clock.
func (n *Normalizer) eventTime(payloadTS, envelopeTS int64) time.Time {
	switch {
	case payloadTS > 1e12:
		return time.UnixMilli(payloadTS).UTC()
	case payloadTS > 0:
		return time.Unix(payloadTS, 0).UTC()
	case envelopeTS > 1e12:
		return time.UnixMilli(envelopeTS).UTC()
	case envelopeTS > 0:
		return time.Unix(envelopeTS, 0).UTC()
	}
	return n.now()
}

// ackStatus maps provider ack codes: -1 error, 0 pending, 1 server,
// 2 device, 3 read, 4 played.
func ackStatus(ack int) db.MessageStatus {
	switch {
	case ack < 0:
		return db.MessageFailed
	case ack <= 1:
		return db.MessageSent
	case ack == 2:
		return db.MessageDelivered
	default:
		return db.MessageRead
	}
}

func messageType(m *MessagePayload) db.MessageType {
	t := strings.ToLower(m.Type)
	if t == "" && m.Data != nil {
		t = strings.ToLower(fmt.Sprint(m.Data["type"]))
	}
	switch t {
	case "image", "sticker":
		return db.MessageImage
	case "audio", "ptt", "voice":
		return db.MessageAudio
	case "document", "video":
		return db.MessageDocument
	case "chat", "text":
		if !m.HasMedia {
			return db.MessageText
		}
	}
	if !m.HasMedia && m.Media == nil {
		return db.MessageText
	}
	if m.Media != nil {
		switch {
		case strings.HasPrefix(m.Media.Mimetype, "image/"):
			return db.MessageImage
		case strings.HasPrefix(m.Media.Mimetype, "audio/"):
			return db.MessageAudio
		}
	}
	return db.MessageDocument
}
