// Package ingest turns provider webhook deliveries into conversation,
// message, contact and session state.
package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/barretodotcom/zentrix_inbox/apperr"
	"github.com/mitchellh/mapstructure"
)

type EventType string

const (
	EventMessage       EventType = "message"
	EventMessageAny    EventType = "message.any"
	EventMessageAck    EventType = "message.ack"
	EventSessionStatus EventType = "session.status"
	EventStateChange   EventType = "state.change"
)

func (e EventType) IsMessage() bool { return e == EventMessage || e == EventMessageAny }

// Envelope is the outer shape shared by every delivery.
type Envelope struct {
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"`
	Event     EventType      `json:"event"`
	Session   string         `json:"session"`
	Me        *Me            `json:"me"`
	Payload   map[string]any `json:"payload"`
}

type Me struct {
	ID       string `json:"id"`
	PushName string `json:"pushName"`
}

type Media struct {
	Mimetype string `json:"mimetype"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

type MessagePayload struct {
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	FromMe    bool           `json:"fromMe"`
	Body      string         `json:"body"`
	Caption   string         `json:"caption"`
	Type      string         `json:"type"`
	HasMedia  bool           `json:"hasMedia"`
	Media     *Media         `json:"media"`
	Ack       int            `json:"ack"`
	Data      map[string]any `json:"_data"`
}

type AckPayload struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	FromMe    bool   `json:"fromMe"`
	Ack       int    `json:"ack"`
	AckName   string `json:"ackName"`
	Timestamp int64  `json:"timestamp"`
}

type SessionStatusPayload struct {
	Status string `json:"status"`
}

type StateChangePayload struct {
	State string `json:"state"`
}

// Event is the decoded tagged variant. Exactly one payload field is set,
// matching Envelope.Event.
type Event struct {
	Envelope
	Message       *MessagePayload
	Ack           *AckPayload
	SessionStatus *SessionStatusPayload
	StateChange   *StateChangePayload
}

// Decode parses a raw delivery. Anything outside the five known event
// kinds is rejected.
func Decode(body []byte) (*Event, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "malformed json")
	}
	if env.Event == "" {
		return nil, apperr.Validation("missing event")
	}
	if env.Payload == nil {
		return nil, apperr.Validation("missing payload")
	}

	ev := &Event{Envelope: env}
	var err error
	switch env.Event {
	case EventMessage, EventMessageAny:
		ev.Message = &MessagePayload{}
		err = decodePayload(env.Payload, ev.Message)
	case EventMessageAck:
		ev.Ack = &AckPayload{}
		err = decodePayload(env.Payload, ev.Ack)
		if err == nil && ev.Ack.ID == "" {
			err = apperr.Validation("ack without message id")
		}
	case EventSessionStatus:
		ev.SessionStatus = &SessionStatusPayload{}
		err = decodePayload(env.Payload, ev.SessionStatus)
	case EventStateChange:
		ev.StateChange = &StateChangePayload{}
		err = decodePayload(env.Payload, ev.StateChange)
	default:
		return nil, apperr.Validation("unsupported event " + strconv.Quote(string(env.Event)))
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func decodePayload(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "payload decoder")
	}
	if err := dec.Decode(in); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "malformed payload")
	}
	return nil
}

// DedupKey is the provider event id, or a stable hash of the delivery when
// the provider sent none.
func (e *Event) DedupKey(sessionID string) string {
	if id := strings.TrimSpace(e.ID); id != "" {
		return id
	}
	var subject string
	var ts int64
	switch {
	case e.Message != nil:
		subject, ts = e.Message.subject(), e.Message.Timestamp
	case e.Ack != nil:
		subject, ts = e.Ack.ID+"#"+strconv.Itoa(e.Ack.Ack), e.Ack.Timestamp
	case e.SessionStatus != nil:
		subject = e.SessionStatus.Status
	case e.StateChange != nil:
		subject = e.StateChange.State
	}
	if ts == 0 {
		ts = e.Timestamp
	}
	sum := sha256.Sum256([]byte(sessionID + "|" + string(e.Event) + "|" + subject + "|" + strconv.FormatInt(ts, 10)))
	return "h:" + hex.EncodeToString(sum[:])
}

// subject identifies a message payload: its provider id, or its content
// when the provider sent no id.
func (m *MessagePayload) subject() string {
	if id := strings.TrimSpace(m.ID); id != "" {
		return id
	}
	return m.From + "|" + m.To + "|" + strconv.FormatBool(m.FromMe) + "|" + m.Body + "|" + m.Caption
}
