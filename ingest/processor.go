package ingest

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/barretodotcom/zentrix_inbox/apperr"
	"github.com/barretodotcom/zentrix_inbox/db"
	"github.com/barretodotcom/zentrix_inbox/queue"
	"github.com/barretodotcom/zentrix_inbox/session"
	"go.uber.org/zap"
)

const TaskType = "webhook:event"

// Notifier pushes change hints to live readers. Nothing depends on it
// being delivered.
type Notifier interface {
	ConversationChanged(tenantID, conversationID string, cursor int64)
	SessionChanged(s db.Session)
}

type SessionEvents interface {
	ApplyEvent(ctx context.Context, id string, ev session.Event) (*db.Session, bool, error)
}

type Processor struct {
	Store    db.Store
	Sessions SessionEvents
	Notifier Notifier
	Log      *zap.Logger
}

func (p *Processor) log() *zap.Logger {
	if p.Log != nil {
		return p.Log
	}
	return zap.L()
}

// Task wraps job for the queue. The event id doubles as task id.
func (j *Job) Task() (queue.Task, error) {
	payload, err := json.Marshal(j)
	if err != nil {
		return queue.Task{}, err
	}
	return queue.Task{Type: TaskType, Payload: payload, ID: j.SessionID + ":" + j.EventID}, nil
}

// Handle applies one job. Returning an error schedules a retry; every step
// is safe to repeat.
func (p *Processor) Handle(ctx context.Context, task queue.Task) error {
	var job Job
	if err := json.Unmarshal(task.Payload, &job); err != nil {
		return queue.Permanent(apperr.Wrap(apperr.KindValidation, err, "decode job"))
	}
	log := p.log().With(zap.String("session", job.SessionID), zap.String("event", job.EventID), zap.String("kind", string(job.Kind)))

	switch {
	case job.Message != nil:
		return p.applyMessage(ctx, log, &job)
	case job.Ack != nil:
		return p.applyAck(ctx, log, &job)
	case job.Status != nil:
		return p.applyStatus(ctx, log, &job)
	}
	return queue.Permanent(apperr.Validation("empty job"))
}

func (p *Processor) applyMessage(ctx context.Context, log *zap.Logger, job *Job) error {
	up := *job.Message
	if _, err := p.Store.EnsureContact(ctx, up.Key.TenantID, up.Key.ContactPhone); err != nil {
		return apperr.Wrap(apperr.KindPersistence, err, "ensure contact")
	}
	res, err := p.Store.UpsertMessage(ctx, up)
	if errors.Is(err, db.ErrNotFound) {
		log.Info("session gone, dropping message")
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.KindPersistence, err, "upsert message")
	}
	if !res.Created {
		log.Debug("message already stored", zap.String("message", up.Message.ProviderMessageID))
		return nil
	}
	p.notifyConversation(res.Conversation)
	return nil
}

func (p *Processor) applyAck(ctx context.Context, log *zap.Logger, job *Job) error {
	msg, changed, err := p.Store.UpdateMessageStatus(ctx, job.SessionID, job.Ack.ProviderMessageID, job.Ack.Status)
	if errors.Is(err, db.ErrNotFound) {
		// the message event may still be in flight
		return apperr.NotFound("ack for unknown message " + job.Ack.ProviderMessageID)
	}
	if err != nil {
		return apperr.Wrap(apperr.KindPersistence, err, "update message status")
	}
	if changed {
		conv, err := p.Store.GetConversation(ctx, job.TenantID, msg.ConversationID)
		if err == nil {
			p.notifyConversation(*conv)
		}
	}
	log.Debug("ack applied", zap.String("status", string(job.Ack.Status)), zap.Bool("changed", changed))
	return nil
}

func (p *Processor) applyStatus(ctx context.Context, log *zap.Logger, job *Job) error {
	s, applied, err := p.Sessions.ApplyEvent(ctx, job.SessionID, session.Event{
		Status: job.Status.Status,
		At:     job.Status.At,
		Phone:  job.Status.Phone,
	})
	if apperr.IsKind(err, apperr.KindNotFound) {
		log.Info("session gone, dropping status")
		return nil
	}
	if err != nil {
		return err
	}
	if !applied {
		log.Debug("stale status dropped", zap.String("status", string(job.Status.Status)))
		return nil
	}
	if p.Notifier != nil {
		p.Notifier.SessionChanged(*s)
	}
	return nil
}

func (p *Processor) notifyConversation(c db.Conversation) {
	if p.Notifier != nil {
		p.Notifier.ConversationChanged(c.TenantID, c.ID, c.Seq)
	}
}

// DeadLetter records a job that exhausted its retries.
func (p *Processor) DeadLetter(ctx context.Context, task queue.Task, attempts int, cause error) {
	var job Job
	_ = json.Unmarshal(task.Payload, &job)
	dl := &db.DeadLetter{
		TenantID:  job.TenantID,
		SessionID: job.SessionID,
		EventID:   job.EventID,
		EventType: string(job.Kind),
		Attempts:  attempts,
		Payload:   task.Payload,
	}
	if cause != nil {
		dl.LastError = cause.Error()
	}
	if err := p.Store.RecordDeadLetter(ctx, dl); err != nil {
		p.log().Error("dead letter not recorded", zap.String("task", task.ID), zap.Error(err))
	}
}
