package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/barretodotcom/zentrix_inbox/api/utils"
	"github.com/barretodotcom/zentrix_inbox/apperr"
	"github.com/barretodotcom/zentrix_inbox/credentials"
	"github.com/barretodotcom/zentrix_inbox/db"
	"github.com/barretodotcom/zentrix_inbox/idempotency"
	"github.com/barretodotcom/zentrix_inbox/ingest"
	"github.com/barretodotcom/zentrix_inbox/queue"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type webhookResp struct {
	Status string `json:"status"`
}

// Webhook authenticates and deduplicates one provider delivery, then
// hands it to the queue. Anything after the enqueue is retried internally,
// so the provider only ever sees 200 for an accepted event.
func (s *Server) Webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := chi.URLParam(r, "token")

	cred, err := s.Credentials.Resolve(ctx, token)
	if err != nil {
		utils.AppError(w, err)
		return
	}
	log := s.log().With(zap.String("session", cred.SessionID))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody()))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.HttpError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		utils.HttpError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	sess, err := s.Store.GetSession(ctx, cred.SessionID)
	if errors.Is(err, db.ErrNotFound) {
		utils.AppError(w, apperr.NotFound("unknown webhook token"))
		return
	}
	if err != nil {
		utils.AppError(w, apperr.Wrap(apperr.KindPersistence, err, "load session"))
		return
	}

	if !credentials.Verify(cred.HMACSecret, body, r.Header.Get(signatureHeader)) {
		log.Warn("webhook signature mismatch")
		utils.AppError(w, apperr.Authentication("invalid signature"))
		return
	}

	ev, err := ingest.Decode(body)
	if err != nil {
		utils.AppError(w, err)
		return
	}
	job, err := s.Normalizer.Prepare(cred.TenantID, sess, ev)
	if errors.Is(err, ingest.ErrIgnored) {
		utils.JsonOK(w, webhookResp{Status: "ignored"})
		return
	}
	if err != nil {
		utils.AppError(w, err)
		return
	}

	key := idempotency.Key(sess.ID, job.EventID)
	first, err := s.Seen.MarkSeen(ctx, key, s.seenTTL())
	if err != nil {
		log.Error("idempotency cache unavailable", zap.Error(err))
		utils.HttpError(w, http.StatusServiceUnavailable, "try again later")
		return
	}
	if !first {
		log.Debug("duplicate delivery", zap.String("event", job.EventID))
		utils.JsonOK(w, webhookResp{Status: "duplicate"})
		return
	}

	task, err := job.Task()
	if err == nil {
		_, err = s.Queue.Enqueue(ctx, task)
	}
	if err != nil {
		// not accepted, so a redelivery must not be taken for a duplicate
		if ferr := s.Seen.Forget(ctx, key); ferr != nil {
			log.Error("idempotency key not released", zap.Error(ferr))
		}
		log.Error("enqueue failed", zap.String("event", job.EventID), zap.Error(err))
		if errors.Is(err, queue.ErrQueueFull) {
			utils.HttpError(w, http.StatusTooManyRequests, "backlog full")
			return
		}
		utils.HttpError(w, http.StatusServiceUnavailable, "try again later")
		return
	}

	log.Debug("webhook accepted", zap.String("event", job.EventID), zap.String("kind", string(job.Kind)))
	utils.JsonOK(w, webhookResp{Status: "accepted"})
}

func (s *Server) seenTTL() time.Duration {
	if s.SeenTTL > 0 {
		return s.SeenTTL
	}
	return 24 * time.Hour
}

func (s *Server) maxBody() int64 {
	if s.MaxBodyBytes > 0 {
		return s.MaxBodyBytes
	}
	return 1 << 20
}
