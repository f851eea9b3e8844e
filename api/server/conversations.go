package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"

	"github.com/barretodotcom/zentrix_inbox/api/utils"
	"github.com/barretodotcom/zentrix_inbox/apperr"
	"github.com/barretodotcom/zentrix_inbox/db"
	"github.com/go-chi/chi/v5"
)

type messagesResp struct {
	Messages   []db.Message `json:"messages"`
	NextCursor int64        `json:"nextCursor"`
}

type readReq struct {
	Cursor *int64 `json:"cursor"`
}

type readConflictResp struct {
	Error        string          `json:"error"`
	Conversation db.Conversation `json:"conversation"`
}

type archiveReq struct {
	Archived *bool `json:"archived"`
}

func storeErr(err error, what string) error {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return apperr.NotFound(what + " not found")
	case errors.Is(err, db.ErrConflict):
		return apperr.Conflict(what + " conflict")
	}
	return apperr.Wrap(apperr.KindPersistence, err, "%s", what)
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// GET /api/conversations?sessionId=&archived=&limit=
func (s *Server) ListConversations(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	archived, ok := utils.QueryBool(r, "archived")
	if !ok {
		utils.HttpError(w, http.StatusBadRequest, "archived must be true or false")
		return
	}
	limit, ok := utils.QueryInt(r, "limit", 0)
	if !ok {
		utils.HttpError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	list, err := s.Store.ListConversations(r.Context(), tenantID, db.ConversationFilter{
		SessionID: r.URL.Query().Get("sessionId"),
		Archived:  archived,
		Limit:     int(limit),
	})
	if err != nil {
		utils.AppError(w, storeErr(err, "conversations"))
		return
	}
	utils.JsonOK(w, list)
}

// GET /api/conversations/{id}/messages?since=<cursor>&limit=
// Returns the messages changed after since, ordered by message timestamp.
// nextCursor is the highest cursor on the page, so a late message with an
// old timestamp still shows up on the next poll.
func (s *Server) ListMessages(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	since, ok := utils.QueryInt(r, "since", 0)
	if !ok {
		utils.HttpError(w, http.StatusBadRequest, "invalid since")
		return
	}
	limit, ok := utils.QueryInt(r, "limit", 0)
	if !ok {
		utils.HttpError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	msgs, err := s.Store.ListMessagesSince(r.Context(), tenantID, chi.URLParam(r, "id"), since, int(limit))
	if err != nil {
		utils.AppError(w, storeErr(err, "conversation"))
		return
	}
	next := since
	for _, m := range msgs {
		if m.Seq > next {
			next = m.Seq
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].Seq < msgs[j].Seq
	})
	utils.JsonOK(w, messagesResp{Messages: msgs, NextCursor: next})
}

// POST /api/conversations/{id}/read
// Without a cursor the conversation is read up to its current cursor.
// Activity newer than the cursor answers 409 with the fresh state.
func (s *Server) MarkRead(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	var req readReq
	if err := decodeOptional(r, &req); err != nil {
		utils.HttpError(w, http.StatusBadRequest, "invalid body")
		return
	}

	var seen int64
	if req.Cursor != nil {
		seen = *req.Cursor
	} else {
		conv, err := s.Store.GetConversation(r.Context(), tenantID, id)
		if err != nil {
			utils.AppError(w, storeErr(err, "conversation"))
			return
		}
		seen = conv.Seq
	}

	conv, err := s.Store.MarkConversationRead(r.Context(), tenantID, id, seen)
	if errors.Is(err, db.ErrStale) && conv != nil {
		utils.JsonStatus(w, http.StatusConflict, readConflictResp{Error: "conversation changed", Conversation: *conv})
		return
	}
	if err != nil {
		utils.AppError(w, storeErr(err, "conversation"))
		return
	}
	if s.Hub != nil {
		s.Hub.ConversationChanged(tenantID, conv.ID, conv.Seq)
	}
	utils.JsonOK(w, conv)
}

// POST /api/conversations/{id}/archive, body {"archived": false} unarchives.
func (s *Server) Archive(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	var req archiveReq
	if err := decodeOptional(r, &req); err != nil {
		utils.HttpError(w, http.StatusBadRequest, "invalid body")
		return
	}
	archived := true
	if req.Archived != nil {
		archived = *req.Archived
	}
	conv, err := s.Store.SetConversationArchived(r.Context(), tenantID, chi.URLParam(r, "id"), archived)
	if err != nil {
		utils.AppError(w, storeErr(err, "conversation"))
		return
	}
	utils.JsonOK(w, conv)
}

func (s *Server) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	limit, ok := utils.QueryInt(r, "limit", 0)
	if !ok {
		utils.HttpError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	list, err := s.Store.ListDeadLetters(r.Context(), tenantID, int(limit))
	if err != nil {
		utils.AppError(w, storeErr(err, "dead letters"))
		return
	}
	utils.JsonOK(w, list)
}
