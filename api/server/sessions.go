package server

import (
	"encoding/json"
	"net/http"

	"github.com/barretodotcom/zentrix_inbox/api/utils"
	"github.com/barretodotcom/zentrix_inbox/db"
	"github.com/barretodotcom/zentrix_inbox/session"
	"github.com/go-chi/chi/v5"
)

type createSessionReq struct {
	DisplayName string `json:"displayName"`
}

type provisionedResp struct {
	SessionName string     `json:"sessionName"`
	WebhookURL  string     `json:"webhookUrl"`
	Session     db.Session `json:"session"`
}

type terminateReq struct {
	Confirm string `json:"confirm"`
}

func provisioned(p *session.Provisioned) provisionedResp {
	return provisionedResp{
		SessionName: p.Session.ProviderSessionName,
		WebhookURL:  p.WebhookURL,
		Session:     p.Session,
	}
}

// POST /api/sessions
func (s *Server) CreateSession(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	var req createSessionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.HttpError(w, http.StatusBadRequest, "invalid body")
		return
	}
	p, err := s.Sessions.Provision(r.Context(), tenantID, req.DisplayName)
	if err != nil {
		utils.AppError(w, err)
		return
	}
	if s.Hub != nil {
		s.Hub.SessionChanged(p.Session)
	}
	utils.JsonStatus(w, http.StatusCreated, provisioned(p))
}

func (s *Server) ListSessions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	list, err := s.Sessions.List(r.Context(), tenantID)
	if err != nil {
		utils.AppError(w, err)
		return
	}
	utils.JsonOK(w, list)
}

func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	sess, err := s.Sessions.Get(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		utils.AppError(w, err)
		return
	}
	utils.JsonOK(w, sess)
}

// POST /api/sessions/{id}/connect issues a fresh QR every call.
func (s *Server) ConnectSession(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	res, err := s.Sessions.Connect(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		utils.AppError(w, err)
		return
	}
	if s.Hub != nil {
		s.Hub.SessionChanged(res.Session)
	}
	utils.JsonOK(w, res)
}

func (s *Server) DisconnectSession(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	sess, err := s.Sessions.Disconnect(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		utils.AppError(w, err)
		return
	}
	if s.Hub != nil {
		s.Hub.SessionChanged(*sess)
	}
	utils.JsonOK(w, sess)
}

// DELETE /api/sessions/{id} with {"confirm": "<sessionName>"}.
func (s *Server) TerminateSession(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	var req terminateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.HttpError(w, http.StatusBadRequest, "confirm is required")
		return
	}
	if err := s.Sessions.Terminate(r.Context(), tenantID, chi.URLParam(r, "id"), req.Confirm); err != nil {
		utils.AppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) RotateWebhook(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	p, err := s.Sessions.RotateWebhook(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		utils.AppError(w, err)
		return
	}
	utils.JsonOK(w, provisioned(p))
}
