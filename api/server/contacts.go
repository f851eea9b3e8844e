package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/barretodotcom/zentrix_inbox/api/utils"
	"github.com/barretodotcom/zentrix_inbox/apperr"
	"github.com/barretodotcom/zentrix_inbox/db"
	"github.com/go-chi/chi/v5"
)

type saveContactReq struct {
	Name *string  `json:"name"`
	Tags []string `json:"tags"`
}

func (s *Server) contactPhone(w http.ResponseWriter, r *http.Request) (string, bool) {
	p, err := s.Normalizer.Phones.Normalize(chi.URLParam(r, "phone"))
	if err != nil {
		utils.AppError(w, apperr.Wrap(apperr.KindValidation, err, "phone"))
		return "", false
	}
	return p, true
}

func (s *Server) GetContact(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	p, ok := s.contactPhone(w, r)
	if !ok {
		return
	}
	c, err := s.Store.GetContact(r.Context(), tenantID, p)
	if err != nil {
		utils.AppError(w, storeErr(err, "contact"))
		return
	}
	utils.JsonOK(w, c)
}

// PUT /api/contacts/{phone} is the human edit path. Auto-created stubs
// never overwrite what it stores.
func (s *Server) SaveContact(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	p, ok := s.contactPhone(w, r)
	if !ok {
		return
	}
	var req saveContactReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.HttpError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		req.Name = &name
		if name == "" {
			req.Name = nil
		}
	}
	tags := []string{}
	for _, t := range req.Tags {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}

	c := &db.Contact{TenantID: tenantID, Phone: p, Name: req.Name, Tags: tags}
	if err := s.Store.SaveContact(r.Context(), c); err != nil {
		utils.AppError(w, storeErr(err, "contact"))
		return
	}
	saved, err := s.Store.GetContact(r.Context(), tenantID, p)
	if errors.Is(err, db.ErrNotFound) {
		saved = c
	} else if err != nil {
		utils.AppError(w, storeErr(err, "contact"))
		return
	}
	utils.JsonOK(w, saved)
}
