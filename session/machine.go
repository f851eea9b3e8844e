// Package session owns the lifecycle of provider sessions: provisioning on
// the provider, the local status machine, and termination.
package session

import (
	"strings"
	"time"

	"github.com/barretodotcom/zentrix_inbox/apperr"
	"github.com/barretodotcom/zentrix_inbox/db"
)

// Event is an authoritative status report delivered by the provider.
type Event struct {
	Status db.SessionStatus
	At     time.Time
	// Phone is the normalized number of the paired account, if known.
	Phone string
}

// StatusFromSessionStatus maps a session.status payload value.
func StatusFromSessionStatus(raw string) (db.SessionStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "STOPPED":
		return db.StatusDisconnected, true
	case "STARTING", "SCAN_QR_CODE":
		return db.StatusConnecting, true
	case "WORKING":
		return db.StatusConnected, true
	case "FAILED":
		return db.StatusError, true
	}
	return "", false
}

// StatusFromStateChange maps a state.change payload value.
func StatusFromStateChange(raw string) (db.SessionStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CONNECTED":
		return db.StatusConnected, true
	case "OPENING", "PAIRING":
		return db.StatusConnecting, true
	case "UNPAIRED", "UNPAIRED_IDLE", "UNLAUNCHED":
		return db.StatusDisconnected, true
	case "CONFLICT", "TIMEOUT", "DEPRECATED_VERSION", "PROXYBLOCK", "TOS_BLOCK", "SMB_TOS_BLOCK":
		return db.StatusError, true
	}
	return "", false
}

type Machine struct {
	QRTTL time.Duration
}

// Effective applies QR expiry lazily: a connecting session whose QR has
// expired reads as disconnected.
func (m Machine) Effective(s db.Session, now time.Time) db.Session {
	if s.Status == db.StatusConnecting && s.QRExpiresAt != nil && !now.Before(*s.QRExpiresAt) {
		s.Status = db.StatusDisconnected
		s.QRExpiresAt = nil
		s.Optimistic = false
	}
	return s
}

// Apply is last-writer-wins by event time. It reports whether s changed.
func (m Machine) Apply(s *db.Session, ev Event, now time.Time) bool {
	if ev.At.Before(s.StatusChangedAt) {
		return false
	}
	*s = m.Effective(*s, now)
	s.Status = ev.Status
	s.StatusChangedAt = ev.At
	s.Optimistic = false
	switch ev.Status {
	case db.StatusConnected:
		if ev.Phone != "" {
			phone := ev.Phone
			s.PhoneNumber = &phone
		}
		s.QRExpiresAt = nil
	case db.StatusConnecting:
		// a connecting session always carries a deadline
		if s.QRExpiresAt == nil || !now.Before(*s.QRExpiresAt) {
			exp := now.Add(m.QRTTL)
			s.QRExpiresAt = &exp
		}
	case db.StatusDisconnected, db.StatusError:
		s.QRExpiresAt = nil
	}
	return true
}

// BeginConnect is the optimistic local move to connecting once a QR was
// issued. Only a connected session refuses.
func (m Machine) BeginConnect(s *db.Session, now time.Time) error {
	if m.Effective(*s, now).Status == db.StatusConnected {
		return apperr.Conflict("session is already connected")
	}
	exp := now.Add(m.QRTTL)
	s.Status = db.StatusConnecting
	s.StatusChangedAt = now
	s.Optimistic = true
	s.QRExpiresAt = &exp
	return nil
}

func (m Machine) Disconnect(s *db.Session, now time.Time) {
	s.Status = db.StatusDisconnected
	s.StatusChangedAt = now
	s.Optimistic = true
	s.QRExpiresAt = nil
}
