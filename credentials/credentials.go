// Package credentials issues and resolves the per-session webhook
// credentials: an unguessable URL token plus the HMAC secret the provider
// signs deliveries with.
package credentials

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/barretodotcom/zentrix_inbox/apperr"
	"github.com/barretodotcom/zentrix_inbox/db"
	"github.com/google/uuid"
)

const (
	tokenBytes  = 32
	secretBytes = 32
)

type Generated struct {
	Token      string
	SessionID  string
	HMACSecret string
}

type Resolved struct {
	TenantID   string
	SessionID  string
	HMACSecret string
}

type TokenResolver interface {
	ResolveToken(ctx context.Context, token string) (*db.WebhookCredential, error)
}

type Manager struct {
	Store         TokenResolver
	Sealer        *Sealer
	PublicBaseURL string
}

// Generate mints a fresh session id, token and secret. Nothing is stored.
func (m *Manager) Generate(tenantID, displayName string) (*Generated, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, apperr.Validation("tenantId is required")
	}
	if strings.TrimSpace(displayName) == "" {
		return nil, apperr.Validation("displayName is required")
	}
	return m.Rotate(uuid.NewString())
}

// Rotate mints a new token and secret for an existing session id.
func (m *Manager) Rotate(sessionID string) (*Generated, error) {
	token, err := randomHex(tokenBytes)
	if err != nil {
		return nil, err
	}
	secret, err := randomHex(secretBytes)
	if err != nil {
		return nil, err
	}
	return &Generated{Token: token, SessionID: sessionID, HMACSecret: secret}, nil
}

// Seal converts g into its storable form.
func (m *Manager) Seal(tenantID string, g *Generated) (*db.WebhookCredential, error) {
	sealed, err := m.Sealer.Seal([]byte(g.HMACSecret))
	if err != nil {
		return nil, err
	}
	return &db.WebhookCredential{
		Token:        g.Token,
		SessionID:    g.SessionID,
		TenantID:     tenantID,
		SealedSecret: sealed,
	}, nil
}

func (m *Manager) Resolve(ctx context.Context, token string) (*Resolved, error) {
	if !wellFormed(token) {
		return nil, apperr.NotFound("unknown webhook token")
	}
	cred, err := m.Store.ResolveToken(ctx, token)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.NotFound("unknown webhook token")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, err, "resolve token")
	}
	secret, err := m.Sealer.Open(cred.SealedSecret)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "unseal webhook secret")
	}
	return &Resolved{TenantID: cred.TenantID, SessionID: cred.SessionID, HMACSecret: string(secret)}, nil
}

func (m *Manager) WebhookURL(token string) string {
	return strings.TrimRight(m.PublicBaseURL, "/") + "/webhook/" + token
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares the provided hex signature in constant time.
func Verify(secret string, body []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(strings.TrimPrefix(signature, "sha256=")))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("credentials: random: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func wellFormed(token string) bool {
	if len(token) != tokenBytes*2 {
		return false
	}
	_, err := hex.DecodeString(token)
	return err == nil
}
