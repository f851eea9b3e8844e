package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/barretodotcom/zentrix_inbox/apperr"
	"github.com/barretodotcom/zentrix_inbox/credentials"
	"github.com/barretodotcom/zentrix_inbox/db"
	"github.com/barretodotcom/zentrix_inbox/provider"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type Provisioner struct {
	Store       db.Store
	Provider    provider.API
	Credentials *credentials.Manager
	Machine     Machine
	// MaxAttempts bounds provider calls that fail as unavailable.
	MaxAttempts  int
	InitialDelay time.Duration
	Log          *zap.Logger
	Now          func() time.Time
}

type Provisioned struct {
	Session    db.Session `json:"session"`
	WebhookURL string     `json:"webhookUrl"`
}

type ConnectResult struct {
	QRCodeImage      string     `json:"qrCodeImage"`
	ExpiresInSeconds int        `json:"expiresInSeconds"`
	Session          db.Session `json:"session"`
}

func (p *Provisioner) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Provisioner) log() *zap.Logger {
	if p.Log != nil {
		return p.Log
	}
	return zap.L()
}

// callProvider retries fn while the provider is unavailable, with bounded
// exponential backoff. Any other failure stops immediately.
func (p *Provisioner) callProvider(ctx context.Context, op string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialDelay
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = 250 * time.Millisecond
	}
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	try := 0
	return backoff.Retry(func() error {
		try++
		err := fn()
		if err == nil {
			return nil
		}
		if !apperr.IsKind(err, apperr.KindProviderUnavailable) {
			return backoff.Permanent(err)
		}
		p.log().Warn("provider call failed", zap.String("op", op), zap.Int("attempt", try), zap.Error(err))
		return err
	}, policy)
}

// Provision creates the provider session with its webhook attached, then
// persists the session and credential. The provider cannot attach a
// webhook later, so both happen here or not at all.
func (p *Provisioner) Provision(ctx context.Context, tenantID, displayName string) (*Provisioned, error) {
	gen, err := p.Credentials.Generate(tenantID, displayName)
	if err != nil {
		return nil, err
	}
	webhookURL := p.Credentials.WebhookURL(gen.Token)

	create := func(name string) error {
		return p.callProvider(ctx, "create", func() error {
			return p.Provider.CreateSession(ctx, provider.CreateSessionRequest{
				Name:       name,
				WebhookURL: webhookURL,
				HMACKey:    gen.HMACSecret,
			})
		})
	}

	name := sessionName(tenantID, p.now())
	err = create(name)
	if apperr.IsKind(err, apperr.KindConflict) {
		name = name + "_" + randomSuffix()
		err = create(name)
	}
	if err != nil {
		if apperr.IsKind(err, apperr.KindConflict) {
			return nil, apperr.Wrap(apperr.KindConflict, err, "session name collision")
		}
		return nil, apperr.Wrap(apperr.KindProvisioningFailed, err, "create provider session")
	}

	cred, err := p.Credentials.Seal(tenantID, gen)
	if err != nil {
		p.compensate(name)
		return nil, apperr.Wrap(apperr.KindInternal, err, "seal webhook secret")
	}
	now := p.now()
	sess := &db.Session{
		ID:                  gen.SessionID,
		TenantID:            tenantID,
		DisplayName:         strings.TrimSpace(displayName),
		ProviderSessionName: name,
		Status:              db.StatusDisconnected,
		StatusChangedAt:     now,
	}
	if err := p.Store.CreateSession(ctx, sess, cred); err != nil {
		p.compensate(name)
		return nil, apperr.Wrap(apperr.KindPersistence, err, "store session")
	}

	p.log().Info("session provisioned",
		zap.String("tenant", tenantID), zap.String("session", sess.ID), zap.String("name", name))
	return &Provisioned{Session: *sess, WebhookURL: webhookURL}, nil
}

// compensate removes a provider session whose local rows never committed.
func (p *Provisioner) compensate(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Provider.DeleteSession(ctx, name); err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
		p.log().Error("orphaned provider session", zap.String("name", name), zap.Error(err))
	}
}

// owned loads a session scoped to tenantID.
func (p *Provisioner) owned(ctx context.Context, tenantID, id string) (*db.Session, error) {
	s, err := p.Store.GetSession(ctx, id)
	if errors.Is(err, db.ErrNotFound) || (err == nil && s.TenantID != tenantID) {
		return nil, apperr.NotFound("session not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, err, "load session")
	}
	return s, nil
}

func (p *Provisioner) Get(ctx context.Context, tenantID, id string) (*db.Session, error) {
	s, err := p.owned(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	eff := p.Machine.Effective(*s, p.now())
	return &eff, nil
}

func (p *Provisioner) List(ctx context.Context, tenantID string) ([]db.Session, error) {
	list, err := p.Store.ListSessions(ctx, tenantID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, err, "list sessions")
	}
	now := p.now()
	for i := range list {
		list[i] = p.Machine.Effective(list[i], now)
	}
	return list, nil
}

// Connect starts the provider session and returns a fresh QR challenge.
// Every call asks the provider for a new QR.
func (p *Provisioner) Connect(ctx context.Context, tenantID, id string) (*ConnectResult, error) {
	s, err := p.owned(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if p.Machine.Effective(*s, p.now()).Status == db.StatusConnected {
		return nil, apperr.Conflict("session is already connected")
	}

	err = p.callProvider(ctx, "start", func() error { return p.Provider.StartSession(ctx, s.ProviderSessionName) })
	if err != nil && !apperr.IsKind(err, apperr.KindConflict) {
		return nil, err
	}
	var qr *provider.QR
	err = p.callProvider(ctx, "qr", func() error {
		var qerr error
		qr, qerr = p.Provider.QRCode(ctx, s.ProviderSessionName)
		return qerr
	})
	if err != nil {
		return nil, err
	}

	updated, err := p.Store.UpdateSession(ctx, id, func(x *db.Session) (bool, error) {
		return true, p.Machine.BeginConnect(x, p.now())
	})
	if err != nil {
		if apperr.IsKind(err, apperr.KindConflict) {
			return nil, err
		}
		return nil, p.storeErr(err, "mark connecting")
	}
	return &ConnectResult{
		QRCodeImage:      qr.DataURL(),
		ExpiresInSeconds: int(p.Machine.QRTTL / time.Second),
		Session:          *updated,
	}, nil
}

// Disconnect stops the live connection. Session and credential remain.
func (p *Provisioner) Disconnect(ctx context.Context, tenantID, id string) (*db.Session, error) {
	s, err := p.owned(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	err = p.callProvider(ctx, "stop", func() error { return p.Provider.StopSession(ctx, s.ProviderSessionName) })
	if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
		return nil, err
	}
	updated, err := p.Store.UpdateSession(ctx, id, func(x *db.Session) (bool, error) {
		p.Machine.Disconnect(x, p.now())
		return true, nil
	})
	if err != nil {
		return nil, p.storeErr(err, "mark disconnected")
	}
	return updated, nil
}

// Terminate irreversibly removes the session, its credential and its
// conversations. confirm must repeat the provider session name.
func (p *Provisioner) Terminate(ctx context.Context, tenantID, id, confirm string) error {
	s, err := p.owned(ctx, tenantID, id)
	if apperr.IsKind(err, apperr.KindNotFound) {
		if retired, rerr := p.Store.IsSessionRetired(ctx, id); rerr == nil && retired {
			return apperr.Conflict("session already terminated")
		}
	}
	if err != nil {
		return err
	}
	if confirm == "" || confirm != s.ProviderSessionName {
		return apperr.Validation("confirm must match the session name")
	}

	err = p.callProvider(ctx, "delete", func() error { return p.Provider.DeleteSession(ctx, s.ProviderSessionName) })
	if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
		return err
	}
	if err := p.Store.DeleteSession(ctx, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return apperr.Conflict("session already terminated")
		}
		return apperr.Wrap(apperr.KindPersistence, err, "delete session")
	}
	p.log().Info("session terminated", zap.String("tenant", tenantID), zap.String("session", id))
	return nil
}

// RotateWebhook issues a new token and secret. The provider session is
// recreated because its webhook is fixed at creation; the old token stops
// resolving when the new credential commits.
func (p *Provisioner) RotateWebhook(ctx context.Context, tenantID, id string) (*Provisioned, error) {
	s, err := p.owned(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	gen, err := p.Credentials.Rotate(s.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "generate credential")
	}
	webhookURL := p.Credentials.WebhookURL(gen.Token)

	err = p.callProvider(ctx, "delete", func() error { return p.Provider.DeleteSession(ctx, s.ProviderSessionName) })
	if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
		return nil, apperr.Wrap(apperr.KindProvisioningFailed, err, "delete provider session")
	}
	err = p.callProvider(ctx, "create", func() error {
		return p.Provider.CreateSession(ctx, provider.CreateSessionRequest{
			Name:       s.ProviderSessionName,
			WebhookURL: webhookURL,
			HMACKey:    gen.HMACSecret,
		})
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvisioningFailed, err, "recreate provider session")
	}

	cred, err := p.Credentials.Seal(tenantID, gen)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "seal webhook secret")
	}
	if err := p.Store.RotateCredential(ctx, cred); err != nil {
		p.log().Error("provider session recreated but credential swap failed",
			zap.String("session", s.ID), zap.Error(err))
		return nil, p.storeErr(err, "rotate credential")
	}
	updated, err := p.Store.UpdateSession(ctx, id, func(x *db.Session) (bool, error) {
		x.Status = db.StatusDisconnected
		x.StatusChangedAt = p.now()
		x.Optimistic = false
		x.QRExpiresAt = nil
		x.PhoneNumber = nil
		return true, nil
	})
	if err != nil {
		return nil, p.storeErr(err, "reset session status")
	}
	return &Provisioned{Session: *updated, WebhookURL: webhookURL}, nil
}

// ApplyEvent feeds an authoritative provider status report through the
// machine. The bool reports whether the stored session changed.
func (p *Provisioner) ApplyEvent(ctx context.Context, id string, ev Event) (*db.Session, bool, error) {
	applied := false
	s, err := p.Store.UpdateSession(ctx, id, func(x *db.Session) (bool, error) {
		applied = p.Machine.Apply(x, ev, p.now())
		return applied, nil
	})
	if err != nil {
		return nil, false, p.storeErr(err, "apply session event")
	}
	return s, applied, nil
}

func (p *Provisioner) storeErr(err error, op string) error {
	if errors.Is(err, db.ErrNotFound) {
		return apperr.NotFound("session not found")
	}
	return apperr.Wrap(apperr.KindPersistence, err, "%s", op)
}

func sessionName(tenantID string, now time.Time) string {
	var b strings.Builder
	for _, r := range tenantID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String() + "_own_" + strconv.FormatInt(now.UnixMilli(), 10)
}

func randomSuffix() string {
	b := make([]byte, 2)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano()%0xffff, 16)
	}
	return hex.EncodeToString(b)
}
