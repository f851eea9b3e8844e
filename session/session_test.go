package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/barretodotcom/zentrix_inbox/apperr"
	"github.com/barretodotcom/zentrix_inbox/credentials"
	"github.com/barretodotcom/zentrix_inbox/db"
	"github.com/barretodotcom/zentrix_inbox/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProvider struct {
	mu       sync.Mutex
	sessions map[string]provider.CreateSessionRequest
	// queued failures per operation, consumed in order
	fail  map[string][]error
	calls []string
	qrs   int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{sessions: map[string]provider.CreateSessionRequest{}, fail: map[string][]error{}}
}

func (f *fakeProvider) failNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = append(f.fail[op], errs...)
}

func (f *fakeProvider) take(op, name string) error {
	f.calls = append(f.calls, op+" "+name)
	if q := f.fail[op]; len(q) > 0 {
		f.fail[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *fakeProvider) CreateSession(_ context.Context, req provider.CreateSessionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.take("create", req.Name); err != nil {
		return err
	}
	if _, ok := f.sessions[req.Name]; ok {
		return apperr.New(apperr.KindConflict, "exists")
	}
	f.sessions[req.Name] = req
	return nil
}

func (f *fakeProvider) StartSession(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.take("start", name)
}

func (f *fakeProvider) StopSession(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.take("stop", name)
}

func (f *fakeProvider) DeleteSession(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.take("delete", name); err != nil {
		return err
	}
	if _, ok := f.sessions[name]; !ok {
		return apperr.New(apperr.KindNotFound, "missing")
	}
	delete(f.sessions, name)
	return nil
}

func (f *fakeProvider) QRCode(_ context.Context, name string) (*provider.QR, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.take("qr", name); err != nil {
		return nil, err
	}
	f.qrs++
	return &provider.QR{Mimetype: "image/png", Data: fmt.Sprintf("qr-%d", f.qrs)}, nil
}

type fixture struct {
	p     *Provisioner
	prov  *fakeProvider
	store *db.MemoryStore
	creds *credentials.Manager
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sealer, err := credentials.NewSealer("test-key")
	require.NoError(t, err)
	f := &fixture{
		prov:  newFakeProvider(),
		store: db.NewMemoryStore(),
		now:   time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	f.creds = &credentials.Manager{Store: f.store, Sealer: sealer, PublicBaseURL: "https://inbox.example.com"}
	f.p = &Provisioner{
		Store:        f.store,
		Provider:     f.prov,
		Credentials:  f.creds,
		Machine:      Machine{QRTTL: 20 * time.Second},
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Log:          zap.NewNop(),
		Now:          func() time.Time { return f.now },
	}
	return f
}

func unavailable() error { return apperr.New(apperr.KindProviderUnavailable, "503") }

func TestProvisionRegistersWebhookAtCreation(t *testing.T) {
	f := newFixture(t)
	out, err := f.p.Provision(context.Background(), "tenant-1", "Loja Centro")
	require.NoError(t, err)

	assert.Equal(t, db.StatusDisconnected, out.Session.Status)
	assert.Equal(t, fmt.Sprintf("tenant-1_own_%d", f.now.UnixMilli()), out.Session.ProviderSessionName)
	assert.True(t, strings.HasPrefix(out.WebhookURL, "https://inbox.example.com/webhook/"))

	req := f.prov.sessions[out.Session.ProviderSessionName]
	assert.Equal(t, out.WebhookURL, req.WebhookURL)
	assert.NotEmpty(t, req.HMACKey)
	assert.NotContains(t, out.WebhookURL, req.HMACKey)

	token := strings.TrimPrefix(out.WebhookURL, "https://inbox.example.com/webhook/")
	resolved, err := f.creds.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, out.Session.ID, resolved.SessionID)
	assert.Equal(t, req.HMACKey, resolved.HMACSecret)
}

func TestProvisionRetriesUnavailableThenFails(t *testing.T) {
	f := newFixture(t)
	f.prov.failNext("create", unavailable(), unavailable())
	_, err := f.p.Provision(context.Background(), "t", "x")
	require.NoError(t, err)

	f.prov.failNext("create", unavailable(), unavailable(), unavailable())
	_, err = f.p.Provision(context.Background(), "t", "y")
	assert.Equal(t, apperr.KindProvisioningFailed, apperr.KindOf(err))

	sessions, err := f.store.ListSessions(context.Background(), "t")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestProvisionSuffixesOnCollisionOnce(t *testing.T) {
	f := newFixture(t)
	f.prov.failNext("create", apperr.New(apperr.KindConflict, "name taken"))

	out, err := f.p.Provision(context.Background(), "t", "x")
	require.NoError(t, err)
	base := fmt.Sprintf("t_own_%d_", f.now.UnixMilli())
	assert.True(t, strings.HasPrefix(out.Session.ProviderSessionName, base))
	assert.Len(t, out.Session.ProviderSessionName, len(base)+4)

	f.prov.failNext("create", apperr.New(apperr.KindConflict, "taken"), apperr.New(apperr.KindConflict, "taken"))
	_, err = f.p.Provision(context.Background(), "t", "x")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestConnectIssuesFreshQR(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.p.Provision(ctx, "t", "x")
	require.NoError(t, err)

	first, err := f.p.Connect(ctx, "t", out.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusConnecting, first.Session.Status)
	assert.True(t, first.Session.Optimistic)
	assert.Equal(t, 20, first.ExpiresInSeconds)
	assert.Equal(t, "data:image/png;base64,qr-1", first.QRCodeImage)

	second, err := f.p.Connect(ctx, "t", out.Session.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.QRCodeImage, second.QRCodeImage)
}

func TestQRExpiryIsLazy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.p.Provision(ctx, "t", "x")
	require.NoError(t, err)
	_, err = f.p.Connect(ctx, "t", out.Session.ID)
	require.NoError(t, err)

	f.now = f.now.Add(19 * time.Second)
	s, err := f.p.Get(ctx, "t", out.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusConnecting, s.Status)

	f.now = f.now.Add(time.Second)
	s, err = f.p.Get(ctx, "t", out.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusDisconnected, s.Status)
}

func TestProviderConnectingAfterQRLapseStillExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.p.Provision(ctx, "t", "x")
	require.NoError(t, err)
	_, err = f.p.Connect(ctx, "t", out.Session.ID)
	require.NoError(t, err)

	f.now = f.now.Add(25 * time.Second)
	s, applied, err := f.p.ApplyEvent(ctx, out.Session.ID, Event{Status: db.StatusConnecting, At: f.now})
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, db.StatusConnecting, s.Status)
	require.NotNil(t, s.QRExpiresAt)

	f.now = f.now.Add(10 * time.Minute)
	s, err = f.p.Get(ctx, "t", out.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusDisconnected, s.Status)
}

func TestMachineConnectingEventKeepsLiveQR(t *testing.T) {
	m := Machine{QRTTL: 20 * time.Second}
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	s := db.Session{Status: db.StatusDisconnected}
	require.NoError(t, m.BeginConnect(&s, now))
	issued := *s.QRExpiresAt

	require.True(t, m.Apply(&s, Event{Status: db.StatusConnecting, At: now.Add(time.Second)}, now.Add(time.Second)))
	require.NotNil(t, s.QRExpiresAt)
	assert.Equal(t, issued, *s.QRExpiresAt)
}

func TestAuthoritativeEventsAreLastWriterWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.p.Provision(ctx, "t", "x")
	require.NoError(t, err)
	_, err = f.p.Connect(ctx, "t", out.Session.ID)
	require.NoError(t, err)

	s, applied, err := f.p.ApplyEvent(ctx, out.Session.ID, Event{Status: db.StatusConnected, At: f.now.Add(5 * time.Second), Phone: "+5511987654321"})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, db.StatusConnected, s.Status)
	assert.False(t, s.Optimistic)
	require.NotNil(t, s.PhoneNumber)
	assert.Equal(t, "+5511987654321", *s.PhoneNumber)

	// an older report arriving late is dropped
	_, applied, err = f.p.ApplyEvent(ctx, out.Session.ID, Event{Status: db.StatusConnecting, At: f.now.Add(2 * time.Second)})
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = f.p.Connect(ctx, "t", out.Session.ID)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	s, applied, err = f.p.ApplyEvent(ctx, out.Session.ID, Event{Status: db.StatusError, At: f.now.Add(time.Minute)})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, db.StatusError, s.Status)

	res, err := f.p.Connect(ctx, "t", out.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusConnecting, res.Session.Status)
}

func TestDisconnectKeepsCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.p.Provision(ctx, "t", "x")
	require.NoError(t, err)

	s, err := f.p.Disconnect(ctx, "t", out.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusDisconnected, s.Status)

	token := strings.TrimPrefix(out.WebhookURL, "https://inbox.example.com/webhook/")
	_, err = f.creds.Resolve(ctx, token)
	assert.NoError(t, err)
}

func TestTerminateRequiresConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.p.Provision(ctx, "t", "x")
	require.NoError(t, err)
	name := out.Session.ProviderSessionName

	err = f.p.Terminate(ctx, "t", out.Session.ID, "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	err = f.p.Terminate(ctx, "other-tenant", out.Session.ID, name)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	require.NoError(t, f.p.Terminate(ctx, "t", out.Session.ID, name))
	assert.NotContains(t, f.prov.sessions, name)

	token := strings.TrimPrefix(out.WebhookURL, "https://inbox.example.com/webhook/")
	_, err = f.creds.Resolve(ctx, token)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	err = f.p.Terminate(ctx, "t", out.Session.ID, name)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestTerminateKeepsLocalStateWhenProviderDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.p.Provision(ctx, "t", "x")
	require.NoError(t, err)

	f.prov.failNext("delete", unavailable(), unavailable(), unavailable())
	err = f.p.Terminate(ctx, "t", out.Session.ID, out.Session.ProviderSessionName)
	assert.Equal(t, apperr.KindProviderUnavailable, apperr.KindOf(err))

	_, err = f.p.Get(ctx, "t", out.Session.ID)
	assert.NoError(t, err)
}

func TestRotateWebhookRecreatesProviderSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.p.Provision(ctx, "t", "x")
	require.NoError(t, err)

	rotated, err := f.p.RotateWebhook(ctx, "t", out.Session.ID)
	require.NoError(t, err)
	assert.NotEqual(t, out.WebhookURL, rotated.WebhookURL)
	assert.Equal(t, rotated.WebhookURL, f.prov.sessions[out.Session.ProviderSessionName].WebhookURL)

	oldToken := strings.TrimPrefix(out.WebhookURL, "https://inbox.example.com/webhook/")
	_, err = f.creds.Resolve(ctx, oldToken)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	newToken := strings.TrimPrefix(rotated.WebhookURL, "https://inbox.example.com/webhook/")
	res, err := f.creds.Resolve(ctx, newToken)
	require.NoError(t, err)
	assert.Equal(t, out.Session.ID, res.SessionID)
}

func TestProviderStatusMapping(t *testing.T) {
	cases := map[string]db.SessionStatus{
		"STOPPED":      db.StatusDisconnected,
		"STARTING":     db.StatusConnecting,
		"SCAN_QR_CODE": db.StatusConnecting,
		"WORKING":      db.StatusConnected,
		"FAILED":       db.StatusError,
	}
	for raw, want := range cases {
		got, ok := StatusFromSessionStatus(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := StatusFromSessionStatus("BOGUS")
	assert.False(t, ok)

	got, ok := StatusFromStateChange("conflict")
	assert.True(t, ok)
	assert.Equal(t, db.StatusError, got)
	got, ok = StatusFromStateChange("UNPAIRED")
	assert.True(t, ok)
	assert.Equal(t, db.StatusDisconnected, got)
}
