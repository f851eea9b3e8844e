// Package provider talks to the external WhatsApp session provider over its
// HTTP API. Every call is authenticated with the platform-level API key.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/barretodotcom/zentrix_inbox/apperr"
)

// Events is the fixed subscription set registered on every session.
var Events = []string{"message", "message.any", "message.ack", "session.status", "state.change"}

type API interface {
	// CreateSession creates a stopped session with its webhook attached.
	// The webhook cannot be changed afterwards.
	CreateSession(ctx context.Context, req CreateSessionRequest) error
	StartSession(ctx context.Context, name string) error
	StopSession(ctx context.Context, name string) error
	DeleteSession(ctx context.Context, name string) error
	QRCode(ctx context.Context, name string) (*QR, error)
}

type CreateSessionRequest struct {
	Name       string
	WebhookURL string
	HMACKey    string
	Retries    int
}

type QR struct {
	Mimetype string `json:"mimetype"`
	Data     string `json:"data"`
}

func (q QR) DataURL() string {
	return "data:" + q.Mimetype + ";base64," + q.Data
}

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

var _ API = (*Client)(nil)

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

type webhookConfig struct {
	URL     string   `json:"url"`
	Events  []string `json:"events"`
	HMAC    hmacKey  `json:"hmac"`
	Retries retries  `json:"retries"`
}

type hmacKey struct {
	Key string `json:"key"`
}

type retries struct {
	Policy   string `json:"policy"`
	Delay    int    `json:"delaySeconds"`
	Attempts int    `json:"attempts"`
}

type sessionConfig struct {
	Webhooks []webhookConfig `json:"webhooks"`
}

type createSessionBody struct {
	Name   string        `json:"name"`
	Start  bool          `json:"start"`
	Config sessionConfig `json:"config"`
}

func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) error {
	attempts := req.Retries
	if attempts <= 0 {
		attempts = 15
	}
	body := createSessionBody{
		Name:  req.Name,
		Start: false,
		Config: sessionConfig{Webhooks: []webhookConfig{{
			URL:     req.WebhookURL,
			Events:  Events,
			HMAC:    hmacKey{Key: req.HMACKey},
			Retries: retries{Policy: "exponential", Delay: 2, Attempts: attempts},
		}}},
	}
	return c.do(ctx, http.MethodPost, "/api/sessions", body, nil)
}

func (c *Client) StartSession(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(name)+"/start", nil, nil)
}

func (c *Client) StopSession(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(name)+"/stop", nil, nil)
}

func (c *Client) DeleteSession(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(name), nil, nil)
}

func (c *Client) QRCode(ctx context.Context, name string) (*QR, error) {
	var qr QR
	if err := c.do(ctx, http.MethodGet, "/api/"+url.PathEscape(name)+"/auth/qr?format=image", nil, &qr); err != nil {
		return nil, err
	}
	if qr.Data == "" {
		return nil, apperr.New(apperr.KindProviderUnavailable, "provider returned an empty qr code")
	}
	if qr.Mimetype == "" {
		qr.Mimetype = "image/png"
	}
	return &qr, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, err, "encode provider request")
		}
		body = bytes.NewReader(b)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "build provider request")
	}
	request.Header.Set("Accept", "application/json")
	if in != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("X-Api-Key", c.APIKey)

	resp, err := c.HTTP.Do(request)
	if err != nil {
		return apperr.Wrap(apperr.KindProviderUnavailable, err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(resp.StatusCode, fmt.Sprintf("%s %s: provider status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(b))))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.KindProviderUnavailable, err, "decode provider response")
	}
	return nil
}

func statusError(code int, msg string) error {
	switch {
	case code == http.StatusConflict || code == http.StatusUnprocessableEntity:
		return apperr.New(apperr.KindConflict, "%s", msg)
	case code == http.StatusNotFound:
		return apperr.New(apperr.KindNotFound, "%s", msg)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return apperr.New(apperr.KindAuthentication, "%s", msg)
	case code >= 500 || code == http.StatusTooManyRequests:
		return apperr.New(apperr.KindProviderUnavailable, "%s", msg)
	default:
		return apperr.New(apperr.KindValidation, "%s", msg)
	}
}
