package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/barretodotcom/zentrix_inbox/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSessionRegistersWebhook(t *testing.T) {
	var got createSessionBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/sessions", r.URL.Path)
		assert.Equal(t, "platform-key", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "platform-key")
	err := c.CreateSession(context.Background(), CreateSessionRequest{
		Name:       "t1_own_1",
		WebhookURL: "https://inbox.example.com/webhook/abc",
		HMACKey:    "s3cret",
	})
	require.NoError(t, err)

	assert.Equal(t, "t1_own_1", got.Name)
	assert.False(t, got.Start)
	require.Len(t, got.Config.Webhooks, 1)
	wh := got.Config.Webhooks[0]
	assert.Equal(t, "https://inbox.example.com/webhook/abc", wh.URL)
	assert.Equal(t, Events, wh.Events)
	assert.Equal(t, "s3cret", wh.HMAC.Key)
}

func TestStatusMapping(t *testing.T) {
	cases := map[int]apperr.Kind{
		http.StatusConflict:            apperr.KindConflict,
		http.StatusUnprocessableEntity: apperr.KindConflict,
		http.StatusNotFound:            apperr.KindNotFound,
		http.StatusBadGateway:          apperr.KindProviderUnavailable,
		http.StatusServiceUnavailable:  apperr.KindProviderUnavailable,
		http.StatusUnauthorized:        apperr.KindAuthentication,
		http.StatusBadRequest:          apperr.KindValidation,
	}
	for code, kind := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", code)
		}))
		err := NewClient(srv.URL, "k").StartSession(context.Background(), "x")
		srv.Close()
		assert.Equal(t, kind, apperr.KindOf(err), "status %d", code)
	}
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	err := NewClient(srv.URL, "k").DeleteSession(context.Background(), "x")
	assert.Equal(t, apperr.KindProviderUnavailable, apperr.KindOf(err))
}

func TestQRCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/t1_own_1/auth/qr", r.URL.Path)
		assert.Equal(t, "image", r.URL.Query().Get("format"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"mimetype":"image/png","data":"iVBORw0KGgo="}`))
	}))
	defer srv.Close()

	qr, err := NewClient(srv.URL, "k").QRCode(context.Background(), "t1_own_1")
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,iVBORw0KGgo=", qr.DataURL())
}

func TestStopAndDeletePaths(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k")
	require.NoError(t, c.StartSession(context.Background(), "s"))
	require.NoError(t, c.StopSession(context.Background(), "s"))
	require.NoError(t, c.DeleteSession(context.Background(), "s"))
	assert.Equal(t, []string{
		"POST /api/sessions/s/start",
		"POST /api/sessions/s/stop",
		"DELETE /api/sessions/s",
	}, calls)
}
