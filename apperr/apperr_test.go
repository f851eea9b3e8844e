package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := errors.New("connection refused")
	err := fmt.Errorf("provision: %w", Wrap(KindProviderUnavailable, base, "create session"))

	assert.Equal(t, KindProviderUnavailable, KindOf(err))
	assert.ErrorIs(t, err, base)
	assert.True(t, errors.Is(err, &Error{Kind: KindProviderUnavailable}))
	assert.False(t, errors.Is(err, &Error{Kind: KindNotFound}))
	assert.Equal(t, "create session: connection refused", Wrap(KindProviderUnavailable, base, "create session").Error())
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		Authentication("bad signature"):              http.StatusUnauthorized,
		NotFound("token"):                            http.StatusNotFound,
		Validation("bad json"):                       http.StatusBadRequest,
		Conflict("terminated"):                       http.StatusConflict,
		New(KindProvisioningFailed, "gave up"):       http.StatusBadGateway,
		errors.New("plain"):                          http.StatusInternalServerError,
		New(KindPersistence, "insert %s", "message"): http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, HTTPStatus(err), err.Error())
	}
}
