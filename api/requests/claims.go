package requests

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "zentrix-inbox"

type Claims struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

type claimsKey struct{}

// ClaimsProvider validates HS256 bearer tokens issued for this service.
type ClaimsProvider struct {
	Secret []byte
}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

func GetClaims(r *http.Request) *Claims {
	if c, ok := r.Context().Value(claimsKey{}).(*Claims); ok {
		return c
	}
	return nil
}

// Sign issues a token for the given identity.
func (p ClaimsProvider) Sign(tenantID, userID, role string, exp time.Time) (string, error) {
	claims := Claims{
		TenantID: tenantID,
		UserID:   userID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(p.Secret)
}

// Parse validates tokenStr and returns its claims. A token without a
// tenant is rejected.
func (p ClaimsProvider) Parse(tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, errors.New("missing token")
	}
	tok, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		return p.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return nil, errors.New("invalid token")
	}
	cl := tok.Claims.(*Claims)
	if cl.TenantID == "" {
		return nil, errors.New("token has no tenant")
	}
	return cl, nil
}

// FromRequest reads the JWT from Authorization: Bearer <token> or the
// ?token= query parameter used by browser websockets.
func (p ClaimsProvider) FromRequest(r *http.Request) (tenantID, userID, role string, err error) {
	tokenStr := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		tokenStr = strings.TrimPrefix(auth, "Bearer ")
	}
	if tokenStr == "" {
		tokenStr = r.URL.Query().Get("token")
	}
	cl, err := p.Parse(tokenStr)
	if err != nil {
		return "", "", "", err
	}
	return cl.TenantID, cl.UserID, cl.Role, nil
}
