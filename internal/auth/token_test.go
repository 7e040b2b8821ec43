package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyRoundTrip(t *testing.T) {
	token, err := Issue("secret", Identity{ID: "u1", Name: "Alice", Email: "a@example.com"}, time.Hour)
	require.NoError(t, err)

	id := NewVerifier("secret").Verify(token)
	require.NotNil(t, id)
	assert.Equal(t, "u1", id.ID)
	assert.Equal(t, "Alice", id.Name)
	assert.Equal(t, "a@example.com", id.Email)
}

func TestVerifyFailsClosed(t *testing.T) {
	valid, err := Issue("secret", Identity{ID: "u1"}, time.Hour)
	require.NoError(t, err)
	// A non-positive ttl issues a token without expiry, so build an expired one by hand.
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name     string
		verifier *Verifier
		token    string
	}{
		{"missing key", NewVerifier(""), valid},
		{"nil verifier", nil, valid},
		{"empty token", NewVerifier("secret"), ""},
		{"malformed token", NewVerifier("secret"), "not-a-token"},
		{"wrong secret", NewVerifier("other"), valid},
		{"expired", NewVerifier("secret"), expired},
		{"no subject", NewVerifier("secret"), noSubject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.Nil(t, tt.verifier.Verify(tt.token))
			})
		})
	}
}

func TestVerifyRejectsOtherAlgorithms(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	assert.Nil(t, NewVerifier("secret").Verify(token))
}

func TestIssueRequiresSecretAndID(t *testing.T) {
	_, err := Issue("", Identity{ID: "u1"}, 0)
	assert.ErrorIs(t, err, ErrAuthDisabled)
	_, err = Issue("secret", Identity{}, 0)
	assert.Error(t, err)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=query-token", nil)
	assert.Equal(t, "query-token", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "header-token", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	assert.Empty(t, TokenFromRequest(r))
}
