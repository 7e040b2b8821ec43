package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Tyrowin/gochat-gateway/internal/observability"
)

func TestOriginPolicy(t *testing.T) {
	policy := newOriginPolicy([]string{"https://App.Example.com", "not a url", " "}, observability.Discard())

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"exact", "https://app.example.com", true},
		{"case insensitive", "HTTPS://APP.EXAMPLE.COM", true},
		{"path ignored", "https://app.example.com/some/page", true},
		{"other scheme", "http://app.example.com", false},
		{"other host", "https://evil.example.com", false},
		{"other port", "https://app.example.com:8443", false},
		{"missing", "", false},
		{"garbage", "::::", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, policy.check(r))
		})
	}
}

func TestOriginPolicyWildcard(t *testing.T) {
	policy := newOriginPolicy([]string{"*"}, observability.Discard())

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://anything.example")
	assert.True(t, policy.allows(r))

	r.Header.Del("Origin")
	assert.False(t, policy.allows(r), "a missing origin is refused even when all origins are allowed")
}
