package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/sensorhub/relay"
)

type staticVerifier struct{}

func (staticVerifier) Verify(token string) (*relay.Claims, error) {
	if token != "good-token" {
		return nil, &relay.AuthError{Reason: "invalid token signature"}
	}
	return &relay.Claims{AccountID: "account-1"}, nil
}

func TestClaimsFromRequest(t *testing.T) {
	s := &Service{verifier: staticVerifier{}}

	r := httptest.NewRequest("GET", "/devices", nil)
	r.Header.Set("Authorization", "Bearer good-token")
	claims, err := s.claimsFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "account-1", claims.AccountID)

	r = httptest.NewRequest("GET", "/devices", nil)
	_, err = s.claimsFromRequest(r)
	require.Error(t, err)
	assert.IsType(t, &relay.AuthError{}, err)

	r = httptest.NewRequest("GET", "/devices", nil)
	r.Header.Set("Authorization", "Bearer bad-token")
	_, err = s.claimsFromRequest(r)
	require.Error(t, err)

	r = httptest.NewRequest("GET", "/devices", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = s.claimsFromRequest(r)
	require.Error(t, err)
}
