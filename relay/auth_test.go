package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAuthenticator() *Authenticator {
	return NewAuthenticator(&fakeVerifier{tokens: map[string]*Claims{
		"device-token":   {AccountID: "account-1", DeviceID: "sensor-1"},
		"observer-token": {AccountID: "account-1"},
	}})
}

func TestAuthenticateDevice(t *testing.T) {
	auth := testAuthenticator()
	c, _ := newTestConn()

	claims, err := auth.Authenticate(c, AuthRequest{Token: "device-token", Kind: "device"})
	require.NoError(t, err)
	assert.Equal(t, "account-1", claims.AccountID)
	assert.Equal(t, RoleDevice, c.Role())
	assert.Equal(t, "sensor-1", c.DeviceID())
}

func TestAuthenticateObserver(t *testing.T) {
	auth := testAuthenticator()
	c, _ := newTestConn()

	_, err := auth.Authenticate(c, AuthRequest{Token: "observer-token", Kind: "observer"})
	require.NoError(t, err)
	assert.Equal(t, RoleObserver, c.Role())
	assert.Empty(t, c.DeviceID())
}

func TestAuthenticateFailures(t *testing.T) {
	auth := testAuthenticator()

	cases := []struct {
		name string
		req  AuthRequest
	}{
		{name: "missing token", req: AuthRequest{Kind: "device"}},
		{name: "bad token", req: AuthRequest{Token: "nope", Kind: "device"}},
		{name: "unknown kind", req: AuthRequest{Token: "observer-token", Kind: "admin"}},
		{name: "device kind without device id", req: AuthRequest{Token: "observer-token", Kind: "device"}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			conn, _ := newTestConn()
			_, err := auth.Authenticate(conn, c.req)
			require.Error(t, err)
			assert.IsType(t, &AuthError{}, err)
			assert.Equal(t, RoleUnauthenticated, conn.Role())
		})
	}
}

func TestAuthenticateTwice(t *testing.T) {
	auth := testAuthenticator()
	c, _ := newTestConn()

	_, err := auth.Authenticate(c, AuthRequest{Token: "observer-token", Kind: "observer"})
	require.NoError(t, err)

	_, err = auth.Authenticate(c, AuthRequest{Token: "device-token", Kind: "device"})
	require.Error(t, err)
	assert.IsType(t, &ProtocolError{}, err)
	assert.Equal(t, RoleObserver, c.Role())
}
