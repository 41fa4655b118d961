package relay

// Authenticator turns an unauthenticated connection plus a client-supplied
// credential into role and identity fields, exactly once per connection.
type Authenticator struct {
	verifier CredentialVerifier
}

// NewAuthenticator returns an authenticator using the given verifier.
func NewAuthenticator(verifier CredentialVerifier) *Authenticator {
	if verifier == nil {
		panic("credential verifier is missing")
	}
	return &Authenticator{verifier: verifier}
}

// Authenticate verifies the credential and promotes the connection. On
// failure the connection stays unauthenticated and the caller must close
// the transport for AuthError; a repeated authentication attempt yields a
// ProtocolError and the connection stays usable.
func (a *Authenticator) Authenticate(c *Conn, req AuthRequest) (*Claims, error) {
	if c.Role() != RoleUnauthenticated {
		return nil, &ProtocolError{Message: "connection is already authenticated"}
	}
	if len(req.Token) == 0 {
		return nil, &AuthError{Reason: "token is missing"}
	}

	claims, err := a.verifier.Verify(req.Token)
	if err != nil {
		return nil, err
	}

	switch req.Kind {
	case string(RoleDevice):
		if len(claims.DeviceID) == 0 {
			return nil, &AuthError{Reason: "token carries no device id"}
		}
		if err := c.promote(RoleDevice, claims.AccountID, claims.DeviceID); err != nil {
			return nil, err
		}
	case string(RoleObserver):
		if err := c.promote(RoleObserver, claims.AccountID, ""); err != nil {
			return nil, err
		}
	default:
		return nil, &AuthError{Reason: "unknown client kind '" + req.Kind + "'"}
	}
	return claims, nil
}
