// Package access issues and verifies the signed bearer credentials that
// devices and observers present when opening a session.
package access

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/relabs-tech/sensorhub/relay"
)

// TokenClaims are the claims carried by a sensorhub credential. The account
// id travels in the registered subject claim.
type TokenClaims struct {
	Kind     string `json:"kind"`
	DeviceID string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HMAC-signed credentials.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	if len(secret) == 0 {
		panic("token secret is missing")
	}
	return &Verifier{secret: []byte(secret)}
}

// Verify checks signature and expiry and extracts the capability claim.
// All failures are reported as relay.AuthError.
func (v *Verifier) Verify(tokenString string) (*relay.Claims, error) {
	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, &relay.AuthError{Reason: "token expired"}
		}
		return nil, &relay.AuthError{Reason: "invalid token signature"}
	}
	if !token.Valid {
		return nil, &relay.AuthError{Reason: "invalid token"}
	}
	if len(claims.Subject) == 0 {
		return nil, &relay.AuthError{Reason: "token carries no account id"}
	}
	return &relay.Claims{
		AccountID: claims.Subject,
		DeviceID:  claims.DeviceID,
	}, nil
}

// IssueDeviceToken signs a credential for one device owned by an account.
func IssueDeviceToken(secret, accountID, deviceID string, validity time.Duration) (string, error) {
	return issue(secret, TokenClaims{
		Kind:     "device",
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validity)),
		},
	})
}

// IssueObserverToken signs a credential for an observer account.
func IssueObserverToken(secret, accountID string, validity time.Duration) (string, error) {
	return issue(secret, TokenClaims{
		Kind: "observer",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validity)),
		},
	})
}

func issue(secret string, claims TokenClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
