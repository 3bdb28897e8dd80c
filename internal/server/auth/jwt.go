// Package auth issues and parses the signed session tokens that carry an
// already-resolved principal between requests.
package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

// SessionClaims is the payload of a session token. The session id travels in
// the registered "jti" claim.
type SessionClaims struct {
	jwt.RegisteredClaims
	UserID     int64             `json:"uid"`
	Role       models.Role       `json:"role,omitempty"`
	Method     models.AuthMethod `json:"amr"`
	MFAPending bool              `json:"mfa_pending,omitempty"`
	GoogleID   string            `json:"google_id,omitempty"`
}

// SessionID returns the id of the server-side session the token refers to.
func (c *SessionClaims) SessionID() string { return c.ID }

// IssueSessionToken signs claims with HS256, valid for ttl from now.
func IssueSessionToken(secretKey []byte, claims SessionClaims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.Subject = strconv.FormatInt(claims.UserID, 10)
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secretKey)
}

// ParseSessionToken verifies the signature and expiry. Expired tokens yield
// common.ErrTokenExpired, anything else unusable yields common.ErrInvalidToken.
func ParseSessionToken(tokenString string, secretKey []byte) (*SessionClaims, error) {
	claims := &SessionClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, common.ErrTokenExpired
		}
		return nil, common.ErrInvalidToken
	}

	if !token.Valid || claims.ID == "" {
		return nil, common.ErrInvalidToken
	}

	return claims, nil
}
