// Package identity resolves the request-scoped actor identity and enforces the tenant boundary.
package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is an authenticated session handle supplied by the transport.
type Session interface {
	// UserID returns the authenticated subject, empty when unauthenticated.
	UserID() string
	// TenantAttribute returns the tenant associated with the session, if any.
	TenantAttribute() string
	// RoleAttribute returns the role name associated with the session, if any.
	RoleAttribute() string
}

// sessionIdentifier is implemented by sessions that carry a stable session id.
type sessionIdentifier interface {
	SessionID() string
}

// Claims is the JWT payload issued to platform users.
type Claims struct {
	TenantID string `json:"tenant_id,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTSession is a Session backed by verified token claims.
type JWTSession struct {
	claims Claims
}

var _ Session = (*JWTSession)(nil)

func (s *JWTSession) UserID() string          { return s.claims.Subject }
func (s *JWTSession) TenantAttribute() string { return s.claims.TenantID }
func (s *JWTSession) RoleAttribute() string   { return s.claims.Role }
func (s *JWTSession) SessionID() string       { return s.claims.ID }

// ParseToken verifies an HS256 token and returns its session.
func ParseToken(token string, signKey []byte) (*JWTSession, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return signKey, nil
	}, jwt.WithLeeway(30*time.Second))
	if err != nil || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token without subject")
	}
	return &JWTSession{claims: claims}, nil
}

// IssueToken signs an HS256 token for the given subject, tenant and role.
func IssueToken(signKey []byte, sessionID, userID, tenantID, role string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		TenantID: tenantID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signKey)
	return signed, exp, err
}
