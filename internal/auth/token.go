// Package auth issues and verifies the bearer tokens handed to agents at
// registration. Tokens are HS256 JWTs signed with the controller secret:
// verification needs no database round-trip, and a controller restart
// does not invalidate tokens already held by the fleet.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AgentClaims holds the custom claims embedded in every agent token.
type AgentClaims struct {
	jwt.RegisteredClaims

	// AgentID is the UUID issued to the agent at registration.
	AgentID string `json:"agent_id"`

	// Hostname is included for log readability only; authorization checks
	// use AgentID.
	Hostname string `json:"hostname"`
}

// TokenManager signs and verifies agent bearer tokens.
// The zero value is not usable — create instances with NewTokenManager.
type TokenManager struct {
	secret []byte
	issuer string
}

// NewTokenManager returns a TokenManager signing with the given shared
// secret. The secret is the same one used for webhook verification by
// default, but may be configured independently.
func NewTokenManager(secret, issuer string) *TokenManager {
	return &TokenManager{secret: []byte(secret), issuer: issuer}
}

// IssueAgentToken creates a signed HS256 JWT for the given agent.
// Agent tokens do not expire: agents are long-lived daemons and there is
// no revocation surface. A fresh token is issued on every re-registration.
func (m *TokenManager) IssueAgentToken(agentID uuid.UUID, hostname string) (string, error) {
	now := time.Now()
	claims := AgentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   m.issuer,
			Subject:  agentID.String(),
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.NewString(),
		},
		AgentID:  agentID.String(),
		Hostname: hostname,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing agent token: %w", err)
	}
	return signed, nil
}

// VerifyAgentToken parses and verifies a token string and checks that it
// was issued to wantAgentID. Returns ErrTokenInvalid for bad tokens and
// ErrTokenMismatch when the token belongs to a different agent.
func (m *TokenManager) VerifyAgentToken(tokenString string, wantAgentID uuid.UUID) (*AgentClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&AgentClaims{},
		func(t *jwt.Token) (any, error) {
			// Reject tokens signed with anything other than HMAC.
			// This prevents the "alg:none" and key confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithIssuer(m.issuer),
	)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*AgentClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.AgentID != wantAgentID.String() {
		return nil, ErrTokenMismatch
	}
	return claims, nil
}
