package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FlowClaims are the JWT claims of a flow-scoped read token. The token lets
// a browser watch one flow without holding the API key.
type FlowClaims struct {
	jwt.RegisteredClaims
	FlowID   string `json:"flow_id"`
	ClientID string `json:"client_id"`
}

// TokenIssuer creates flow-scoped JWTs.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates a new JWT issuer with the given shared secret.
func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret)}
}

// IssueFlowToken creates a read token for flowID.
func (j *TokenIssuer) IssueFlowToken(flowID, clientID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := FlowClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   flowID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "proclist",
		},
		FlowID:   flowID,
		ClientID: clientID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateFlowToken parses and validates a flow-scoped JWT.
func (j *TokenIssuer) ValidateFlowToken(tokenStr string) (*FlowClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &FlowClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*FlowClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}
