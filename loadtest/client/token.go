package client

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Minter signs HS256 tokens the server accepts, for synthetic users. The
// user id travels in the "user_id" claim.
type Minter struct {
	secret []byte
	issuer string
}

// NewMinter uses the server's JWT_SECRET and JWT_ISSUER.
func NewMinter(secret, issuer string) *Minter {
	return &Minter{secret: []byte(secret), issuer: issuer}
}

// Token returns a token for userID valid for ttl.
func (m *Minter) Token(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}
	if m.issuer != "" {
		claims["iss"] = m.issuer
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token for %s: %w", userID, err)
	}
	return signed, nil
}
