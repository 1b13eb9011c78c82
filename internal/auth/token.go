// ABOUTME: Signed bearer token generation and verification for dashboard sessions
// ABOUTME: Uses HS256 JWTs carrying the username and a random token id

package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenSigner issues and verifies session tokens.
// Expiry is not encoded in the token: the token store owns the lifetime so
// that a refresh can extend it without rotating the token value.
type TokenSigner struct {
	secret []byte
}

// NewTokenSigner creates a signer with the given secret. An empty secret is
// replaced with 32 random bytes, which makes tokens valid for this process only.
func NewTokenSigner(secret []byte) (*TokenSigner, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generating token secret: %w", err)
		}
	}
	return &TokenSigner{secret: secret}, nil
}

// Issue creates a new signed token for username.
func (s *TokenSigner) Issue(username string, issuedAt time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:  username,
		ID:       uuid.New().String(),
		IssuedAt: jwt.NewNumericDate(issuedAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify checks the signature and returns the username from the "sub" claim.
func (s *TokenSigner) Verify(tokenString string) (username string, err error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return claims.Subject, nil
}
