// Package auth issues and checks bearer tokens for the status API. Tokens are
// HS256 JWTs keyed from the shared election secret, so any machine holding the
// secret can mint one and every watcher accepts it.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrInvalidClaims = errors.New("invalid token claims")
	ErrMissingToken  = errors.New("missing authentication token")
)

// Issuer is the iss claim on every token.
const Issuer = "leaselock"

// tokenKeyLabel separates the JWT key from the lock record signing key.
const tokenKeyLabel = "leaselock status api v1"

// Claims represents JWT token claims
type Claims struct {
	jwt.RegisteredClaims
	MachineID string `json:"machine_id,omitempty"`
}

// TokenService handles JWT operations
type TokenService struct {
	key []byte
	now func() time.Time
}

// NewTokenService derives the signing key from secret.
func NewTokenService(secret []byte) (*TokenService, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(tokenKeyLabel))
	return &TokenService{key: mac.Sum(nil), now: time.Now}, nil
}

// Issue creates a token for subject, issued by machineID, valid for ttl.
func (s *TokenService) Issue(subject, machineID string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
		},
		MachineID: machineID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.key)
}

// Validate validates a JWT token and returns the claims
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.key, nil
	},
		jwt.WithIssuer(Issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}
