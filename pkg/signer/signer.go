// Package signer authenticates lock records with a shared secret.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// MinKeySize is the shortest secret NewHMACSigner accepts.
const MinKeySize = 16

// ErrWeakKey is returned for secrets shorter than MinKeySize.
var ErrWeakKey = errors.New("signing key too short")

// Signer produces and checks record signatures.
type Signer interface {
	Sign(content []byte) string
	Verify(content []byte, signature string) bool
}

// Sign returns the base64 HMAC-SHA-256 of content under key.
func Sign(content, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(content)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the digest and compares it in constant time.
// Empty or undecodable input yields false.
func Verify(content []byte, signature string, key []byte) bool {
	if len(key) == 0 || signature == "" {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(content)
	return hmac.Equal(mac.Sum(nil), got)
}

// HMACSigner binds a shared secret to Sign and Verify.
type HMACSigner struct {
	key []byte
}

// NewHMACSigner copies key so later mutation by the caller has no effect.
func NewHMACSigner(key []byte) (*HMACSigner, error) {
	if len(key) < MinKeySize {
		return nil, ErrWeakKey
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &HMACSigner{key: k}, nil
}

func (s *HMACSigner) Sign(content []byte) string {
	return Sign(content, s.key)
}

func (s *HMACSigner) Verify(content []byte, signature string) bool {
	return Verify(content, signature, s.key)
}
