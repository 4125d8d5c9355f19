package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"leaselock/pkg/auth"
)

const (
	// AuthHeaderKey is the standard Authorization header
	AuthHeaderKey = "Authorization"
	// ContextClaimsKey holds the validated token claims
	ContextClaimsKey = "claims"
)

// BearerAuth requires a token issued by tokens on every request it guards.
func BearerAuth(tokens *auth.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(AuthHeaderKey)
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			raw = ""
		}

		claims, err := tokens.Validate(strings.TrimSpace(raw))
		if err != nil {
			msg := "authentication required"
			if errors.Is(err, auth.ErrExpiredToken) {
				msg = "token has expired"
			}
			c.Header("WWW-Authenticate", `Bearer realm="leaselock"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		c.Set(ContextClaimsKey, claims)
		c.Next()
	}
}

// ClaimsFromContext returns the claims BearerAuth stored, if any.
func ClaimsFromContext(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(ContextClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}
