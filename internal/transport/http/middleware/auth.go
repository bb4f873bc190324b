// Package middleware's session guard protects the admin surface: a
// single-operator UI that can enqueue arbitrary work and delete schedules
// cannot ship unauthenticated. There is no multi-tenant identity provider
// here — just a static operator token exchanged at POST /login for an
// HMAC-signed session cookie.
package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	SessionCookieName = "scheduler_session"
	sessionSubject    = "operator"
	errUnauthorized   = "unauthorized"
)

// IssueSession signs a session JWT valid for ttl and sets it as an
// HttpOnly, SameSite=Strict cookie on the response.
func IssueSession(c *gin.Context, sessionSecret []byte, ttl time.Duration, secure bool) error {
	claims := jwt.MapClaims{
		"sub": sessionSubject,
		"exp": time.Now().Add(ttl).Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(sessionSecret)
	if err != nil {
		return err
	}
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(SessionCookieName, signed, int(ttl.Seconds()), "/", "", secure, true)
	return nil
}

// RequireSession validates the session cookie and aborts with 401 if it's
// missing, expired, or signed with a different key.
func RequireSession(sessionSecret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := c.Cookie(SessionCookieName)
		if err != nil || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return sessionSecret, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || claims["sub"] != sessionSubject {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}

		c.Next()
	}
}
