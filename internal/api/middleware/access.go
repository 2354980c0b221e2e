// Package middleware provides HTTP middleware for the local IPC surface.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/displaything/desktopthing/internal/util"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// SecretAuth rejects requests that do not present secret. The token is read from the
// Authorization bearer header, or from the auth_token query parameter for websocket upgrades
// where browsers cannot set headers. An empty secret disables the check.
func SecretAuth(secret string) gin.HandlerFunc {
	secret = strings.TrimSpace(secret)
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		candidate := extractBearerToken(c.GetHeader("Authorization"))
		if candidate == "" {
			candidate = c.Query("auth_token")
		}
		if candidate == "" || subtle.ConstantTimeCompare([]byte(candidate), []byte(secret)) != 1 {
			log.WithField("channel", c.Request.URL.Path).Warn("ipc: rejected request with missing or invalid secret")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "status": http.StatusUnauthorized})
			return
		}
		c.Next()
	}
}

// LoopbackOnly rejects requests that did not originate from the local machine.
func LoopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.RemoteIP()
		if ip != "127.0.0.1" && ip != "::1" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "status": http.StatusForbidden})
			return
		}
		c.Next()
	}
}

// OriginGuard rejects browser requests whose Origin is not in allowed. The presentation layer
// is a native client or an allow-listed origin; any other web page must not drive playback.
func OriginGuard(allowed []string) gin.HandlerFunc {
	allowed = append([]string(nil), allowed...)
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if !util.OriginAllowed(origin, allowed) {
			log.WithField("channel", c.Request.URL.Path).Warnf("ipc: rejected request from origin %q", origin)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "status": http.StatusForbidden})
			return
		}
		c.Next()
	}
}

// RequireJSON rejects command requests that are not declared as application/json. Browsers
// must preflight such a request, and the surface never answers preflights.
func RequireJSON() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost && c.ContentType() != "application/json" {
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported media type", "status": http.StatusUnsupportedMediaType})
			return
		}
		c.Next()
	}
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return header
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return header
	}
	return strings.TrimSpace(parts[1])
}
