package logging

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// RequestIDHeader carries the request ID on tracked routes. On the IPC surface the
// presentation layer may supply its own so both sides of a command share one ID; the response
// always echoes the ID in use.
const RequestIDHeader = "X-Request-ID"

const (
	ginRequestIDKey = "request_id"
	maxRequestIDLen = 64
)

type requestIDKey struct{}

// newRequestID returns 8 hex digits taken from a random UUID.
func newRequestID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}

// acceptRequestID reports whether a caller-supplied ID is safe to write into log lines.
func acceptRequestID(candidate string) (string, bool) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" || len(candidate) > maxRequestIDLen {
		return "", false
	}
	for _, r := range candidate {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return "", false
		}
	}
	return candidate, true
}

// ContextWithRequestID binds id to ctx so provider calls made for the request log under it.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the ID bound by ContextWithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID returns the ID assigned to the current request, or "" for untracked routes.
func RequestID(c *gin.Context) string {
	if c == nil {
		return ""
	}
	return c.GetString(ginRequestIDKey)
}

// Entry returns a log entry tagged with the request ID carried by ctx.
func Entry(ctx context.Context) *log.Entry {
	if id := RequestIDFromContext(ctx); id != "" {
		return log.WithField("request_id", id)
	}
	return log.NewEntry(log.StandardLogger())
}

func assignRequestID(c *gin.Context, trustCaller bool) string {
	id := ""
	if trustCaller {
		id, _ = acceptRequestID(c.GetHeader(RequestIDHeader))
	}
	if id == "" {
		id = newRequestID()
	}
	c.Set(ginRequestIDKey, id)
	c.Header(RequestIDHeader, id)
	c.Request = c.Request.WithContext(ContextWithRequestID(c.Request.Context(), id))
	return id
}
