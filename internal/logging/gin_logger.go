// Package logging configures logrus for both binaries: the line format, the rotating desktop
// log file with its directory cleaner, and the Gin middleware that logs the redirect service
// and the IPC surface.
package logging

import (
	"errors"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/displaything/desktopthing/internal/util"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const skipGinLogKey = "__gin_skip_request_logging__"

// callerTracedPrefix marks IPC channels, where the presentation layer may send its own
// request ID.
const callerTracedPrefix = "/ipc/"

// serviceTracedPrefixes get a fresh request ID per request: the OAuth callback fans out to
// two provider calls that should log together.
var serviceTracedPrefixes = []string{"/api/auth-callback"}

// pollingChannels are called by the presentation layer on a timer. Successful calls are
// logged at debug level so they do not bury sign-in and command lines.
var pollingChannels = map[string]struct{}{
	"/ipc/get-current-player-data": {},
	"/ipc/session":                 {},
}

// GinLogrusLogger logs one line per request through logrus. Query values that carry
// authorization codes, tokens or state are masked. Traced routes get a request ID that is
// echoed in the X-Request-ID response header and bound to the request context.
//
// Output: [2026-03-02 20:14:10] [a1b2c3d4] [info ] POST /ipc/skip 200 3ms status=200
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		requestID := ""
		switch {
		case strings.HasPrefix(path, callerTracedPrefix):
			requestID = assignRequestID(c, true)
		case hasAnyPrefix(path, serviceTracedPrefixes):
			requestID = assignRequestID(c, false)
		}

		c.Next()

		if shouldSkipGinRequestLogging(c) {
			return
		}

		target := path
		if raw := util.MaskSensitiveQuery(c.Request.URL.RawQuery); raw != "" {
			target += "?" + raw
		}
		status := c.Writer.Status()
		fields := log.Fields{"status": status}
		if requestID != "" {
			fields["request_id"] = requestID
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			fields["error"] = errs
		}
		entry := log.WithFields(fields)
		line := c.Request.Method + " " + target + " " + roundLatency(time.Since(start)).String()

		switch {
		case status >= http.StatusInternalServerError:
			entry.Error(line)
		case status >= http.StatusBadRequest:
			entry.Warn(line)
		case isPollingChannel(path):
			entry.Debug(line)
		default:
			entry.Info(line)
		}
	}
}

func roundLatency(d time.Duration) time.Duration {
	if d > time.Minute {
		return d.Truncate(time.Second)
	}
	return d.Truncate(time.Millisecond)
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func isPollingChannel(path string) bool {
	_, ok := pollingChannels[path]
	return ok
}

// GinLogrusRecovery turns a handler panic into a logged 500. On the IPC surface the body keeps
// the channel shape so the presentation layer can still read a status.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		if err, ok := recovered.(error); ok && errors.Is(err, http.ErrAbortHandler) {
			// Let net/http abort the connection without a stack trace.
			panic(http.ErrAbortHandler)
		}

		Entry(c.Request.Context()).WithFields(log.Fields{
			"panic": recovered,
			"stack": string(debug.Stack()),
			"path":  c.Request.URL.Path,
		}).Error("recovered from panic")

		if strings.HasPrefix(c.Request.URL.Path, callerTracedPrefix) {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error", "status": http.StatusInternalServerError})
			return
		}
		c.AbortWithStatus(http.StatusInternalServerError)
	})
}

// SkipGinRequestLogging suppresses the request line for c, e.g. for health probes.
func SkipGinRequestLogging(c *gin.Context) {
	if c == nil {
		return
	}
	c.Set(skipGinLogKey, true)
}

func shouldSkipGinRequestLogging(c *gin.Context) bool {
	if c == nil {
		return false
	}
	return c.GetBool(skipGinLogKey)
}
