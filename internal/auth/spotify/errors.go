package spotify

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// UpstreamError reports a non-success response from the provider.
type UpstreamError struct {
	// StatusCode is the provider's HTTP status.
	StatusCode int
	// Code is the OAuth error code ("invalid_grant") when the provider returned one.
	Code string
	// Message is the provider's human-readable message, if any.
	Message string
	// Body is the raw response body.
	Body []byte
}

// Error returns a string representation of the upstream error.
func (e *UpstreamError) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("spotify: upstream status %d: %s", e.StatusCode, e.Message)
	case e.Code != "":
		return fmt.Sprintf("spotify: upstream status %d: %s", e.StatusCode, e.Code)
	default:
		return fmt.Sprintf("spotify: upstream status %d", e.StatusCode)
	}
}

// newUpstreamError builds an UpstreamError from a provider response body, picking up both
// OAuth style ({"error":"invalid_grant","error_description":...}) and Web API style
// ({"error":{"status":401,"message":...}}) payloads.
func newUpstreamError(status int, body []byte) *UpstreamError {
	e := &UpstreamError{StatusCode: status, Body: body}
	errNode := gjson.GetBytes(body, "error")
	switch {
	case errNode.IsObject():
		e.Message = strings.TrimSpace(errNode.Get("message").String())
	case errNode.Type == gjson.String:
		e.Code = strings.TrimSpace(errNode.String())
		e.Message = strings.TrimSpace(gjson.GetBytes(body, "error_description").String())
	}
	return e
}

// AsUpstreamError extracts an UpstreamError from err.
func AsUpstreamError(err error) (*UpstreamError, bool) {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream, true
	}
	return nil, false
}

// IsInvalidGrant reports whether the provider rejected the refresh token itself, meaning
// the user has to sign in again.
func IsInvalidGrant(err error) bool {
	upstream, ok := AsUpstreamError(err)
	if !ok {
		return false
	}
	if upstream.Code == "invalid_grant" || upstream.Code == "invalid_client" {
		return true
	}
	return upstream.StatusCode == http.StatusBadRequest || upstream.StatusCode == http.StatusUnauthorized
}
