// Package credential defines the persisted provider credential and the stores that hold it.
// The desktop process keeps exactly one credential; it is created by the deep-link handoff and
// overwritten on every token refresh.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrPartialCredential is returned when a caller tries to persist a credential with missing fields.
var ErrPartialCredential = errors.New("credential: all of access token, refresh token, expiry and user id are required")

// Credential is the provider token bundle owned by the desktop process.
type Credential struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is the absolute instant the access token stops being valid.
	ExpiresAt time.Time
	// UserID is the provider's stable user identifier.
	UserID string
}

// Valid reports whether every field is populated.
func (c *Credential) Valid() bool {
	return c != nil &&
		strings.TrimSpace(c.AccessToken) != "" &&
		strings.TrimSpace(c.RefreshToken) != "" &&
		!c.ExpiresAt.IsZero() &&
		strings.TrimSpace(c.UserID) != ""
}

// TimeLeft returns the remaining lifetime of the access token relative to now.
func (c *Credential) TimeLeft(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// record is the on-disk shape. expires_in holds the absolute deadline in epoch milliseconds.
type record struct {
	AccessToken  *string `json:"access_token"`
	RefreshToken *string `json:"refresh_token"`
	ExpiresIn    *int64  `json:"expires_in"`
	UserID       *string `json:"user_id"`
}

// Marshal encodes a complete credential into its persisted JSON form.
func Marshal(c *Credential) ([]byte, error) {
	if !c.Valid() {
		return nil, ErrPartialCredential
	}
	expires := c.ExpiresAt.UnixMilli()
	rec := record{
		AccessToken:  &c.AccessToken,
		RefreshToken: &c.RefreshToken,
		ExpiresIn:    &expires,
		UserID:       &c.UserID,
	}
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("credential: marshal failed: %w", err)
	}
	return raw, nil
}

// Unmarshal decodes a persisted record. A record missing any field, or an empty payload,
// decodes as absent (nil, nil).
func Unmarshal(data []byte) (*Credential, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("credential: decode failed: %w", err)
	}
	if rec.AccessToken == nil || rec.RefreshToken == nil || rec.ExpiresIn == nil || rec.UserID == nil {
		return nil, nil
	}
	c := &Credential{
		AccessToken:  *rec.AccessToken,
		RefreshToken: *rec.RefreshToken,
		ExpiresAt:    time.UnixMilli(*rec.ExpiresIn),
		UserID:       *rec.UserID,
	}
	if !c.Valid() || *rec.ExpiresIn <= 0 {
		return nil, nil
	}
	return c, nil
}

// Store persists the single credential.
type Store interface {
	// Load returns the stored credential, or nil when none (or only a partial one) is stored.
	Load(ctx context.Context) (*Credential, error)
	// Save replaces the stored credential atomically.
	Save(ctx context.Context, c *Credential) error
}
