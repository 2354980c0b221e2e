// Package deeplink turns activation arguments carrying the private-scheme success URL into a
// persisted credential and a session notification.
package deeplink

import (
	"context"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/displaything/desktopthing/internal/credential"
	"github.com/displaything/desktopthing/internal/notify"
	log "github.com/sirupsen/logrus"
)

// Payload is the set of values carried by a success deep link.
type Payload struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn is the access token lifetime in seconds, as a decimal string.
	ExpiresIn string
	UserID    string
}

// Credential converts the payload into a credential expiring ExpiresIn seconds after now.
func (p *Payload) Credential(now time.Time) (*credential.Credential, bool) {
	seconds, ok := parseExpiresIn(p.ExpiresIn)
	if !ok {
		return nil, false
	}
	return &credential.Credential{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(seconds * float64(time.Second))),
		UserID:       p.UserID,
	}, true
}

// ParsePayload extracts the four credential values from a deep-link URL. It reports false
// when the URL does not parse or any value is missing.
func ParsePayload(raw string) (*Payload, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, false
	}
	q := u.Query()
	p := &Payload{
		AccessToken:  strings.TrimSpace(q.Get("access_token")),
		RefreshToken: strings.TrimSpace(q.Get("refresh_token")),
		ExpiresIn:    strings.TrimSpace(q.Get("expires_in")),
		UserID:       strings.TrimSpace(q.Get("user_id")),
	}
	if p.AccessToken == "" || p.RefreshToken == "" || p.ExpiresIn == "" || p.UserID == "" {
		return nil, false
	}
	if _, ok := parseExpiresIn(p.ExpiresIn); !ok {
		return nil, false
	}
	return p, true
}

func parseExpiresIn(v string) (float64, bool) {
	seconds, err := strconv.ParseFloat(v, 64)
	if err != nil || seconds <= 0 || math.IsNaN(seconds) {
		return 0, false
	}
	// Reject values that would overflow time.Duration.
	if seconds > float64(1<<62)/float64(time.Second) {
		return 0, false
	}
	return seconds, true
}

// FindURL returns the first argument that starts with prefix (e.g. "displaything://").
func FindURL(args []string, prefix string) (string, bool) {
	for _, arg := range args {
		if strings.HasPrefix(strings.TrimSpace(arg), prefix) {
			return strings.TrimSpace(arg), true
		}
	}
	return "", false
}

// Handler consumes activation argument vectors.
type Handler struct {
	prefix    string
	store     credential.Store
	publisher notify.Publisher
	now       func() time.Time
}

// NewHandler creates a handler for URLs under scheme.
func NewHandler(scheme string, store credential.Store, publisher notify.Publisher) *Handler {
	return &Handler{
		prefix:    strings.TrimSuffix(scheme, "://") + "://",
		store:     store,
		publisher: publisher,
		now:       time.Now,
	}
}

// Handle processes one activation. A complete payload is persisted before auth-success is
// published; anything else is dropped without side effects. A focus event is always published.
func (h *Handler) Handle(ctx context.Context, args []string) {
	defer h.publisher.Publish(notify.Event{Type: notify.Focus, Source: notify.SourceDeepLink})

	raw, ok := FindURL(args, h.prefix)
	if !ok {
		return
	}
	payload, ok := ParsePayload(raw)
	if !ok {
		log.Debug("deeplink: ignoring incomplete or malformed activation URL")
		return
	}
	cred, ok := payload.Credential(h.now())
	if !ok {
		return
	}
	if err := h.store.Save(ctx, cred); err != nil {
		log.WithField("source", notify.SourceDeepLink).Errorf("deeplink: failed to persist credential: %v", err)
		return
	}
	log.WithFields(log.Fields{"source": notify.SourceDeepLink, "user": cred.UserID}).Info("signed in")
	h.publisher.Publish(notify.Event{Type: notify.AuthSuccess, Source: notify.SourceDeepLink})
}
