// Package redirect is the authorization redirect service. It starts the provider's
// authorization-code flow and hands the resulting tokens to the desktop process through the
// private URL scheme.
package redirect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/displaything/desktopthing/internal/auth/spotify"
	"github.com/displaything/desktopthing/internal/config"
	"github.com/displaything/desktopthing/internal/logging"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	msgNoCode       = "No auth code provided."
	msgInvalidState = "Invalid or expired state."
	msgServerError  = "An error occurred from the server."
)

// Authenticator is the provider surface the service uses.
type Authenticator interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*spotify.TokenData, error)
	FetchUserID(ctx context.Context, accessToken string) (string, error)
}

// ServerOption customises a Server.
type ServerOption func(*Server)

// WithAuthenticator replaces the provider client.
func WithAuthenticator(a Authenticator) ServerOption {
	return func(s *Server) { s.auth = a }
}

// WithReplayGuard replaces the in-memory state guard.
func WithReplayGuard(g ReplayGuard) ServerOption {
	return func(s *Server) { s.replay = g }
}

// WithStateSigner replaces the state signer.
func WithStateSigner(signer *StateSigner) ServerOption {
	return func(s *Server) { s.states = signer }
}

// Server is the redirect service HTTP server.
type Server struct {
	cfg    *config.RedirectConfig
	engine *gin.Engine
	server *http.Server

	auth   Authenticator
	states *StateSigner
	replay ReplayGuard
}

// NewServer builds the gin engine and routes.
func NewServer(cfg *config.RedirectConfig, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redirect: config is required")
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = spotify.NewAuth(spotify.Options{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURI:  cfg.RedirectURI,
			AccountsURL:  cfg.AccountsURL,
			APIURL:       cfg.APIURL,
		})
	}
	if s.states == nil {
		signer, err := NewStateSigner(cfg.StateSecret, DefaultStateTTL)
		if err != nil {
			return nil, err
		}
		s.states = signer
	}
	if s.replay == nil {
		s.replay = NewMemoryReplayGuard()
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(corsMiddleware(cfg.AllowOrigins))
	s.engine = engine
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Port)),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")
	api.GET("/health", s.health)
	api.GET("/spotify-authenticate", s.authenticate)
	api.GET("/auth-callback", s.callback)
}

// Handler exposes the engine for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Stop is called. It returns nil after a graceful stop.
func (s *Server) Start() error {
	log.Infof("redirect service listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("redirect: serve: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and releases the replay guard.
func (s *Server) Stop(ctx context.Context) error {
	errShutdown := s.server.Shutdown(ctx)
	errClose := s.replay.Close()
	return errors.Join(errShutdown, errClose)
}

func (s *Server) health(c *gin.Context) {
	logging.SkipGinRequestLogging(c)
	c.String(http.StatusOK, "OK")
}

func (s *Server) authenticate(c *gin.Context) {
	state, err := s.states.Issue()
	if err != nil {
		log.Errorf("redirect: %v", err)
		c.String(http.StatusInternalServerError, msgServerError)
		return
	}
	c.Redirect(http.StatusFound, s.auth.AuthCodeURL(state))
}

func (s *Server) callback(c *gin.Context) {
	if providerErr := strings.TrimSpace(c.Query("error")); providerErr != "" {
		log.Warnf("redirect: provider returned error: %s", providerErr)
		c.String(http.StatusBadRequest, providerErr)
		return
	}
	code := strings.TrimSpace(c.Query("code"))
	if code == "" {
		log.Warn("redirect: " + msgNoCode)
		c.String(http.StatusBadRequest, msgNoCode)
		return
	}
	if !s.consumeState(c.Request.Context(), c.Query("state")) {
		c.String(http.StatusBadRequest, msgInvalidState)
		return
	}

	ctx := c.Request.Context()
	tokens, err := s.auth.ExchangeCode(ctx, code)
	if err != nil {
		s.writeFailure(c, "code exchange", err)
		return
	}
	userID, err := s.auth.FetchUserID(ctx, tokens.AccessToken)
	if err != nil {
		s.writeFailure(c, "profile lookup", err)
		return
	}

	log.WithField("user", userID).Info("sign-in completed, handing off to desktop")
	c.Redirect(http.StatusFound, s.successURL(tokens, userID))
}

func (s *Server) consumeState(ctx context.Context, state string) bool {
	state = strings.TrimSpace(state)
	if state == "" {
		return false
	}
	jti, err := s.states.Verify(state)
	if err != nil {
		log.Debugf("redirect: rejecting state: %v", err)
		return false
	}
	first, err := s.replay.Consume(ctx, jti, s.states.TTL())
	if err != nil {
		log.Errorf("redirect: %v", err)
		return false
	}
	if !first {
		log.Warn("redirect: state replayed")
	}
	return first
}

// successURL builds <scheme>://auth-success with URL-encoded values.
func (s *Server) successURL(tokens *spotify.TokenData, userID string) string {
	q := url.Values{}
	q.Set("access_token", tokens.AccessToken)
	q.Set("refresh_token", tokens.RefreshToken)
	q.Set("expires_in", strconv.FormatInt(tokens.ExpiresIn, 10))
	q.Set("user_id", userID)
	return s.cfg.URLScheme + "://auth-success?" + q.Encode()
}

// writeFailure relays a provider rejection with its status and body, or a generic 500 for
// anything that never reached the provider.
func (s *Server) writeFailure(c *gin.Context, step string, err error) {
	upstream, ok := spotify.AsUpstreamError(err)
	if !ok {
		log.Errorf("redirect: %s failed: %v", step, err)
		c.String(http.StatusInternalServerError, msgServerError)
		return
	}
	status := upstream.StatusCode
	if status < http.StatusBadRequest {
		status = http.StatusInternalServerError
	}
	log.WithField("status", status).Warnf("redirect: %s rejected: %v", step, err)
	contentType := "text/plain; charset=utf-8"
	if gjson.ValidBytes(upstream.Body) {
		contentType = "application/json; charset=utf-8"
	}
	c.Data(status, contentType, upstream.Body)
}
