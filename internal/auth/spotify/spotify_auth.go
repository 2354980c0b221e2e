// Package spotify provides the OAuth2 authorization-code and refresh-token flows against
// the provider's accounts service, plus the profile lookup used to identify the user.
package spotify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/displaything/desktopthing/internal/util"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// Scopes requested during authorization.
var Scopes = []string{
	"user-read-playback-state",
	"user-modify-playback-state",
	"user-read-currently-playing",
}

const defaultExpiresIn = 3600

// Options configures an Auth client.
type Options struct {
	ClientID     string
	ClientSecret string
	// RedirectURI is only required for the authorization-code flow.
	RedirectURI string
	AccountsURL string
	APIURL      string
	ProxyURL    string
	// HTTPClient overrides the outbound client (tests).
	HTTPClient *http.Client
}

// TokenData holds the result of a token exchange or refresh.
type TokenData struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn is the access token lifetime in seconds as reported by the provider.
	ExpiresIn int64
}

// Auth handles the provider's OAuth2 flows.
type Auth struct {
	config     oauth2.Config
	apiURL     string
	httpClient *http.Client
}

// NewAuth creates a new provider auth client.
//
// Parameters:
//   - opts: Client credentials, endpoints and optional proxy
//
// Returns:
//   - *Auth: A configured auth client
func NewAuth(opts Options) *Auth {
	accounts := strings.TrimRight(strings.TrimSpace(opts.AccountsURL), "/")
	if accounts == "" {
		accounts = "https://accounts.spotify.com"
	}
	api := strings.TrimRight(strings.TrimSpace(opts.APIURL), "/")
	if api == "" {
		api = "https://api.spotify.com/v1"
	}
	authStyle := oauth2.AuthStyleInHeader
	if strings.TrimSpace(opts.ClientSecret) == "" {
		authStyle = oauth2.AuthStyleInParams
	}
	client := opts.HTTPClient
	if client == nil {
		client = util.SetProxy(opts.ProxyURL, &http.Client{Timeout: 30 * time.Second})
	}
	return &Auth{
		config: oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURI,
			Scopes:       Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   accounts + "/authorize",
				TokenURL:  accounts + "/api/token",
				AuthStyle: authStyle,
			},
		},
		apiURL:     api,
		httpClient: client,
	}
}

// AuthCodeURL builds the provider authorization URL carrying state.
func (a *Auth) AuthCodeURL(state string) string {
	return a.config.AuthCodeURL(state)
}

// ExchangeCode trades an authorization code for tokens.
//
// Parameters:
//   - ctx: The context for the request
//   - code: The authorization code from the provider callback
//
// Returns:
//   - *TokenData: The access token, refresh token and lifetime
//   - error: An *UpstreamError when the provider rejected the request
func (a *Auth) ExchangeCode(ctx context.Context, code string) (*TokenData, error) {
	tok, err := a.config.Exchange(a.withClient(ctx), code)
	if err != nil {
		return nil, convertTokenError("exchange", err)
	}
	return tokenData(tok), nil
}

// Refresh obtains a new access token. When the provider does not rotate the refresh token,
// the supplied one is returned unchanged.
//
// Parameters:
//   - ctx: The context for the request
//   - refreshToken: The stored refresh token
//
// Returns:
//   - *TokenData: The refreshed token data
//   - error: An *UpstreamError when the provider rejected the request
func (a *Auth) Refresh(ctx context.Context, refreshToken string) (*TokenData, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, fmt.Errorf("spotify: refresh token is required")
	}
	src := a.config.TokenSource(a.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, convertTokenError("refresh", err)
	}
	data := tokenData(tok)
	if data.RefreshToken == "" {
		data.RefreshToken = refreshToken
	}
	return data, nil
}

// RefreshWithRetry retries transient refresh failures with a linearly growing delay.
// Provider rejections of the refresh token are returned immediately.
func (a *Auth) RefreshWithRetry(ctx context.Context, refreshToken string, maxRetries int) (*TokenData, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		data, err := a.Refresh(ctx, refreshToken)
		if err == nil {
			return data, nil
		}
		if IsInvalidGrant(err) {
			return nil, err
		}
		lastErr = err
		log.WithField("attempt", attempt+1).Warnf("token refresh attempt failed: %v", err)
	}
	return nil, fmt.Errorf("token refresh failed after %d attempts: %w", maxRetries, lastErr)
}

// FetchUserID looks up the stable user identifier for accessToken.
func (a *Auth) FetchUserID(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.apiURL+"/me", nil)
	if err != nil {
		return "", fmt.Errorf("spotify: create profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("spotify: profile request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("spotify: read profile response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", newUpstreamError(resp.StatusCode, body)
	}
	id := strings.TrimSpace(gjson.GetBytes(body, "id").String())
	if id == "" {
		return "", fmt.Errorf("spotify: profile response has no id")
	}
	return id, nil
}

func (a *Auth) withClient(ctx context.Context) context.Context {
	if a.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}

func convertTokenError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := http.StatusInternalServerError
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		upstream := newUpstreamError(status, retrieveErr.Body)
		if upstream.Code == "" {
			upstream.Code = retrieveErr.ErrorCode
		}
		if upstream.Message == "" {
			upstream.Message = retrieveErr.ErrorDescription
		}
		return upstream
	}
	return fmt.Errorf("spotify: token %s failed: %w", op, err)
}

func tokenData(tok *oauth2.Token) *TokenData {
	return &TokenData{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresInSeconds(tok),
	}
}

// expiresInSeconds prefers the raw expires_in field and falls back to the parsed expiry.
func expiresInSeconds(tok *oauth2.Token) int64 {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		if v > 0 {
			return int64(v)
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n > 0 {
			return n
		}
	}
	if !tok.Expiry.IsZero() {
		if secs := math.Round(time.Until(tok.Expiry).Seconds()); secs > 0 {
			return int64(secs)
		}
	}
	return defaultExpiresIn
}
