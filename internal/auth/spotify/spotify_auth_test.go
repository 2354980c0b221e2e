package spotify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func newTestAuth(t *testing.T, handler http.HandlerFunc) *Auth {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewAuth(Options{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURI:  "http://localhost:8080/api/auth-callback",
		AccountsURL:  server.URL,
		APIURL:       server.URL + "/v1",
		HTTPClient:   server.Client(),
	})
}

func TestAuthCodeURLCarriesScopesAndState(t *testing.T) {
	auth := NewAuth(Options{ClientID: "client", ClientSecret: "secret", RedirectURI: "http://localhost:8080/api/auth-callback"})
	raw := auth.AuthCodeURL("state-1")

	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Host != "accounts.spotify.com" || parsed.Path != "/authorize" {
		t.Fatalf("unexpected authorize endpoint %q", raw)
	}
	q := parsed.Query()
	if q.Get("response_type") != "code" || q.Get("client_id") != "client" || q.Get("state") != "state-1" {
		t.Fatalf("unexpected query %v", q)
	}
	if q.Get("scope") != "user-read-playback-state user-modify-playback-state user-read-currently-playing" {
		t.Fatalf("unexpected scope %q", q.Get("scope"))
	}
	if q.Get("redirect_uri") != "http://localhost:8080/api/auth-callback" {
		t.Fatalf("unexpected redirect uri %q", q.Get("redirect_uri"))
	}
}

func TestExchangeCodeUsesBasicAuth(t *testing.T) {
	auth := newTestAuth(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/token" {
			http.NotFound(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != "authorization_code" || r.PostForm.Get("code") != "the-code" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_in":3600,"token_type":"Bearer"}`))
	})

	data, err := auth.ExchangeCode(context.Background(), "the-code")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if data.AccessToken != "at" || data.RefreshToken != "rt" || data.ExpiresIn != 3600 {
		t.Fatalf("unexpected token data %+v", data)
	}
}

func TestExchangeCodeSurfacesUpstreamError(t *testing.T) {
	auth := newTestAuth(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid authorization code"}`))
	})

	_, err := auth.ExchangeCode(context.Background(), "bad")
	upstream, ok := AsUpstreamError(err)
	if !ok {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstream.StatusCode != http.StatusBadRequest || upstream.Code != "invalid_grant" {
		t.Fatalf("unexpected upstream error %+v", upstream)
	}
	if !strings.Contains(string(upstream.Body), "Invalid authorization code") {
		t.Fatalf("expected raw body to be kept, got %q", upstream.Body)
	}
	if !IsInvalidGrant(err) {
		t.Fatal("expected invalid grant classification")
	}
}

func TestRefreshKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	auth := newTestAuth(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != "old-rt" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-at","expires_in":1800,"token_type":"Bearer"}`))
	})

	data, err := auth.Refresh(context.Background(), "old-rt")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if data.AccessToken != "new-at" || data.RefreshToken != "old-rt" || data.ExpiresIn != 1800 {
		t.Fatalf("unexpected token data %+v", data)
	}
}

func TestRefreshWithRetryStopsOnInvalidGrant(t *testing.T) {
	calls := 0
	auth := newTestAuth(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	})

	if _, err := auth.RefreshWithRetry(context.Background(), "rt", 3); !IsInvalidGrant(err) {
		t.Fatalf("expected invalid grant, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestFetchUserID(t *testing.T) {
	auth := newTestAuth(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/me" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer at" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"status":401,"message":"Invalid access token"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"user-42","display_name":"Someone"}`))
	})

	id, err := auth.FetchUserID(context.Background(), "at")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if id != "user-42" {
		t.Fatalf("unexpected id %q", id)
	}

	_, err = auth.FetchUserID(context.Background(), "wrong")
	upstream, ok := AsUpstreamError(err)
	if !ok || upstream.StatusCode != http.StatusUnauthorized || upstream.Message != "Invalid access token" {
		t.Fatalf("unexpected error %v", err)
	}
}
