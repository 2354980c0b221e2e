package redirect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/displaything/desktopthing/internal/auth/spotify"
	"github.com/displaything/desktopthing/internal/config"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newProvider(t *testing.T, token http.HandlerFunc, me http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/token", token)
	mux.HandleFunc("/v1/me", me)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, provider *httptest.Server) *Server {
	t.Helper()
	cfg := &config.RedirectConfig{
		Port:         8080,
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURI:  "http://localhost:8080/api/auth-callback",
		URLScheme:    "displaything",
		Debug:        true,
	}
	var opts []ServerOption
	if provider != nil {
		cfg.AccountsURL = provider.URL
		cfg.APIURL = provider.URL + "/v1"
		opts = append(opts, WithAuthenticator(spotify.NewAuth(spotify.Options{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURI:  cfg.RedirectURI,
			AccountsURL:  cfg.AccountsURL,
			APIURL:       cfg.APIURL,
			HTTPClient:   provider.Client(),
		})))
	}
	s, err := NewServer(cfg, opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s
}

func get(s *Server, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	s.Handler().ServeHTTP(w, req)
	return w
}

func issueState(t *testing.T, s *Server) string {
	t.Helper()
	state, err := s.states.Issue()
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}
	return state
}

func TestHealth(t *testing.T) {
	w := get(newTestServer(t, nil), "/api/health")
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Fatalf("unexpected health response %d %q", w.Code, w.Body.String())
	}
}

func TestAuthenticateRedirectsWithSignedState(t *testing.T) {
	s := newTestServer(t, nil)
	w := get(s, "/api/spotify-authenticate")
	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", w.Code)
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	q := loc.Query()
	if q.Get("client_id") != "client" || q.Get("response_type") != "code" || q.Get("redirect_uri") != "http://localhost:8080/api/auth-callback" {
		t.Fatalf("unexpected authorize query %v", q)
	}
	if q.Get("scope") != "user-read-playback-state user-modify-playback-state user-read-currently-playing" {
		t.Fatalf("unexpected scope %q", q.Get("scope"))
	}
	if _, err = s.states.Verify(q.Get("state")); err != nil {
		t.Fatalf("state does not verify: %v", err)
	}
}

func TestCallbackMissingCode(t *testing.T) {
	w := get(newTestServer(t, nil), "/api/auth-callback")
	if w.Code != http.StatusBadRequest || w.Body.String() != msgNoCode {
		t.Fatalf("unexpected response %d %q", w.Code, w.Body.String())
	}
}

func TestCallbackProviderError(t *testing.T) {
	w := get(newTestServer(t, nil), "/api/auth-callback?error=access_denied")
	if w.Code != http.StatusBadRequest || w.Body.String() != "access_denied" {
		t.Fatalf("unexpected response %d %q", w.Code, w.Body.String())
	}
}

func TestCallbackRejectsBadState(t *testing.T) {
	s := newTestServer(t, nil)
	for _, target := range []string{
		"/api/auth-callback?code=abc",
		"/api/auth-callback?code=abc&state=forged",
	} {
		w := get(s, target)
		if w.Code != http.StatusBadRequest || w.Body.String() != msgInvalidState {
			t.Fatalf("%s: unexpected response %d %q", target, w.Code, w.Body.String())
		}
	}
}

func TestCallbackSuccessRedirectsToDeepLink(t *testing.T) {
	provider := newProvider(t,
		func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != "client" || pass != "secret" {
				t.Errorf("expected basic auth, got %q %q %v", user, pass, ok)
			}
			_ = r.ParseForm()
			if r.PostForm.Get("code") != "abc" || r.PostForm.Get("grant_type") != "authorization_code" {
				t.Errorf("unexpected form %v", r.PostForm)
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"a+b/c","refresh_token":"r&1","expires_in":3600,"token_type":"Bearer"}`))
		},
		func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer a+b/c" {
				t.Errorf("unexpected authorization %q", r.Header.Get("Authorization"))
			}
			_, _ = w.Write([]byte(`{"id":"user 1"}`))
		},
	)
	s := newTestServer(t, provider)
	state := issueState(t, s)

	w := get(s, "/api/auth-callback?code=abc&state="+url.QueryEscape(state))
	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d %q", w.Code, w.Body.String())
	}
	loc := w.Header().Get("Location")
	if !strings.HasPrefix(loc, "displaything://auth-success?") {
		t.Fatalf("unexpected location %s", loc)
	}
	u, _ := url.Parse(loc)
	q := u.Query()
	if q.Get("access_token") != "a+b/c" || q.Get("refresh_token") != "r&1" || q.Get("expires_in") != "3600" || q.Get("user_id") != "user 1" {
		t.Fatalf("unexpected deep link values %v", q)
	}

	replay := get(s, "/api/auth-callback?code=abc&state="+url.QueryEscape(state))
	if replay.Code != http.StatusBadRequest || replay.Body.String() != msgInvalidState {
		t.Fatalf("replayed state must be rejected, got %d", replay.Code)
	}
}

func TestCallbackRelaysUpstreamRejection(t *testing.T) {
	provider := newProvider(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid authorization code"}`))
		},
		func(w http.ResponseWriter, r *http.Request) {
			t.Error("profile must not be requested after a failed exchange")
		},
	)
	s := newTestServer(t, provider)
	w := get(s, "/api/auth-callback?code=bad&state="+url.QueryEscape(issueState(t, s)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected upstream 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "invalid_grant") {
		t.Fatalf("expected upstream body, got %q", w.Body.String())
	}
	if w.Header().Get("Location") != "" {
		t.Fatal("failure must not redirect")
	}
}

func TestCallbackRelaysProfileFailure(t *testing.T) {
	provider := newProvider(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"a","refresh_token":"r","expires_in":3600}`))
		},
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":{"status":403,"message":"User not registered"}}`))
		},
	)
	s := newTestServer(t, provider)
	w := get(s, "/api/auth-callback?code=abc&state="+url.QueryEscape(issueState(t, s)))
	if w.Code != http.StatusForbidden || !strings.Contains(w.Body.String(), "User not registered") {
		t.Fatalf("unexpected response %d %q", w.Code, w.Body.String())
	}
}

type failingAuth struct{}

func (failingAuth) AuthCodeURL(string) string { return "" }
func (failingAuth) ExchangeCode(context.Context, string) (*spotify.TokenData, error) {
	return nil, context.DeadlineExceeded
}
func (failingAuth) FetchUserID(context.Context, string) (string, error) { return "", nil }

func TestCallbackTransportFailureIsGeneric(t *testing.T) {
	s := newTestServer(t, nil)
	s.auth = failingAuth{}
	w := get(s, "/api/auth-callback?code=abc&state="+url.QueryEscape(issueState(t, s)))
	if w.Code != http.StatusInternalServerError || w.Body.String() != msgServerError {
		t.Fatalf("unexpected response %d %q", w.Code, w.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, nil)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/health", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("unexpected preflight %d %v", w.Code, w.Header())
	}
}
