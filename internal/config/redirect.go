package config

import (
	"fmt"
	"strconv"
	"strings"
)

// RedirectConfig is the environment-driven configuration of the authorization redirect service.
type RedirectConfig struct {
	Port         int
	ClientID     string
	ClientSecret string
	// RedirectURI is the callback registered with the provider. DEV_STATE selects
	// DEV_REDIRECT_URI over PROD_REDIRECT_URI.
	RedirectURI string
	// StateSecret signs the OAuth state parameter. Empty means a random per-process secret.
	StateSecret string
	// RedisURL enables the shared single-use state guard.
	RedisURL     string
	URLScheme    string
	AccountsURL  string
	APIURL       string
	AllowOrigins []string
	Debug        bool
}

// LoadRedirectConfig reads the redirect service settings from the environment.
// A missing client id, client secret or redirect URI is an error.
func LoadRedirectConfig() (*RedirectConfig, error) {
	cfg := &RedirectConfig{
		Port:        8080,
		URLScheme:   DefaultURLScheme,
		AccountsURL: DefaultAccountsURL,
		APIURL:      DefaultAPIURL,
	}
	if v, ok := lookupEnv("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("redirect config: invalid PORT %q", v)
		}
		cfg.Port = port
	}
	cfg.ClientID, _ = lookupEnv("CLIENT_ID")
	cfg.ClientSecret, _ = lookupEnv("CLIENT_SECRET")

	devState, _ := lookupEnv("DEV_STATE")
	if parseBool(devState) {
		cfg.RedirectURI, _ = lookupEnv("DEV_REDIRECT_URI")
	} else {
		cfg.RedirectURI, _ = lookupEnv("PROD_REDIRECT_URI")
	}
	cfg.StateSecret, _ = lookupEnv("STATE_SECRET")
	cfg.RedisURL, _ = lookupEnv("REDIS_URL")
	if v, ok := lookupEnv("URL_SCHEME"); ok {
		cfg.URLScheme = strings.TrimSuffix(v, "://")
	}
	if v, ok := lookupEnv("SPOTIFY_ACCOUNTS_URL"); ok {
		cfg.AccountsURL = strings.TrimRight(v, "/")
	}
	if v, ok := lookupEnv("SPOTIFY_API_URL"); ok {
		cfg.APIURL = strings.TrimRight(v, "/")
	}
	if v, ok := lookupEnv("CORS_ALLOW_ORIGINS"); ok {
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.AllowOrigins = append(cfg.AllowOrigins, origin)
			}
		}
	}
	if v, ok := lookupEnv("DEBUG"); ok {
		cfg.Debug = parseBool(v)
	}

	var missing []string
	if cfg.ClientID == "" {
		missing = append(missing, "CLIENT_ID")
	}
	if cfg.ClientSecret == "" {
		missing = append(missing, "CLIENT_SECRET")
	}
	if cfg.RedirectURI == "" {
		if parseBool(devState) {
			missing = append(missing, "DEV_REDIRECT_URI")
		} else {
			missing = append(missing, "PROD_REDIRECT_URI")
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("redirect config: missing %s", strings.Join(missing, ", "))
	}
	return cfg, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on", "dev", "development":
		return true
	}
	return false
}
