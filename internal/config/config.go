// Package config provides configuration management for the DisplayThing desktop process.
// It handles loading and parsing the YAML configuration file and applies defaults and
// environment overrides so that every component receives a fully populated Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultURLScheme is the private URL scheme claimed by the desktop process.
	DefaultURLScheme = "displaything"
	// DefaultRedirectServiceURL is the base URL of the authorization redirect service.
	DefaultRedirectServiceURL = "http://localhost:8080"
	// DefaultAccountsURL is the provider's accounts (authorization/token) host.
	DefaultAccountsURL = "https://accounts.spotify.com"
	// DefaultAPIURL is the provider's Web API base.
	DefaultAPIURL = "https://api.spotify.com/v1"
	// DefaultIPCPort is the loopback port of the local command surface.
	DefaultIPCPort = 8765
	// DefaultAppID names the single-instance lock and activation socket.
	DefaultAppID = "displaything"
)

// Config represents the desktop process configuration, loaded from a YAML file.
type Config struct {
	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile writes application logs to a rotating file instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogsMaxTotalSizeMB limits the total size (in MB) of log files under the logs directory.
	// When exceeded, the oldest log files are deleted. 0 disables the limit.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb" json:"logs-max-total-size-mb"`

	// LogsMaxAgeDays removes rotated log files older than this many days. 0 keeps them until
	// the size limit applies.
	LogsMaxAgeDays int `yaml:"logs-max-age-days" json:"logs-max-age-days"`

	// DataDir holds the persisted credential file. Supports a leading "~".
	DataDir string `yaml:"data-dir" json:"data-dir"`

	// ProxyURL is the URL of an optional proxy server to use for provider requests.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// AppID names the single-instance lock file and activation socket.
	AppID string `yaml:"app-id" json:"app-id"`

	// URLScheme is the private scheme used for the deep-link handoff.
	URLScheme string `yaml:"url-scheme" json:"url-scheme"`

	// RedirectServiceURL is the base URL of the authorization redirect service.
	RedirectServiceURL string `yaml:"redirect-service-url" json:"redirect-service-url"`

	// ClientID and ClientSecret identify the application at the provider's token endpoint.
	// They are required for token refresh.
	ClientID     string `yaml:"client-id" json:"-"`
	ClientSecret string `yaml:"client-secret" json:"-"`

	// NoBrowser prints the authorization URL instead of launching the system browser.
	NoBrowser bool `yaml:"no-browser" json:"no-browser"`

	// IPC configures the loopback command and event surface.
	IPC IPCConfig `yaml:"ipc" json:"ipc"`

	// Refresh tunes the token refresh schedule.
	Refresh RefreshConfig `yaml:"refresh" json:"refresh"`

	// Spotify overrides the provider endpoints (used by tests and staging).
	Spotify ProviderConfig `yaml:"spotify" json:"spotify"`

	// Pprof configures the optional debug profiling server.
	Pprof PprofConfig `yaml:"pprof" json:"pprof"`
}

// IPCConfig holds the local command surface settings.
type IPCConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
	// Secret, when non-empty, must be presented as a bearer token on every request.
	Secret string `yaml:"secret" json:"-"`
	// AllowOrigins lists the browser origins the presentation layer may load from. Requests
	// carrying any other Origin header are refused.
	AllowOrigins []string `yaml:"allow-origins" json:"allow-origins"`
}

// RefreshConfig holds token refresh timing.
type RefreshConfig struct {
	// Lead fires the refresh this long before the access token expires.
	Lead time.Duration `yaml:"lead" json:"lead"`
	// RetryInitial is the first backoff after a transient refresh failure.
	RetryInitial time.Duration `yaml:"retry-initial" json:"retry-initial"`
	// RetryMax caps the backoff.
	RetryMax time.Duration `yaml:"retry-max" json:"retry-max"`
}

// ProviderConfig holds provider endpoint bases.
type ProviderConfig struct {
	AccountsURL string `yaml:"accounts-url" json:"accounts-url"`
	APIURL      string `yaml:"api-url" json:"api-url"`
}

// PprofConfig holds the debug profiling server settings.
type PprofConfig struct {
	Enable bool   `yaml:"enable" json:"enable"`
	Addr   string `yaml:"addr" json:"addr"`
}

// LoadConfig reads and parses the YAML file at configFile.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads the YAML file at configFile. When optional is true a missing
// or empty file yields the default configuration instead of an error.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			cfg.ApplyDefaults()
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.ApplyDefaults()
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg == nil {
		return
	}
	cfg.URLScheme = strings.TrimSuffix(strings.TrimSpace(cfg.URLScheme), "://")
	if cfg.URLScheme == "" {
		cfg.URLScheme = DefaultURLScheme
	}
	if strings.TrimSpace(cfg.AppID) == "" {
		cfg.AppID = DefaultAppID
	}
	cfg.RedirectServiceURL = strings.TrimRight(strings.TrimSpace(cfg.RedirectServiceURL), "/")
	if cfg.RedirectServiceURL == "" {
		cfg.RedirectServiceURL = DefaultRedirectServiceURL
	}
	if strings.TrimSpace(cfg.IPC.Host) == "" {
		cfg.IPC.Host = "127.0.0.1"
	}
	if cfg.IPC.Port <= 0 {
		cfg.IPC.Port = DefaultIPCPort
	}
	if cfg.Refresh.Lead < 0 {
		cfg.Refresh.Lead = 0
	}
	if cfg.Refresh.RetryInitial <= 0 {
		cfg.Refresh.RetryInitial = 5 * time.Second
	}
	if cfg.Refresh.RetryMax <= 0 {
		cfg.Refresh.RetryMax = 5 * time.Minute
	}
	if cfg.Refresh.RetryMax < cfg.Refresh.RetryInitial {
		cfg.Refresh.RetryMax = cfg.Refresh.RetryInitial
	}
	cfg.Spotify.AccountsURL = strings.TrimRight(strings.TrimSpace(cfg.Spotify.AccountsURL), "/")
	if cfg.Spotify.AccountsURL == "" {
		cfg.Spotify.AccountsURL = DefaultAccountsURL
	}
	cfg.Spotify.APIURL = strings.TrimRight(strings.TrimSpace(cfg.Spotify.APIURL), "/")
	if cfg.Spotify.APIURL == "" {
		cfg.Spotify.APIURL = DefaultAPIURL
	}
	if strings.TrimSpace(cfg.Pprof.Addr) == "" {
		cfg.Pprof.Addr = "127.0.0.1:8316"
	}
}

// ApplyEnv overlays environment variables on top of the file values.
func (cfg *Config) ApplyEnv() {
	if cfg == nil {
		return
	}
	if v, ok := lookupEnv("CLIENT_ID", "client_id"); ok {
		cfg.ClientID = v
	}
	if v, ok := lookupEnv("CLIENT_SECRET", "client_secret"); ok {
		cfg.ClientSecret = v
	}
	if v, ok := lookupEnv("REDIRECT_SERVICE_URL", "redirect_service_url"); ok {
		cfg.RedirectServiceURL = strings.TrimRight(v, "/")
	}
	if v, ok := lookupEnv("DATA_DIR", "data_dir"); ok {
		cfg.DataDir = v
	}
}

// AuthorizeURL returns the redirect service entry point that starts sign-in.
func (cfg *Config) AuthorizeURL() string {
	return cfg.RedirectServiceURL + "/api/spotify-authenticate"
}

// DeepLinkPrefix returns "<scheme>://".
func (cfg *Config) DeepLinkPrefix() string {
	return cfg.URLScheme + "://"
}

// IPCAddr returns host:port of the local command surface.
func (cfg *Config) IPCAddr() string {
	return fmt.Sprintf("%s:%d", cfg.IPC.Host, cfg.IPC.Port)
}

func lookupEnv(keys ...string) (string, bool) {
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed, true
			}
		}
	}
	return "", false
}
