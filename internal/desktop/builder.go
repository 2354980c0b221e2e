// Package desktop assembles the desktop companion process: single-instance guard, deep-link
// activation, the local IPC surface, the credential watcher and the token lifecycle.
package desktop

import (
	"context"
	"fmt"
	"strings"

	"github.com/displaything/desktopthing/internal/api/handlers/ipc"
	"github.com/displaything/desktopthing/internal/auth/spotify"
	"github.com/displaything/desktopthing/internal/browser"
	"github.com/displaything/desktopthing/internal/config"
	"github.com/displaything/desktopthing/internal/credential"
	"github.com/displaything/desktopthing/internal/instance"
	"github.com/displaything/desktopthing/internal/lifecycle"
	"github.com/displaything/desktopthing/internal/player"
	"github.com/displaything/desktopthing/internal/util"
	"github.com/displaything/desktopthing/internal/watcher"
)

// Opener launches the sign-in page.
type Opener interface {
	Open(url string) error
}

// StoreFactory opens the credential store. It runs only in the process that holds the
// instance lock, so a launch that forwards its arguments never touches a sync backend.
type StoreFactory func(ctx context.Context) (watcher.CredentialSource, error)

// Hooks allows callers to plug into service lifecycle stages.
type Hooks struct {
	// OnBeforeStart runs once the instance lock is held, before any component starts.
	OnBeforeStart func(*config.Config)

	// OnAfterStart runs once every component is up.
	OnAfterStart func(*Service)
}

// Builder constructs a Service. Unset dependencies get production defaults in Build.
type Builder struct {
	cfg        *config.Config
	configPath string
	args       []string

	store     watcher.CredentialSource
	openStore StoreFactory
	noBrowser bool
	platform  instance.Platform
	opener    Opener
	refresher lifecycle.Refresher
	player    ipc.Player
	hooks     Hooks
}

// NewBuilder creates a Builder with default dependencies left unset.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the configuration instance used by the service.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.cfg = cfg
	return b
}

// WithConfigPath sets the configuration file path used for reload watching. Empty disables
// config reloads.
func (b *Builder) WithConfigPath(path string) *Builder {
	b.configPath = path
	return b
}

// WithArgs sets the launch argument vector. It is forwarded when another instance holds
// the lock, and otherwise handled as the first activation.
func (b *Builder) WithArgs(args []string) *Builder {
	b.args = append([]string(nil), args...)
	return b
}

// WithStore overrides the credential store. A store that also implements io.Closer is
// closed on shutdown.
func (b *Builder) WithStore(store watcher.CredentialSource) *Builder {
	b.store = store
	return b
}

// WithStoreFactory defers opening the credential store until the instance lock is held.
// WithStore takes precedence.
func (b *Builder) WithStoreFactory(open StoreFactory) *Builder {
	b.openStore = open
	return b
}

// WithNoBrowser records the command-line -no-browser flag. It overrides the config file,
// including after a reload.
func (b *Builder) WithNoBrowser(noBrowser bool) *Builder {
	b.noBrowser = noBrowser
	return b
}

// WithPlatform overrides the single-instance and URL-scheme integration.
func (b *Builder) WithPlatform(platform instance.Platform) *Builder {
	b.platform = platform
	return b
}

// WithOpener overrides how the sign-in page is opened.
func (b *Builder) WithOpener(opener Opener) *Builder {
	b.opener = opener
	return b
}

// WithRefresher overrides the token endpoint client used by the lifecycle manager.
func (b *Builder) WithRefresher(refresher lifecycle.Refresher) *Builder {
	b.refresher = refresher
	return b
}

// WithPlayer overrides the remote-control client behind the IPC channels.
func (b *Builder) WithPlayer(p ipc.Player) *Builder {
	b.player = p
	return b
}

// WithHooks registers lifecycle hooks executed around service startup.
func (b *Builder) WithHooks(h Hooks) *Builder {
	b.hooks = h
	return b
}

// Build validates inputs, applies defaults, and returns a ready-to-run service.
func (b *Builder) Build() (*Service, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("desktop: configuration is required")
	}
	cfg := b.cfg
	if b.noBrowser && !cfg.NoBrowser {
		copied := *cfg
		copied.NoBrowser = true
		cfg = &copied
	}

	openStore := b.openStore
	switch {
	case b.store != nil:
		store := b.store
		openStore = func(context.Context) (watcher.CredentialSource, error) { return store, nil }
	case openStore == nil:
		dataDir, err := util.ResolveDataDir(cfg)
		if err != nil {
			return nil, fmt.Errorf("desktop: %w", err)
		}
		openStore = func(context.Context) (watcher.CredentialSource, error) {
			return credential.NewFileStore(dataDir), nil
		}
	}

	platform := b.platform
	if platform == nil {
		platform = instance.NewGuard(cfg.AppID, util.RuntimeDir())
	}

	opener := b.opener
	if opener == nil {
		opener = browser.Opener{NoBrowser: cfg.NoBrowser}
	}

	refresher := b.refresher
	if refresher == nil {
		if strings.TrimSpace(cfg.ClientID) == "" {
			return nil, fmt.Errorf("desktop: client-id is required for token refresh")
		}
		refresher = spotify.NewAuth(spotify.Options{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			AccountsURL:  cfg.Spotify.AccountsURL,
			APIURL:       cfg.Spotify.APIURL,
			ProxyURL:     cfg.ProxyURL,
		})
	}

	newPlayer := func(store credential.Store) ipc.Player {
		return player.NewClient(store, player.Options{
			APIURL:   cfg.Spotify.APIURL,
			ProxyURL: cfg.ProxyURL,
		})
	}
	if b.player != nil {
		p := b.player
		newPlayer = func(credential.Store) ipc.Player { return p }
	}

	return &Service{
		cfg:        cfg,
		configPath: b.configPath,
		args:       append([]string(nil), b.args...),
		openStore:  openStore,
		newPlayer:  newPlayer,
		noBrowser:  b.noBrowser,
		platform:   platform,
		opener:     opener,
		refresher:  refresher,
		hooks:      b.hooks,
	}, nil
}
