package desktop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/displaything/desktopthing/internal/api"
	"github.com/displaything/desktopthing/internal/api/handlers/ipc"
	"github.com/displaything/desktopthing/internal/browser"
	"github.com/displaything/desktopthing/internal/config"
	"github.com/displaything/desktopthing/internal/credential"
	"github.com/displaything/desktopthing/internal/deeplink"
	"github.com/displaything/desktopthing/internal/instance"
	"github.com/displaything/desktopthing/internal/lifecycle"
	"github.com/displaything/desktopthing/internal/logging"
	"github.com/displaything/desktopthing/internal/notify"
	"github.com/displaything/desktopthing/internal/watcher"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyRunning is returned by Run when another instance holds the lock. The launch
// arguments have been forwarded to it.
var ErrAlreadyRunning = errors.New("desktop: another instance is running")

const shutdownTimeout = 10 * time.Second

// Service is the process-scoped desktop companion. Build it with a Builder.
type Service struct {
	configPath string
	args       []string
	openStore  StoreFactory
	newPlayer  func(credential.Store) ipc.Player
	noBrowser  bool
	platform   instance.Platform
	refresher  lifecycle.Refresher
	hooks      Hooks

	mu        sync.Mutex
	cfg       *config.Config
	store     watcher.CredentialSource
	opener    Opener
	started   bool
	cancel    context.CancelFunc
	hub       *notify.Hub
	manager   *lifecycle.Manager
	ipcServer *api.Server
	watcher   *watcher.Watcher
	debug     *debugServer
	done      chan struct{}

	stopOnce sync.Once
	stopErr  error
}

// Run acquires the single-instance lock and starts every component, then blocks until ctx
// is cancelled or Shutdown is called. When another instance already runs, the launch
// arguments are forwarded to it and ErrAlreadyRunning is returned.
func (s *Service) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("desktop: service is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	held, err := s.platform.TryAcquireLock()
	if err != nil {
		return fmt.Errorf("desktop: acquire instance lock: %w", err)
	}
	if !held {
		if errForward := s.platform.Forward(s.args); errForward != nil {
			return fmt.Errorf("desktop: forward activation: %w", errForward)
		}
		log.Info("another instance is running, activation forwarded")
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("desktop: service already started")
	}
	s.started = true
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	defer func() {
		cancel()
		stopCtx, cancelStop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelStop()
		if errStop := s.stop(stopCtx); errStop != nil {
			log.Errorf("desktop: shutdown: %v", errStop)
		}
		close(done)
	}()

	if err = s.start(runCtx); err != nil {
		return err
	}
	<-runCtx.Done()
	return nil
}

func (s *Service) start(ctx context.Context) error {
	cfg := s.config()
	if s.hooks.OnBeforeStart != nil {
		s.hooks.OnBeforeStart(cfg)
	}

	store, err := s.openStore(ctx)
	if err != nil {
		return fmt.Errorf("desktop: open credential store: %w", err)
	}
	s.mu.Lock()
	s.store = store
	s.mu.Unlock()
	logging.StartLogDirCleaner(cfg)

	if errScheme := s.platform.RegisterURLScheme(cfg.URLScheme); errScheme != nil {
		log.Warnf("failed to register %s handler: %v", cfg.DeepLinkPrefix(), errScheme)
	}

	hub := notify.NewHub()
	bridge := notify.NewBridge(hub, notify.DefaultBridgePath, cfg.IPC.AllowOrigins)
	manager := lifecycle.NewManager(lifecycle.Options{
		Store:          store,
		Refresher:      s.refresher,
		Hub:            hub,
		Reauthenticate: s.reauthenticate,
		Lead:           cfg.Refresh.Lead,
		RetryInitial:   cfg.Refresh.RetryInitial,
		RetryMax:       cfg.Refresh.RetryMax,
	})
	s.mu.Lock()
	s.hub = hub
	s.manager = manager
	s.mu.Unlock()

	server := api.NewServer(api.Options{
		Addr:         cfg.IPCAddr(),
		Secret:       cfg.IPC.Secret,
		Debug:        cfg.Debug,
		AllowOrigins: cfg.IPC.AllowOrigins,
	}, ipc.NewHandler(s.newPlayer(store), store, manager), bridge)
	if err = server.Start(); err != nil {
		_ = bridge.Stop(context.Background())
		return fmt.Errorf("desktop: start ipc surface: %w", err)
	}
	s.mu.Lock()
	s.ipcServer = server
	s.mu.Unlock()

	links := deeplink.NewHandler(cfg.URLScheme, store, hub)
	s.platform.OnActivation(func(args []string) {
		links.Handle(ctx, args)
	})
	if _, ok := deeplink.FindURL(s.args, cfg.DeepLinkPrefix()); ok {
		links.Handle(ctx, s.args)
	}

	w, err := watcher.NewWatcher(watcher.Options{
		Store:          store,
		Publisher:      hub,
		Schedule:       manager,
		ConfigPath:     s.configPath,
		ReloadCallback: s.applyConfig,
	})
	if err != nil {
		return fmt.Errorf("desktop: %w", err)
	}
	w.SetConfig(cfg)
	if err = w.Start(ctx); err != nil {
		_ = w.Stop()
		return fmt.Errorf("desktop: start watcher: %w", err)
	}
	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()

	if err = manager.Start(ctx); err != nil {
		return fmt.Errorf("desktop: start token lifecycle: %w", err)
	}

	s.applyDebugServer(cfg)
	log.Infof("desktop companion ready (ipc %s, scheme %s)", server.Addr(), cfg.DeepLinkPrefix())
	if s.hooks.OnAfterStart != nil {
		s.hooks.OnAfterStart(s)
	}
	return nil
}

// Shutdown cancels Run and waits for every component to stop, or for ctx to expire. It is
// safe to call more than once and from any goroutine.
func (s *Service) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	started, cancel, done := s.started, s.cancel, s.done
	s.mu.Unlock()
	if !started {
		return s.stop(ctx)
	}
	cancel()
	select {
	case <-done:
		return s.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop tears components down in reverse dependency order. Only the first call does the work.
func (s *Service) stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		hub, manager, server, w, store := s.hub, s.manager, s.ipcServer, s.watcher, s.store
		s.mu.Unlock()

		var errs []error
		if err := s.platform.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close instance guard: %w", err))
		}
		if manager != nil {
			manager.Stop()
		}

		g, gctx := errgroup.WithContext(ctx)
		if w != nil {
			g.Go(func() error {
				if err := w.Stop(); err != nil {
					return fmt.Errorf("stop watcher: %w", err)
				}
				return nil
			})
		}
		if server != nil {
			g.Go(func() error {
				if err := server.Stop(gctx); err != nil {
					return fmt.Errorf("stop ipc surface: %w", err)
				}
				return nil
			})
		}
		g.Go(func() error {
			return s.shutdownDebugServer(gctx)
		})
		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}

		if hub != nil {
			hub.Close()
		}
		logging.StopLogDirCleaner()
		if closer, ok := store.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close credential store: %w", err))
			}
		}
		s.stopErr = errors.Join(errs...)
		log.Debug("desktop companion stopped")
	})
	return s.stopErr
}

// Config returns the active configuration.
func (s *Service) Config() *config.Config {
	return s.config()
}

// IPCAddr returns the bound address of the IPC surface, or "" before it starts.
func (s *Service) IPCAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ipcServer == nil {
		return ""
	}
	return s.ipcServer.Addr()
}

// NextRefresh reports the pending token refresh.
func (s *Service) NextRefresh() (time.Time, bool) {
	s.mu.Lock()
	manager := s.manager
	s.mu.Unlock()
	if manager == nil {
		return time.Time{}, false
	}
	return manager.NextRefresh()
}

func (s *Service) config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) reauthenticate(_ context.Context) error {
	s.mu.Lock()
	cfg, opener := s.cfg, s.opener
	s.mu.Unlock()
	url := cfg.AuthorizeURL()
	log.Infof("opening sign-in page: %s", url)
	return opener.Open(url)
}

// applyConfig takes the reloadable settings from a changed config file. Settings bound at
// startup keep their old values until restart.
func (s *Service) applyConfig(newCfg *config.Config) {
	if newCfg == nil {
		return
	}
	s.mu.Lock()
	next := *s.cfg
	next.Debug = newCfg.Debug
	next.NoBrowser = newCfg.NoBrowser || s.noBrowser
	next.RedirectServiceURL = newCfg.RedirectServiceURL
	next.Pprof = newCfg.Pprof
	s.cfg = &next
	if o, ok := s.opener.(browser.Opener); ok {
		o.NoBrowser = next.NoBrowser
		s.opener = o
	}
	s.mu.Unlock()
	s.applyDebugServer(&next)
}
