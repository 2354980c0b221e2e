// Package watcher follows the credential file and the config file on disk. Credential changes
// made by another process are reloaded and announced; config edits are applied live.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/displaything/desktopthing/internal/config"
	"github.com/displaything/desktopthing/internal/credential"
	"github.com/displaything/desktopthing/internal/notify"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// CredentialSource is the local credential file the watcher follows.
type CredentialSource interface {
	credential.Store
	Path() string
	// Fingerprint is the hash of the content the store itself last wrote or read.
	Fingerprint() string
}

// Canceller disarms the refresh schedule when the credential disappears.
type Canceller interface {
	Cancel()
}

const (
	// replaceCheckDelay lets an atomic replace settle before a Remove is treated as a deletion.
	replaceCheckDelay    = 50 * time.Millisecond
	credentialDebounce   = 150 * time.Millisecond
	configReloadDebounce = 150 * time.Millisecond
)

// Options configures a Watcher. ConfigPath may be empty.
type Options struct {
	Store          CredentialSource
	Publisher      notify.Publisher
	Schedule       Canceller
	ConfigPath     string
	ReloadCallback func(*config.Config)
}

// Watcher reacts to file system events for the credential and config files.
type Watcher struct {
	opts    Options
	credDir string

	mu         sync.Mutex
	credTimer  *time.Timer
	credGone   bool
	config     *config.Config
	configHash string

	configReloadMu    sync.Mutex
	configReloadTimer *time.Timer

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatcher creates a watcher. Call Start to begin receiving events.
func NewWatcher(opts Options) (*Watcher, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("watcher: credential store is required")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	return &Watcher{
		opts:    opts,
		credDir: filepath.Dir(opts.Store.Path()),
		watcher: fsw,
	}, nil
}

// SetConfig records the active configuration so reloads can report what changed.
func (w *Watcher) SetConfig(cfg *config.Config) {
	w.mu.Lock()
	w.config = cfg
	w.mu.Unlock()
}

// Start watches the credential directory and, when set, the config file. The directory is
// watched rather than the file so atomic replaces and first-time creation are seen.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.credDir, 0o700); err != nil {
		return fmt.Errorf("watcher: create credential directory: %w", err)
	}
	if errAdd := w.watcher.Add(w.credDir); errAdd != nil {
		log.Errorf("failed to watch credential directory %s: %v", w.credDir, errAdd)
		return fmt.Errorf("watcher: %w", errAdd)
	}
	log.Debugf("watching credential directory: %s", w.credDir)

	if w.opts.ConfigPath != "" {
		if errAdd := w.watcher.Add(w.opts.ConfigPath); errAdd != nil {
			log.Warnf("failed to watch config file %s: %v", w.opts.ConfigPath, errAdd)
		} else {
			w.primeConfigHash()
			log.Debugf("watching config file: %s", w.opts.ConfigPath)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.processEvents(runCtx, w.done)
	return nil
}

// Stop stops the event loop and any pending debounce timers.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.watcher.Close()
	if w.done != nil {
		<-w.done
	}
	w.mu.Lock()
	if w.credTimer != nil {
		w.credTimer.Stop()
		w.credTimer = nil
	}
	w.mu.Unlock()
	w.stopConfigReloadTimer()
	return err
}
