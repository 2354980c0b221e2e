package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/displaything/desktopthing/internal/credential"
	"github.com/displaything/desktopthing/internal/notify"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

func (w *Watcher) processEvents(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	name := normalizePath(event.Name)
	if w.opts.ConfigPath != "" && name == normalizePath(w.opts.ConfigPath) {
		if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
			log.Debugf("config file event: %s", event.Op.String())
			w.scheduleConfigReload()
		}
		return
	}
	if name != normalizePath(w.opts.Store.Path()) {
		// Temp files from our own atomic writes and anything else in the directory.
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	log.Debugf("credential file event: %s", event.Op.String())
	w.scheduleCredentialCheck(ctx)
}

func (w *Watcher) scheduleCredentialCheck(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.credTimer != nil {
		w.credTimer.Stop()
	}
	w.credTimer = time.AfterFunc(credentialDebounce, func() {
		w.mu.Lock()
		w.credTimer = nil
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.checkCredential(ctx)
	})
}

// checkCredential compares the file against the store's own fingerprint. Only content the
// store did not produce is reloaded and announced.
func (w *Watcher) checkCredential(ctx context.Context) {
	path := w.opts.Store.Path()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		time.Sleep(replaceCheckDelay)
		data, err = os.ReadFile(path)
	}
	if errors.Is(err, os.ErrNotExist) {
		w.credentialRemoved()
		return
	}
	if err != nil {
		log.Warnf("watcher: read credential file: %v", err)
		return
	}
	w.mu.Lock()
	w.credGone = false
	w.mu.Unlock()

	if len(data) == 0 {
		log.Debug("watcher: ignoring empty credential write")
		return
	}
	if credential.Fingerprint(data) == w.opts.Store.Fingerprint() {
		log.Debug("watcher: credential unchanged (hash match), skipping reload")
		return
	}
	cred, err := w.opts.Store.Load(ctx)
	if err != nil {
		log.Warnf("watcher: reload credential: %v", err)
		return
	}
	if !cred.Valid() {
		log.WithField("source", notify.SourceWatcher).Warn("credential file changed but is incomplete, ignoring")
		return
	}
	log.WithFields(log.Fields{"source": notify.SourceWatcher, "user": cred.UserID}).Info("credential changed on disk, reloading")
	if w.opts.Publisher != nil {
		w.opts.Publisher.Publish(notify.Event{Type: notify.AuthSuccess, Source: notify.SourceWatcher})
	}
}

func (w *Watcher) credentialRemoved() {
	w.mu.Lock()
	already := w.credGone
	w.credGone = true
	w.mu.Unlock()
	if already {
		return
	}
	log.WithField("source", notify.SourceWatcher).Warnf("credential file removed: %s", filepath.Base(w.opts.Store.Path()))
	if w.opts.Schedule != nil {
		w.opts.Schedule.Cancel()
	}
}

func normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	cleaned := filepath.Clean(trimmed)
	if runtime.GOOS == "windows" {
		cleaned = strings.TrimPrefix(cleaned, `\\?\`)
		cleaned = strings.ToLower(cleaned)
	}
	return cleaned
}
