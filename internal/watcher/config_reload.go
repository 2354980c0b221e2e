// config_reload.go implements debounced configuration hot reload. Only settings that are safe
// to change at runtime take effect; the rest are reported and applied on next start.
package watcher

import (
	"os"
	"time"

	"github.com/displaything/desktopthing/internal/config"
	"github.com/displaything/desktopthing/internal/credential"
	"github.com/displaything/desktopthing/internal/util"
	log "github.com/sirupsen/logrus"
)

func (w *Watcher) stopConfigReloadTimer() {
	w.configReloadMu.Lock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
		w.configReloadTimer = nil
	}
	w.configReloadMu.Unlock()
}

func (w *Watcher) scheduleConfigReload() {
	w.configReloadMu.Lock()
	defer w.configReloadMu.Unlock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
	}
	w.configReloadTimer = time.AfterFunc(configReloadDebounce, func() {
		w.configReloadMu.Lock()
		w.configReloadTimer = nil
		w.configReloadMu.Unlock()
		w.reloadConfigIfChanged()
	})
}

func (w *Watcher) primeConfigHash() {
	if data, err := os.ReadFile(w.opts.ConfigPath); err == nil {
		w.mu.Lock()
		w.configHash = credential.Fingerprint(data)
		w.mu.Unlock()
	}
}

func (w *Watcher) reloadConfigIfChanged() {
	data, err := os.ReadFile(w.opts.ConfigPath)
	if err != nil {
		log.Errorf("failed to read config file for hash check: %v", err)
		return
	}
	if len(data) == 0 {
		log.Debugf("ignoring empty config file write event")
		return
	}
	newHash := credential.Fingerprint(data)
	w.mu.Lock()
	currentHash := w.configHash
	w.mu.Unlock()
	if currentHash != "" && currentHash == newHash {
		log.Debugf("config file content unchanged (hash match), skipping reload")
		return
	}
	log.Infof("config file changed, reloading: %s", w.opts.ConfigPath)
	if w.reloadConfig() {
		w.mu.Lock()
		w.configHash = newHash
		w.mu.Unlock()
	}
}

func (w *Watcher) reloadConfig() bool {
	newConfig, errLoad := config.LoadConfig(w.opts.ConfigPath)
	if errLoad != nil {
		log.Errorf("failed to reload config: %v", errLoad)
		return false
	}

	w.mu.Lock()
	oldConfig := w.config
	w.config = newConfig
	w.mu.Unlock()

	util.SetLogLevel(newConfig)
	if oldConfig != nil {
		if oldConfig.Debug != newConfig.Debug {
			log.Debugf("log level updated - debug mode changed from %t to %t", oldConfig.Debug, newConfig.Debug)
		}
		for _, d := range restartRequired(oldConfig, newConfig) {
			log.Warnf("config change to %s takes effect after restart", d)
		}
	}
	if w.opts.ReloadCallback != nil {
		w.opts.ReloadCallback(newConfig)
	}
	return true
}

// restartRequired lists changed settings that are bound at startup.
func restartRequired(oldCfg, newCfg *config.Config) []string {
	var changed []string
	if oldCfg.IPCAddr() != newCfg.IPCAddr() {
		changed = append(changed, "ipc")
	}
	if oldCfg.DataDir != newCfg.DataDir {
		changed = append(changed, "data-dir")
	}
	if oldCfg.URLScheme != newCfg.URLScheme {
		changed = append(changed, "url-scheme")
	}
	if oldCfg.Spotify != newCfg.Spotify {
		changed = append(changed, "spotify")
	}
	return changed
}
