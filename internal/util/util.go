// Package util provides utility functions for the DisplayThing processes.
// It includes helper functions for logging configuration, file system paths,
// outbound proxy setup and log masking.
package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/displaything/desktopthing/internal/config"
	log "github.com/sirupsen/logrus"
)

// SetLogLevel configures the logrus log level based on the configuration.
// It sets the log level to DebugLevel if debug mode is enabled, otherwise to InfoLevel.
func SetLogLevel(cfg *config.Config) {
	SetDebug(cfg != nil && cfg.Debug)
}

// SetDebug switches logrus between DebugLevel and InfoLevel.
func SetDebug(debug bool) {
	currentLevel := log.GetLevel()
	newLevel := log.InfoLevel
	if debug {
		newLevel = log.DebugLevel
	}
	if currentLevel != newLevel {
		log.SetLevel(newLevel)
		log.Infof("log level changed from %s to %s (debug=%t)", currentLevel, newLevel, debug)
	}
}

// ExpandPath normalizes a directory path for consistent reuse throughout the app.
// It expands a leading tilde (~) to the user's home directory and returns a cleaned path.
func ExpandPath(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve path: %w", err)
		}
		remainder := strings.TrimPrefix(dir, "~")
		remainder = strings.TrimLeft(remainder, "/\\")
		if remainder == "" {
			return filepath.Clean(home), nil
		}
		normalized := strings.ReplaceAll(remainder, "\\", "/")
		return filepath.Clean(filepath.Join(home, filepath.FromSlash(normalized))), nil
	}
	return filepath.Clean(dir), nil
}

// ResolveDataDir returns the directory holding persisted state. An explicit data-dir wins,
// then WRITABLE_PATH, then the per-user config directory.
func ResolveDataDir(cfg *config.Config) (string, error) {
	if cfg != nil && strings.TrimSpace(cfg.DataDir) != "" {
		return ExpandPath(strings.TrimSpace(cfg.DataDir))
	}
	if base := WritablePath(); base != "" {
		return filepath.Join(base, "data"), nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve data dir: %w", err)
	}
	appID := config.DefaultAppID
	if cfg != nil && cfg.AppID != "" {
		appID = cfg.AppID
	}
	return filepath.Join(base, appID), nil
}

// RuntimeDir returns the directory for the instance lock and activation socket.
func RuntimeDir() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); dir != "" {
		return filepath.Clean(dir)
	}
	return os.TempDir()
}

// WritablePath returns the cleaned WRITABLE_PATH environment variable when it is set.
// It accepts both uppercase and lowercase variants for compatibility with existing conventions.
func WritablePath() string {
	for _, key := range []string{"WRITABLE_PATH", "writable_path"} {
		if value, ok := os.LookupEnv(key); ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				return filepath.Clean(trimmed)
			}
		}
	}
	return ""
}
