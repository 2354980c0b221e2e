// Package cmd holds the run modes shared by the binaries.
package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/displaything/desktopthing/internal/config"
	"github.com/displaything/desktopthing/internal/credential"
	"github.com/displaything/desktopthing/internal/desktop"
	"github.com/displaything/desktopthing/internal/store"
	"github.com/displaything/desktopthing/internal/util"
	"github.com/displaything/desktopthing/internal/watcher"
	log "github.com/sirupsen/logrus"
)

// OpenCredentialStore returns the local credential file, wrapped by the sync backend selected
// through the environment when one is configured.
func OpenCredentialStore(ctx context.Context, cfg *config.Config) (watcher.CredentialSource, error) {
	dataDir, err := util.ResolveDataDir(cfg)
	if err != nil {
		return nil, err
	}
	local := credential.NewFileStore(dataDir)
	backend, err := store.Open(ctx, store.ConfigFromEnv(), local)
	if err != nil {
		return nil, err
	}
	if backend == nil {
		log.Debugf("credential file: %s", local.Path())
		return local, nil
	}
	return backend, nil
}

// StartDesktop runs the desktop companion until SIGINT or SIGTERM. It returns the process
// exit code. noBrowser is the command-line override and survives config reloads.
func StartDesktop(cfg *config.Config, configPath string, args []string, noBrowser bool) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := desktop.NewBuilder().
		WithConfig(cfg).
		WithConfigPath(configPath).
		WithArgs(args).
		WithNoBrowser(noBrowser).
		WithStoreFactory(func(ctx context.Context) (watcher.CredentialSource, error) {
			return OpenCredentialStore(ctx, cfg)
		}).
		Build()
	if err != nil {
		log.Errorf("failed to build desktop service: %v", err)
		return 1
	}

	if err = svc.Run(ctx); err != nil {
		if errors.Is(err, desktop.ErrAlreadyRunning) {
			return 0
		}
		log.Errorf("desktop service stopped with error: %v", err)
		return 1
	}
	log.Info("desktop service stopped")
	return 0
}
