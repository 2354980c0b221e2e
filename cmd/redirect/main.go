// Package main provides the entry point for the authorization redirect service. It starts
// the provider's authorization-code flow and hands the resulting tokens back to the desktop
// companion through its private URL scheme.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/displaything/desktopthing/internal/buildinfo"
	"github.com/displaything/desktopthing/internal/config"
	"github.com/displaything/desktopthing/internal/logging"
	"github.com/displaything/desktopthing/internal/redirect"
	"github.com/displaything/desktopthing/internal/util"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	var envFile string
	flag.StringVar(&envFile, "env", "", "Path to a .env file (defaults to ./.env)")
	flag.Parse()

	if envFile == "" {
		if wd, err := os.Getwd(); err == nil {
			envFile = filepath.Join(wd, ".env")
		}
	}
	if envFile != "" {
		if errLoad := godotenv.Load(envFile); errLoad != nil && !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	cfg, err := config.LoadRedirectConfig()
	if err != nil {
		log.Errorf("failed to load redirect config: %v", err)
		os.Exit(1)
	}

	// The redirect service logs to stdout; file logging is a desktop concern.
	logCfg := &config.Config{Debug: cfg.Debug}
	if err = logging.ConfigureLogOutput(logCfg); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		os.Exit(1)
	}
	util.SetLogLevel(logCfg)
	log.Info(buildinfo.Summary("DisplayThing redirect"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []redirect.ServerOption
	if cfg.RedisURL != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		guard, errGuard := redirect.NewRedisReplayGuard(pingCtx, cfg.RedisURL)
		cancel()
		if errGuard != nil {
			log.Errorf("failed to connect state store: %v", errGuard)
			os.Exit(1)
		}
		opts = append(opts, redirect.WithReplayGuard(guard))
		log.Info("shared state replay guard enabled")
	}

	server, err := redirect.NewServer(cfg, opts...)
	if err != nil {
		log.Errorf("failed to create redirect service: %v", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err = <-errCh:
		if err != nil {
			log.Errorf("redirect service failed: %v", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
	}

	log.Info("shutting down redirect service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err = server.Stop(shutdownCtx); err != nil {
		log.Errorf("redirect service shutdown: %v", err)
	}
	if err = <-errCh; err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
