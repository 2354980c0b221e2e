// Package main provides the entry point for the DisplayThing desktop companion. The process
// owns sign-in and token refresh for the user's Spotify account, answers remote-control
// commands on a loopback IPC surface and receives the sign-in deep link.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/displaything/desktopthing/internal/buildinfo"
	"github.com/displaything/desktopthing/internal/cmd"
	"github.com/displaything/desktopthing/internal/config"
	"github.com/displaything/desktopthing/internal/logging"
	"github.com/displaything/desktopthing/internal/misc"
	"github.com/displaything/desktopthing/internal/util"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	var configPath string
	var noBrowser bool
	var showVersion bool

	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open browser automatically for sign-in")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.CommandLine.Usage = func() {
		out := flag.CommandLine.Output()
		_, _ = fmt.Fprintf(out, "Usage of %s [flags] [%s://...]\n", os.Args[0], config.DefaultURLScheme)
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Println(buildinfo.Summary("DisplayThing"))
		return
	}

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		os.Exit(1)
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	configFilePath := configPath
	if configFilePath == "" {
		configFilePath = filepath.Join(wd, "config.yaml")
		if _, errStat := os.Stat(configFilePath); errors.Is(errStat, os.ErrNotExist) {
			examplePath := filepath.Join(wd, "config.example.yaml")
			if _, errExample := os.Stat(examplePath); errExample == nil {
				if errCopy := misc.CopyConfigTemplate(examplePath, configFilePath); errCopy != nil {
					log.Warnf("failed to initialize config from template: %v", errCopy)
				} else {
					log.Infof("config initialized from template: %s", configFilePath)
				}
			}
		}
	}
	// An explicit -config must exist; the working-directory default is optional.
	cfg, err := config.LoadConfigOptional(configFilePath, configPath == "")
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		os.Exit(1)
	}
	if _, errStat := os.Stat(configFilePath); errStat != nil {
		configFilePath = ""
	}

	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		os.Exit(1)
	}
	log.Info(buildinfo.Summary("DisplayThing"))
	util.SetLogLevel(cfg)

	os.Exit(cmd.StartDesktop(cfg, configFilePath, os.Args, noBrowser))
}
