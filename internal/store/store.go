// Package store provides remote sync backends for the credential. Each backend keeps the local
// credential file as its mirror so readers and the file watcher never depend on the network.
package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/displaything/desktopthing/internal/credential"
	log "github.com/sirupsen/logrus"
)

// Backend is a credential store that syncs to a remote system.
type Backend interface {
	credential.Store
	Path() string
	Fingerprint() string
	// Bootstrap reconciles the remote copy with the local mirror.
	Bootstrap(ctx context.Context) error
	Close() error
}

// Kind names a sync backend.
type Kind string

const (
	KindLocal    Kind = "local"
	KindPostgres Kind = "postgres"
	KindGit      Kind = "git"
	KindObject   Kind = "object"
)

const bootstrapTimeout = 30 * time.Second

// EnvConfig is the backend selection read from the environment.
type EnvConfig struct {
	Kind     Kind
	Postgres PostgresStoreConfig
	Git      GitStoreConfig
	Object   ObjectStoreConfig
}

// ConfigFromEnv selects a backend. Postgres wins over git, git over object storage; with none
// configured the local file is used alone.
func ConfigFromEnv() EnvConfig {
	var cfg EnvConfig
	cfg.Kind = KindLocal

	if value, ok := lookupEnv("OBJECTSTORE_ENDPOINT", "objectstore_endpoint"); ok {
		cfg.Kind = KindObject
		cfg.Object.Endpoint = value
		cfg.Object.AccessKey, _ = lookupEnv("OBJECTSTORE_ACCESS_KEY", "objectstore_access_key")
		cfg.Object.SecretKey, _ = lookupEnv("OBJECTSTORE_SECRET_KEY", "objectstore_secret_key")
		cfg.Object.Bucket, _ = lookupEnv("OBJECTSTORE_BUCKET", "objectstore_bucket")
		cfg.Object.Region, _ = lookupEnv("OBJECTSTORE_REGION", "objectstore_region")
		cfg.Object.Prefix, _ = lookupEnv("OBJECTSTORE_PREFIX", "objectstore_prefix")
		cfg.Object.Profile, _ = lookupEnv("OBJECTSTORE_PROFILE", "objectstore_profile")
		cfg.Object.UseSSL = envBool("OBJECTSTORE_USE_SSL", true)
		cfg.Object.PathStyle = envBool("OBJECTSTORE_PATH_STYLE", false)
	}
	if value, ok := lookupEnv("GITSTORE_GIT_URL", "gitstore_git_url"); ok {
		cfg.Kind = KindGit
		cfg.Git.Remote = value
		cfg.Git.Username, _ = lookupEnv("GITSTORE_GIT_USERNAME", "gitstore_git_username")
		cfg.Git.Password, _ = lookupEnv("GITSTORE_GIT_TOKEN", "gitstore_git_token")
		cfg.Git.RepoDir, _ = lookupEnv("GITSTORE_LOCAL_PATH", "gitstore_local_path")
	}
	if value, ok := lookupEnv("PGSTORE_DSN", "pgstore_dsn"); ok {
		cfg.Kind = KindPostgres
		cfg.Postgres.DSN = value
		cfg.Postgres.Schema, _ = lookupEnv("PGSTORE_SCHEMA", "pgstore_schema")
		cfg.Postgres.Table, _ = lookupEnv("PGSTORE_TABLE", "pgstore_table")
		cfg.Postgres.RecordID, _ = lookupEnv("PGSTORE_RECORD_ID", "pgstore_record_id")
	}
	return cfg
}

// Open builds and bootstraps the configured backend around local. For KindLocal it returns
// (nil, nil) and callers use local directly.
func Open(ctx context.Context, cfg EnvConfig, local *credential.FileStore) (Backend, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Kind {
	case KindLocal, "":
		return nil, nil
	case KindPostgres:
		pingCtx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
		backend, err = NewPostgresStore(pingCtx, cfg.Postgres, local)
		cancel()
	case KindGit:
		backend, err = NewGitStore(cfg.Git, local)
	case KindObject:
		backend, err = NewObjectStore(cfg.Object, local)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	bootCtx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()
	if err = backend.Bootstrap(bootCtx); err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("store: bootstrap %s backend: %w", cfg.Kind, err)
	}
	log.Infof("credential sync enabled (%s)", cfg.Kind)
	return backend, nil
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

func envBool(key string, def bool) bool {
	value, ok := lookupEnv(key, strings.ToLower(key))
	if !ok {
		return def
	}
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
