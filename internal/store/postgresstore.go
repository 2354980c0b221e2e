package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/displaything/desktopthing/internal/credential"
	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"
)

const (
	defaultCredentialTable = "credential_store"
	defaultRecordID        = "default"
)

// PostgresStoreConfig captures configuration required to initialize a Postgres-backed store.
type PostgresStoreConfig struct {
	DSN    string
	Schema string
	Table  string
	// RecordID selects the row holding this installation's credential.
	RecordID string
}

// PostgresStore keeps the credential in PostgreSQL while mirroring it to the local file so the
// watcher and offline starts keep working.
type PostgresStore struct {
	*credential.FileStore
	db  *sql.DB
	cfg PostgresStoreConfig
}

// NewPostgresStore establishes a connection to PostgreSQL around the local mirror.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig, local *credential.FileStore) (*PostgresStore, error) {
	trimmedDSN := strings.TrimSpace(cfg.DSN)
	if trimmedDSN == "" {
		return nil, fmt.Errorf("postgres store: DSN is required")
	}
	if local == nil {
		return nil, fmt.Errorf("postgres store: local mirror is required")
	}
	cfg.DSN = trimmedDSN
	if strings.TrimSpace(cfg.Table) == "" {
		cfg.Table = defaultCredentialTable
	}
	if strings.TrimSpace(cfg.RecordID) == "" {
		cfg.RecordID = defaultRecordID
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open database connection: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping database: %w", err)
	}
	return &PostgresStore{FileStore: local, db: db, cfg: cfg}, nil
}

// Close releases the underlying database connection.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSchema creates the credential table (and schema when provided).
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store: not initialized")
	}
	if schema := strings.TrimSpace(s.cfg.Schema); schema != "" {
		query := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdentifier(schema))
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("postgres store: create schema: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, s.fullTableName())); err != nil {
		return fmt.Errorf("postgres store: create credential table: %w", err)
	}
	return nil
}

// Bootstrap pulls the stored row into the local file. When the database has no row yet, the
// local credential (if any) seeds it.
func (s *PostgresStore) Bootstrap(ctx context.Context) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf("SELECT content FROM %s WHERE id = $1", s.fullTableName())
	var content string
	err := s.db.QueryRowContext(ctx, query, s.cfg.RecordID).Scan(&content)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		local, errRead := s.ReadRaw()
		if errRead != nil {
			return fmt.Errorf("postgres store: %w", errRead)
		}
		if len(local) == 0 {
			return nil
		}
		log.Debug("postgres store: seeding database from local credential")
		return s.persist(ctx, local)
	case err != nil:
		return fmt.Errorf("postgres store: load credential from database: %w", err)
	default:
		if err = s.WriteRaw([]byte(content)); err != nil {
			log.WithError(err).Warn("postgres store: ignoring unreadable database record")
		}
		return nil
	}
}

// Save writes the local mirror first, then upserts the row.
func (s *PostgresStore) Save(ctx context.Context, c *credential.Credential) error {
	raw, err := credential.Marshal(c)
	if err != nil {
		return err
	}
	if err = s.WriteRaw(raw); err != nil {
		return err
	}
	return s.persist(ctx, raw)
}

func (s *PostgresStore) persist(ctx context.Context, data []byte) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, content, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (id)
		DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()
	`, s.fullTableName())
	if _, err := s.db.ExecContext(ctx, query, s.cfg.RecordID, json.RawMessage(data)); err != nil {
		return fmt.Errorf("postgres store: upsert credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) fullTableName() string {
	return qualifiedName(s.cfg.Schema, s.cfg.Table)
}

func qualifiedName(schema, table string) string {
	if strings.TrimSpace(schema) == "" {
		return quoteIdentifier(table)
	}
	return quoteIdentifier(schema) + "." + quoteIdentifier(table)
}

func quoteIdentifier(identifier string) string {
	replaced := strings.ReplaceAll(identifier, "\"", "\"\"")
	return "\"" + replaced + "\""
}
