package credential

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// FileName is the credential file name inside the data directory.
const FileName = "credentials.json"

// FileStore persists the credential as a JSON file. Writes go through a temp file and rename
// so readers never observe a partial record.
type FileStore struct {
	mu   sync.Mutex
	path string
	// fingerprint is the content hash of the last record written or read by this store.
	fingerprint string
}

// NewFileStore creates a store backed by <dir>/credentials.json.
func NewFileStore(dir string) *FileStore {
	return &FileStore{path: filepath.Join(strings.TrimSpace(dir), FileName)}
}

// Path returns the credential file path.
func (s *FileStore) Path() string {
	return s.path
}

// Fingerprint returns the hash of the content last seen by the store.
func (s *FileStore) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprint
}

// Load reads the credential file. A missing file yields (nil, nil).
func (s *FileStore) Load(_ context.Context) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.fingerprint = ""
			return nil, nil
		}
		return nil, fmt.Errorf("credential filestore: read failed: %w", err)
	}
	s.fingerprint = Fingerprint(data)
	c, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("credential filestore: %w", err)
	}
	return c, nil
}

// Save writes the credential, replacing any previous record.
func (s *FileStore) Save(_ context.Context, c *Credential) error {
	raw, err := Marshal(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(raw)
}

// WriteRaw replaces the file with an already encoded record. Sync backends use it to mirror
// remote content locally.
func (s *FileStore) WriteRaw(raw []byte) error {
	if _, err := Unmarshal(raw); err != nil {
		return fmt.Errorf("credential filestore: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(raw)
}

// ReadRaw returns the encoded record, or nil when the file does not exist.
func (s *FileStore) ReadRaw() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("credential filestore: read failed: %w", err)
	}
	return data, nil
}

func (s *FileStore) writeLocked(raw []byte) error {
	if existing, errRead := os.ReadFile(s.path); errRead == nil && bytes.Equal(existing, raw) {
		s.fingerprint = Fingerprint(raw)
		return nil
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("credential filestore: create dir failed: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("credential filestore: create temp failed: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if _, errStat := os.Stat(tmpName); errStat == nil {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err = tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("credential filestore: write temp failed: %w", err)
	}
	if err = tmp.Chmod(0o600); err != nil {
		log.Debugf("credential filestore: chmod temp failed: %v", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("credential filestore: sync temp failed: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("credential filestore: close temp failed: %w", err)
	}
	// Fingerprint before the rename so a watcher event racing the rename sees our hash.
	s.fingerprint = Fingerprint(raw)
	if err = os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("credential filestore: rename failed: %w", err)
	}
	log.Debugf("credential saved to %s", filepath.Clean(s.path))
	return nil
}

// Fingerprint hashes credential file content.
func Fingerprint(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
