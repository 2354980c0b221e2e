package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/displaything/desktopthing/internal/credential"
	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/config"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/plumbing/transport"
	"github.com/go-git/go-git/v6/plumbing/transport/http"
	log "github.com/sirupsen/logrus"
)

// gcInterval defines minimum time between garbage collection runs.
const gcInterval = 5 * time.Minute

// GitStoreConfig captures the remote repository settings.
type GitStoreConfig struct {
	Remote   string
	Username string
	Password string
	// RepoDir is the local working tree. Defaults to <local dir>/gitstore.
	RepoDir string
}

// GitStore commits the credential to a git repository and force-pushes a single squashed
// commit, so the remote never accumulates old tokens.
type GitStore struct {
	*credential.FileStore
	mu      sync.Mutex
	cfg     GitStoreConfig
	repoDir string
	lastGC  time.Time
}

// NewGitStore creates a git-backed store around the local mirror.
func NewGitStore(cfg GitStoreConfig, local *credential.FileStore) (*GitStore, error) {
	cfg.Remote = strings.TrimSpace(cfg.Remote)
	if cfg.Remote == "" {
		return nil, fmt.Errorf("git store: remote not configured")
	}
	if local == nil {
		return nil, fmt.Errorf("git store: local mirror is required")
	}
	repoDir := strings.TrimSpace(cfg.RepoDir)
	if repoDir == "" {
		repoDir = filepath.Join(filepath.Dir(local.Path()), "gitstore")
	}
	if abs, err := filepath.Abs(repoDir); err == nil {
		repoDir = abs
	}
	return &GitStore{FileStore: local, cfg: cfg, repoDir: repoDir}, nil
}

// Close is a no-op; nothing stays open between commits.
func (s *GitStore) Close() error { return nil }

// Bootstrap clones or pulls the repository and pulls the committed credential into the local
// file. When the repository has none, the local credential is committed.
func (s *GitStore) Bootstrap(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureRepositoryLocked(ctx); err != nil {
		return err
	}
	repoFile := s.repoFile()
	data, err := os.ReadFile(repoFile)
	switch {
	case err == nil && len(data) > 0:
		if errWrite := s.WriteRaw(data); errWrite != nil {
			log.WithError(errWrite).Warn("git store: ignoring unreadable committed credential")
		}
		return nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("git store: read committed credential: %w", err)
	}
	local, errRead := s.ReadRaw()
	if errRead != nil {
		return fmt.Errorf("git store: %w", errRead)
	}
	if len(local) == 0 {
		return nil
	}
	log.Debug("git store: seeding repository from local credential")
	return s.commitCredentialLocked(ctx, local)
}

// Save writes the local mirror first, then commits and pushes.
func (s *GitStore) Save(ctx context.Context, c *credential.Credential) error {
	raw, err := credential.Marshal(c)
	if err != nil {
		return err
	}
	if err = s.WriteRaw(raw); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, errStat := os.Stat(filepath.Join(s.repoDir, ".git")); errStat != nil {
		if err = s.ensureRepositoryLocked(ctx); err != nil {
			return err
		}
	}
	return s.commitCredentialLocked(ctx, raw)
}

func (s *GitStore) repoFile() string {
	return filepath.Join(s.repoDir, credential.FileName)
}

func (s *GitStore) commitCredentialLocked(ctx context.Context, raw []byte) error {
	repoFile := s.repoFile()
	if existing, err := os.ReadFile(repoFile); err == nil && jsonEqual(existing, raw) {
		return nil
	}
	if err := os.WriteFile(repoFile, raw, 0o600); err != nil {
		return fmt.Errorf("git store: write credential: %w", err)
	}
	return s.commitAndPushLocked(ctx, "Update credential", credential.FileName)
}

func (s *GitStore) ensureRepositoryLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gitDir := filepath.Join(s.repoDir, ".git")
	authMethod := s.gitAuth()
	if _, err := os.Stat(gitDir); errors.Is(err, fs.ErrNotExist) {
		if errMk := os.MkdirAll(s.repoDir, 0o700); errMk != nil {
			return fmt.Errorf("git store: create repo dir: %w", errMk)
		}
		_, errClone := git.PlainClone(s.repoDir, &git.CloneOptions{Auth: authMethod, URL: s.cfg.Remote})
		if errClone == nil {
			return nil
		}
		if !errors.Is(errClone, transport.ErrEmptyRemoteRepository) {
			return fmt.Errorf("git store: clone remote: %w", errClone)
		}
		_ = os.RemoveAll(gitDir)
		repo, errInit := git.PlainInit(s.repoDir, false)
		if errInit != nil {
			return fmt.Errorf("git store: init empty repo: %w", errInit)
		}
		if _, errCreate := repo.CreateRemote(&config.RemoteConfig{
			Name: "origin",
			URLs: []string{s.cfg.Remote},
		}); errCreate != nil && !errors.Is(errCreate, git.ErrRemoteExists) {
			return fmt.Errorf("git store: configure remote: %w", errCreate)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("git store: stat repo: %w", err)
	}

	repo, errOpen := git.PlainOpen(s.repoDir)
	if errOpen != nil {
		return fmt.Errorf("git store: open repo: %w", errOpen)
	}
	worktree, errWorktree := repo.Worktree()
	if errWorktree != nil {
		return fmt.Errorf("git store: worktree: %w", errWorktree)
	}
	if errPull := worktree.Pull(&git.PullOptions{Auth: authMethod, RemoteName: "origin"}); errPull != nil {
		switch {
		case errors.Is(errPull, git.NoErrAlreadyUpToDate),
			errors.Is(errPull, git.ErrUnstagedChanges),
			errors.Is(errPull, git.ErrNonFastForwardUpdate):
			// Local state wins; the next Save force-pushes it.
		case errors.Is(errPull, transport.ErrAuthenticationRequired),
			errors.Is(errPull, plumbing.ErrReferenceNotFound),
			errors.Is(errPull, transport.ErrEmptyRemoteRepository):
		default:
			return fmt.Errorf("git store: pull: %w", errPull)
		}
	}
	return nil
}

func (s *GitStore) gitAuth() transport.AuthMethod {
	if s.cfg.Username == "" && s.cfg.Password == "" {
		return nil
	}
	user := s.cfg.Username
	if user == "" {
		user = "git"
	}
	return &http.BasicAuth{Username: user, Password: s.cfg.Password}
}

func (s *GitStore) commitAndPushLocked(ctx context.Context, message string, relPaths ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	repo, err := git.PlainOpen(s.repoDir)
	if err != nil {
		return fmt.Errorf("git store: open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("git store: worktree: %w", err)
	}
	for _, rel := range relPaths {
		if _, err = worktree.Add(rel); err != nil {
			return fmt.Errorf("git store: add %s: %w", rel, err)
		}
	}
	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("git store: status: %w", err)
	}
	if status.IsClean() {
		return nil
	}
	signature := &object.Signature{
		Name:  "displaything",
		Email: "displaything@local",
		When:  time.Now(),
	}
	commitHash, err := worktree.Commit(message, &git.CommitOptions{Author: signature})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return nil
		}
		return fmt.Errorf("git store: commit: %w", err)
	}
	headRef, errHead := repo.Head()
	if errHead != nil {
		if !errors.Is(errHead, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("git store: get head: %w", errHead)
		}
	} else if errRewrite := rewriteHeadAsSingleCommit(repo, headRef.Name(), commitHash, message, signature); errRewrite != nil {
		return errRewrite
	}
	s.maybeRunGC(repo)
	if err = repo.Push(&git.PushOptions{Auth: s.gitAuth(), Force: true}); err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		return fmt.Errorf("git store: push: %w", err)
	}
	return nil
}

// rewriteHeadAsSingleCommit points branch at a parentless copy of commitHash.
func rewriteHeadAsSingleCommit(repo *git.Repository, branch plumbing.ReferenceName, commitHash plumbing.Hash, message string, signature *object.Signature) error {
	commitObj, err := repo.CommitObject(commitHash)
	if err != nil {
		return fmt.Errorf("git store: inspect head commit: %w", err)
	}
	squashed := &object.Commit{
		Author:       *signature,
		Committer:    *signature,
		Message:      message,
		TreeHash:     commitObj.TreeHash,
		ParentHashes: nil,
		Encoding:     commitObj.Encoding,
		ExtraHeaders: commitObj.ExtraHeaders,
	}
	mem := &plumbing.MemoryObject{}
	mem.SetType(plumbing.CommitObject)
	if err = squashed.Encode(mem); err != nil {
		return fmt.Errorf("git store: encode squashed commit: %w", err)
	}
	newHash, err := repo.Storer.SetEncodedObject(mem)
	if err != nil {
		return fmt.Errorf("git store: write squashed commit: %w", err)
	}
	if err = repo.Storer.SetReference(plumbing.NewHashReference(branch, newHash)); err != nil {
		return fmt.Errorf("git store: update branch reference: %w", err)
	}
	return nil
}

func (s *GitStore) maybeRunGC(repo *git.Repository) {
	now := time.Now()
	if now.Sub(s.lastGC) < gcInterval {
		return
	}
	s.lastGC = now
	pruneOpts := git.PruneOptions{
		OnlyObjectsOlderThan: now,
		Handler:              repo.DeleteObject,
	}
	if err := repo.Prune(pruneOpts); err != nil && !errors.Is(err, git.ErrLooseObjectsNotSupported) {
		return
	}
	_ = repo.RepackObjects(&git.RepackConfig{})
}

// jsonEqual compares two JSON documents structurally.
func jsonEqual(a, b []byte) bool {
	var objA, objB any
	if err := json.Unmarshal(a, &objA); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &objB); err != nil {
		return false
	}
	return deepEqualJSON(objA, objB)
}

func deepEqualJSON(a, b any) bool {
	switch valA := a.(type) {
	case map[string]any:
		valB, ok := b.(map[string]any)
		if !ok || len(valA) != len(valB) {
			return false
		}
		for key, subA := range valA {
			subB, ok1 := valB[key]
			if !ok1 || !deepEqualJSON(subA, subB) {
				return false
			}
		}
		return true
	case []any:
		sliceB, ok := b.([]any)
		if !ok || len(valA) != len(sliceB) {
			return false
		}
		for i := range valA {
			if !deepEqualJSON(valA[i], sliceB[i]) {
				return false
			}
		}
		return true
	case float64:
		valB, ok := b.(float64)
		return ok && valA == valB
	case string:
		valB, ok := b.(string)
		return ok && valA == valB
	case bool:
		valB, ok := b.(bool)
		return ok && valA == valB
	case nil:
		return b == nil
	default:
		return false
	}
}
