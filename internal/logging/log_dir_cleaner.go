package logging

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/displaything/desktopthing/internal/config"
	log "github.com/sirupsen/logrus"
)

const logDirSweepInterval = time.Minute

var cleanerCancel context.CancelFunc

// logDirCleaner keeps the desktop log directory bounded. Rotated files older than maxAge go
// first, then the oldest files until the directory fits in maxBytes. The active log file is
// never removed.
type logDirCleaner struct {
	dir      string
	active   string
	maxBytes int64
	maxAge   time.Duration
	now      func() time.Time
}

type logFile struct {
	path    string
	size    int64
	modTime time.Time
}

// StartLogDirCleaner starts the background sweep for the desktop log directory, replacing a
// running one. It does nothing unless logging to file with a size or age limit. The desktop
// service calls it once it holds the instance lock, so a launch that only forwards its deep
// link never deletes files.
func StartLogDirCleaner(cfg *config.Config) {
	writerMu.Lock()
	defer writerMu.Unlock()
	stopLogDirCleanerLocked()

	if cfg == nil || !cfg.LoggingToFile {
		return
	}
	c := newLogDirCleaner(cfg)
	if c.maxBytes <= 0 && c.maxAge <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	cleanerCancel = cancel
	go c.run(ctx)
}

// StopLogDirCleaner stops the background sweep.
func StopLogDirCleaner() {
	writerMu.Lock()
	defer writerMu.Unlock()
	stopLogDirCleanerLocked()
}

func stopLogDirCleanerLocked() {
	if cleanerCancel != nil {
		cleanerCancel()
		cleanerCancel = nil
	}
}

func newLogDirCleaner(cfg *config.Config) *logDirCleaner {
	dir := filepath.Clean(ResolveLogDirectory(cfg))
	c := &logDirCleaner{
		dir:    dir,
		active: filepath.Join(dir, activeLogName),
		now:    time.Now,
	}
	if cfg.LogsMaxTotalSizeMB > 0 {
		c.maxBytes = int64(cfg.LogsMaxTotalSizeMB) << 20
	}
	if cfg.LogsMaxAgeDays > 0 {
		c.maxAge = time.Duration(cfg.LogsMaxAgeDays) * 24 * time.Hour
	}
	return c
}

func (c *logDirCleaner) run(ctx context.Context) {
	ticker := time.NewTicker(logDirSweepInterval)
	defer ticker.Stop()
	for {
		removed, err := c.sweep()
		if err != nil {
			log.WithError(err).Warn("logging: log directory sweep failed")
		} else if removed > 0 {
			log.Debugf("logging: removed %d old log file(s) from %s", removed, c.dir)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sweep applies the age limit and then the size limit, returning how many files were removed.
func (c *logDirCleaner) sweep() (int, error) {
	files, err := c.list()
	if err != nil || len(files) == 0 {
		return 0, err
	}
	// Oldest first.
	slices.SortFunc(files, func(a, b logFile) int { return a.modTime.Compare(b.modTime) })

	var total int64
	for _, f := range files {
		total += f.size
	}

	removed := 0
	kept := files[:0]
	cutoff := c.now().Add(-c.maxAge)
	for _, f := range files {
		if c.maxAge > 0 && f.path != c.active && f.modTime.Before(cutoff) {
			if c.remove(f) {
				total -= f.size
				removed++
				continue
			}
		}
		kept = append(kept, f)
	}

	for _, f := range kept {
		if c.maxBytes <= 0 || total <= c.maxBytes {
			break
		}
		if f.path == c.active {
			continue
		}
		if c.remove(f) {
			total -= f.size
			removed++
		}
	}
	return removed, nil
}

func (c *logDirCleaner) list() ([]logFile, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []logFile
	for _, entry := range entries {
		if entry.IsDir() || !isLogFileName(entry.Name()) {
			continue
		}
		info, errInfo := entry.Info()
		if errInfo != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, logFile{
			path:    filepath.Join(c.dir, entry.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	return files, nil
}

func (c *logDirCleaner) remove(f logFile) bool {
	if err := os.Remove(f.path); err != nil {
		log.WithError(err).Warnf("logging: remove old log file %s", filepath.Base(f.path))
		return false
	}
	return true
}

// isLogFileName matches the active log and lumberjack backups, compressed or not.
func isLogFileName(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".log") || strings.HasSuffix(lower, ".log.gz")
}
