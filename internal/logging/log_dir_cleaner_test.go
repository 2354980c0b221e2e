package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var sweepNow = time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)

func newTestCleaner(dir string, maxBytes int64, maxAge time.Duration) *logDirCleaner {
	return &logDirCleaner{
		dir:      dir,
		active:   filepath.Join(dir, activeLogName),
		maxBytes: maxBytes,
		maxAge:   maxAge,
		now:      func() time.Time { return sweepNow },
	}
}

func TestSweepRemovesExpiredBackupsButKeepsActiveLog(t *testing.T) {
	dir := t.TempDir()
	writeLogFile(t, filepath.Join(dir, activeLogName), 10, sweepNow.Add(-30*24*time.Hour))
	writeLogFile(t, filepath.Join(dir, "desktop-2026-02-01T10-00-00.000.log.gz"), 10, sweepNow.Add(-20*24*time.Hour))
	writeLogFile(t, filepath.Join(dir, "desktop-2026-03-18T10-00-00.000.log.gz"), 10, sweepNow.Add(-2*24*time.Hour))
	writeLogFile(t, filepath.Join(dir, "credentials.json"), 10, sweepNow.Add(-90*24*time.Hour))

	removed, err := newTestCleaner(dir, 0, 14*24*time.Hour).sweep()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed file, got %d", removed)
	}
	assertExists(t, filepath.Join(dir, activeLogName), true)
	assertExists(t, filepath.Join(dir, "desktop-2026-02-01T10-00-00.000.log.gz"), false)
	assertExists(t, filepath.Join(dir, "desktop-2026-03-18T10-00-00.000.log.gz"), true)
	assertExists(t, filepath.Join(dir, "credentials.json"), true)
}

func TestSweepEnforcesSizeOldestFirst(t *testing.T) {
	dir := t.TempDir()
	writeLogFile(t, filepath.Join(dir, "desktop-1.log.gz"), 60, sweepNow.Add(-3*time.Hour))
	writeLogFile(t, filepath.Join(dir, "desktop-2.log.gz"), 60, sweepNow.Add(-2*time.Hour))
	writeLogFile(t, filepath.Join(dir, activeLogName), 60, sweepNow.Add(-time.Hour))

	removed, err := newTestCleaner(dir, 120, 0).sweep()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed file, got %d", removed)
	}
	assertExists(t, filepath.Join(dir, "desktop-1.log.gz"), false)
	assertExists(t, filepath.Join(dir, "desktop-2.log.gz"), true)
}

func TestSweepNeverRemovesActiveLogForSize(t *testing.T) {
	dir := t.TempDir()
	writeLogFile(t, filepath.Join(dir, activeLogName), 200, sweepNow.Add(-48*time.Hour))
	writeLogFile(t, filepath.Join(dir, "desktop-1.log"), 50, sweepNow.Add(-time.Hour))

	removed, err := newTestCleaner(dir, 100, 0).sweep()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed file, got %d", removed)
	}
	assertExists(t, filepath.Join(dir, activeLogName), true)
	assertExists(t, filepath.Join(dir, "desktop-1.log"), false)
}

func TestSweepMissingDirectory(t *testing.T) {
	removed, err := newTestCleaner(filepath.Join(t.TempDir(), "absent"), 1, time.Hour).sweep()
	if err != nil || removed != 0 {
		t.Fatalf("expected no-op, got removed=%d err=%v", removed, err)
	}
}

func writeLogFile(t *testing.T, path string, size int, modTime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, size), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("set times: %v", err)
	}
}

func assertExists(t *testing.T, path string, want bool) {
	t.Helper()
	_, err := os.Stat(path)
	if got := err == nil; got != want {
		t.Fatalf("%s: exists=%v, want %v (err=%v)", filepath.Base(path), got, want, err)
	}
}
