package misc

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCopyConfigTemplateSeedsMissingFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "config.example.yaml")
	dst := filepath.Join(dir, "nested", "config.yaml")
	if err := os.WriteFile(src, []byte("debug: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := CopyConfigTemplate(src, dst); err != nil {
		t.Fatalf("copy: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil || string(got) != "debug: true\n" {
		t.Fatalf("unexpected content %q (%v)", got, err)
	}
}

func TestCopyConfigTemplateKeepsExistingFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "config.example.yaml")
	dst := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(src, []byte("debug: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, []byte("debug: false\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := CopyConfigTemplate(src, dst); !errors.Is(err, ErrConfigExists) {
		t.Fatalf("expected ErrConfigExists, got %v", err)
	}
	if got, _ := os.ReadFile(dst); string(got) != "debug: false\n" {
		t.Fatalf("existing config overwritten: %q", got)
	}
}
