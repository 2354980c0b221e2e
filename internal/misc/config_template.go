// Package misc holds small helpers shared by the binaries.
package misc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// ErrConfigExists is returned by CopyConfigTemplate when dst is already present.
var ErrConfigExists = errors.New("misc: config file already exists")

// CopyConfigTemplate seeds dst from the template at src. An existing dst is never
// overwritten.
func CopyConfigTemplate(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("misc: open config template: %w", err)
	}
	defer func() {
		if errClose := in.Close(); errClose != nil {
			log.WithError(errClose).Warn("failed to close config template")
		}
	}()

	if err = os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return fmt.Errorf("misc: create config dir: %w", err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrConfigExists
		}
		return fmt.Errorf("misc: create config file: %w", err)
	}
	defer func() {
		if errClose := out.Close(); errClose != nil {
			log.WithError(errClose).Warn("failed to close config file")
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return fmt.Errorf("misc: write config file: %w", err)
	}
	return out.Sync()
}
