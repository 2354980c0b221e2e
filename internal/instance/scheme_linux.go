//go:build linux

package instance

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// RegisterURLScheme writes a desktop entry that claims x-scheme-handler/<name> and makes it
// the default handler through xdg-mime.
func (g *Guard) RegisterURLScheme(name string) error {
	exe, err := g.executable()
	if err != nil {
		return fmt.Errorf("instance: resolve executable: %w", err)
	}
	dataHome := strings.TrimSpace(os.Getenv("XDG_DATA_HOME"))
	if dataHome == "" {
		home, errHome := os.UserHomeDir()
		if errHome != nil {
			return fmt.Errorf("instance: resolve home: %w", errHome)
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	desktopFile := name + "-url-handler.desktop"
	path := filepath.Join(dataHome, "applications", desktopFile)
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("instance: create applications dir: %w", err)
	}
	if err = os.WriteFile(path, []byte(desktopEntry(name, exe)), 0o644); err != nil {
		return fmt.Errorf("instance: write desktop entry: %w", err)
	}
	if _, errLook := exec.LookPath("xdg-mime"); errLook != nil {
		log.Debugf("instance: xdg-mime not found, %s written but not set as default", path)
		return nil
	}
	if out, errRun := exec.Command("xdg-mime", "default", desktopFile, "x-scheme-handler/"+name).CombinedOutput(); errRun != nil {
		return fmt.Errorf("instance: xdg-mime default: %w: %s", errRun, strings.TrimSpace(string(out)))
	}
	log.Debugf("instance: registered %s:// handler", name)
	return nil
}

func desktopEntry(name, exe string) string {
	return fmt.Sprintf(`[Desktop Entry]
Type=Application
Name=%s
Exec="%s" %%u
Terminal=false
NoDisplay=true
MimeType=x-scheme-handler/%s;
`, name, exe, name)
}
