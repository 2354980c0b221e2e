//go:build windows

package instance

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/windows/registry"
)

// RegisterURLScheme writes HKCU\Software\Classes\<name> so the shell launches this executable
// with the URL as its last argument.
func (g *Guard) RegisterURLScheme(name string) error {
	exe, err := g.executable()
	if err != nil {
		return fmt.Errorf("instance: resolve executable: %w", err)
	}
	base := `Software\Classes\` + name
	key, _, err := registry.CreateKey(registry.CURRENT_USER, base, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("instance: create scheme key: %w", err)
	}
	defer func() { _ = key.Close() }()
	if err = key.SetStringValue("", "URL:"+name); err != nil {
		return fmt.Errorf("instance: set scheme description: %w", err)
	}
	if err = key.SetStringValue("URL Protocol", ""); err != nil {
		return fmt.Errorf("instance: mark url protocol: %w", err)
	}

	cmdKey, _, err := registry.CreateKey(registry.CURRENT_USER, base+`\shell\open\command`, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("instance: create command key: %w", err)
	}
	defer func() { _ = cmdKey.Close() }()
	if err = cmdKey.SetStringValue("", fmt.Sprintf(`"%s" "%%1"`, exe)); err != nil {
		return fmt.Errorf("instance: set command: %w", err)
	}
	log.Debugf("instance: registered %s:// handler", name)
	return nil
}
