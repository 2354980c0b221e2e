//go:build !linux && !windows

package instance

import log "github.com/sirupsen/logrus"

// RegisterURLScheme is a no-op: on macOS the scheme is claimed by CFBundleURLTypes in the
// application bundle's Info.plist.
func (g *Guard) RegisterURLScheme(name string) error {
	log.Debugf("instance: %s:// is registered through the application bundle", name)
	return nil
}
