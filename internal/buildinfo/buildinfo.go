// Package buildinfo exposes compile-time metadata shared by the desktop and redirect binaries.
package buildinfo

import "fmt"

// Overridden via ldflags during release builds.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// Summary formats the metadata for startup logs and -version output.
func Summary(name string) string {
	return fmt.Sprintf("%s Version: %s, Commit: %s, BuiltAt: %s", name, Version, Commit, BuildDate)
}
