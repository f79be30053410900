// Package version holds the build-time identity reported by
// daemon.status and mabd's startup log line.
package version

// Version is the module's release version. Overridden at build time via
// -ldflags "-X github.com/steveyegge/mabd/internal/version.Version=...".
var Version = "0.1.0"
