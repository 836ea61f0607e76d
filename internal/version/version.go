// Package version exposes the build identity stamped into release binaries.
package version

// Set at build time via -ldflags "-X mrideface/internal/version.Version=..."
var (
	// Version is the semantic version of this build
	Version = "0.1.0"

	// BuildTime is the UTC timestamp of the build
	BuildTime = "unknown"

	// GitCommit is the short git commit hash
	GitCommit = "unknown"
)
