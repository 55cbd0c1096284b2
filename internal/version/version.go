// Package version carries build metadata stamped in with -ldflags.
package version

import "fmt"

var (
	// Version is the navigation release, e.g. "v0.3.1".
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build metadata for logs and run summaries.
func String() string {
	return fmt.Sprintf("%s (%s, built %s)", Version, GitSHA, BuildTime)
}
