// Package version holds build-time version information for the quiesce
// binary, injected via -ldflags.
package version

// Build-time variables, overridden by the release build.
var (
	// Version is the semantic version of the build.
	Version = "dev"

	// Commit is the Git commit the binary was built from.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)
