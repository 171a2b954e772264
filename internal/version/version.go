// Package version surfaces build provenance for diagnostics and for the
// User-Agent presented to the queue service.
package version

import (
	"fmt"
	"os"
)

// Set at build time via -ldflags, with env vars as the container-image
// fallback (BUILD_DATE and GIT_COMMIT are baked in by the image build).
var (
	BuildDate = ""
	GitCommit = ""
)

const (
	Major = 0
	Minor = 1
	Patch = 0
)

// BuildDateString returns the build date, or "unknown" when the binary
// carries no provenance.
func BuildDateString() string {
	if BuildDate != "" {
		return BuildDate
	}
	if v := os.Getenv("BUILD_DATE"); v != "" {
		return v
	}
	return "unknown"
}

// GitShortHash returns the short commit hash the binary was built from.
func GitShortHash() string {
	commit := GitCommit
	if commit == "" {
		commit = os.Getenv("GIT_COMMIT")
	}
	if commit == "" {
		return "unknown"
	}
	if len(commit) > 8 {
		commit = commit[:8]
	}
	return commit
}

// UserAgent builds the identification string sent on every queue-service
// request, e.g. "pdf-merge/2024-05-01-3fa9c2d1".
func UserAgent(service string) string {
	return fmt.Sprintf("%s/%s-%s", service, BuildDateString(), GitShortHash())
}
