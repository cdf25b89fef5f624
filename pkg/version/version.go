package version

import (
	"fmt"
	"runtime"
)

var (
	// These values are set at build time via -ldflags
	Version   = "dev"     // Version is the semantic version (e.g., v1.2.0)
	GitCommit = "unknown" // GitCommit is the git commit hash
	BuildDate = "unknown" // BuildDate is when the binary was built
)

// GetVersion returns the version string
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	return fmt.Sprintf("dev-%s", GitCommit)
}

// GetShortVersion returns a concise version string for display
func GetShortVersion() string {
	version := GetVersion()
	if GitCommit != "unknown" && len(GitCommit) >= 7 {
		return fmt.Sprintf("%s (%s)", version, GitCommit[:7])
	}
	return version
}

// GetLongVersion returns detailed version information for the version
// command output
func GetLongVersion() string {
	var output string
	output += fmt.Sprintf("forgegraph version %s\n", GetShortVersion())
	if BuildDate != "unknown" {
		output += fmt.Sprintf("Built: %s\n", BuildDate)
	}
	if GitCommit != "unknown" {
		output += fmt.Sprintf("Commit: %s\n", GitCommit)
	}
	output += fmt.Sprintf("Go: %s\n", runtime.Version())
	output += fmt.Sprintf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	return output
}
