// Package appversion reports what build of gopunch is running.
//
// Release builds stamp the variables below via ldflags:
//
//	-ldflags="-X github.com/dantte-lp/gopunch/internal/version.Version=v1.0.0
//	          -X github.com/dantte-lp/gopunch/internal/version.GitCommit=abc1234
//	          -X github.com/dantte-lp/gopunch/internal/version.BuildDate=2026-02-22T12:00:00Z"
//
// Plain `go build` binaries fall back to the VCS stamp the toolchain embeds,
// so `gopunchctl version` is never completely blank.
package appversion

import (
	"fmt"
	"runtime/debug"
)

// Version is the semantic version (e.g., "v0.1.0" or "dev").
var Version = "dev"

// GitCommit is the short git commit hash at build time.
var GitCommit = "unknown"

// BuildDate is the RFC 3339 build timestamp.
var BuildDate = "unknown"

// Short returns the one-line form, e.g. "gopunch v0.1.0 (abc1234)".
func Short(binary string) string {
	return fmt.Sprintf("%s %s (%s)", binary, Version, commit())
}

// Full returns a human-readable multi-line version string.
func Full(binary string) string {
	return fmt.Sprintf("%s %s\n  commit:  %s\n  built:   %s",
		binary, Version, commit(), buildDate())
}

// commit resolves the git commit: the ldflags value when stamped, otherwise
// the toolchain's embedded vcs.revision, truncated to the short form.
func commit() string {
	if GitCommit != "unknown" {
		return GitCommit
	}
	if rev, ok := vcsSetting("vcs.revision"); ok && len(rev) >= 7 {
		return rev[:7]
	}
	return GitCommit
}

// buildDate resolves the build timestamp, preferring ldflags over the
// toolchain's vcs.time.
func buildDate() string {
	if BuildDate != "unknown" {
		return BuildDate
	}
	if ts, ok := vcsSetting("vcs.time"); ok {
		return ts
	}
	return BuildDate
}

// vcsSetting reads one key from the binary's embedded build info.
func vcsSetting(key string) (string, bool) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", false
	}
	for _, s := range info.Settings {
		if s.Key == key && s.Value != "" {
			return s.Value, true
		}
	}
	return "", false
}
