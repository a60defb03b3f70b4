// Package version reports the build's version and commit.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// These variables can be set at build time via ldflags:
//
//	go build -ldflags="-X github.com/muurk/zonelink/internal/version.Version=v1.2.3 \
//	                   -X github.com/muurk/zonelink/internal/version.Commit=abc123"
//
// Unset values are filled from the binary's VCS build info on first use.
var (
	Version = ""
	Commit  = ""
)

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

var (
	once sync.Once
	info Info
)

// Get returns the build info, resolving it once.
func Get() Info {
	once.Do(func() {
		info = resolve(Version, Commit, readSettings())
	})
	return info
}

// Full returns the version string including commit
func Full() string {
	i := Get()
	return fmt.Sprintf("%s (commit: %s)", i.Version, i.Commit)
}

func readSettings() map[string]string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	out := make(map[string]string, len(bi.Settings))
	for _, s := range bi.Settings {
		out[s.Key] = s.Value
	}
	return out
}

// resolve fills missing ldflags values from VCS settings
func resolve(version, commit string, vcs map[string]string) Info {
	if commit == "" {
		if rev := vcs["vcs.revision"]; rev != "" {
			commit = rev
			if len(commit) > 7 {
				commit = commit[:7]
			}
			if vcs["vcs.modified"] == "true" {
				commit += "-dirty"
			}
		}
	}

	// Build info carries no tags, so untagged builds are dated dev builds
	if version == "" {
		if t, err := time.Parse(time.RFC3339, vcs["vcs.time"]); err == nil {
			version = "dev-" + t.Format("20060102")
		} else {
			version = "dev"
		}
	}
	if commit == "" {
		commit = "unknown"
	}

	return Info{
		Version:   version,
		Commit:    commit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}
