// Package version holds build information stamped in with -ldflags, falling
// back to the VCS settings the Go toolchain embeds.
package version

import (
	"fmt"
	"runtime/debug"
)

var (
	// Version is the release tag, set with -X at link time.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// Info is the resolved build information.
type Info struct {
	Version   string `json:"version"`
	GitSHA    string `json:"git_sha"`
	BuildTime string `json:"build_time"`
	Modified  bool   `json:"modified,omitempty"`
}

// Get returns the stamped values, filling unstamped ones from the embedded
// build info when it has them.
func Get() Info {
	return resolve(Info{Version: Version, GitSHA: GitSHA, BuildTime: BuildTime}, debug.ReadBuildInfo)
}

func resolve(info Info, read func() (*debug.BuildInfo, bool)) Info {
	bi, ok := read()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.GitSHA == "unknown" {
				info.GitSHA = s.Value
				if len(info.GitSHA) > 12 {
					info.GitSHA = info.GitSHA[:12]
				}
			}
		case "vcs.time":
			if info.BuildTime == "unknown" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

// String formats the build information on one line.
func String() string {
	info := Get()
	s := fmt.Sprintf("covariates %s (git %s, built %s)", info.Version, info.GitSHA, info.BuildTime)
	if info.Modified {
		s += " modified"
	}
	return s
}
