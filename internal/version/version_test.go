package version

import (
	"runtime/debug"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	stamped := Info{Version: "v1.2.0", GitSHA: "abc123", BuildTime: "2026-01-02T03:04:05Z"}
	unstamped := Info{Version: "dev", GitSHA: "unknown", BuildTime: "unknown"}
	vcs := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-03-04T05:06:07Z"},
			{Key: "vcs.modified", Value: "true"},
		}}, true
	}
	none := func() (*debug.BuildInfo, bool) { return nil, false }

	tests := []struct {
		name string
		in   Info
		read func() (*debug.BuildInfo, bool)
		want Info
	}{
		{"no build info", unstamped, none, unstamped},
		{"stamped wins", stamped, vcs, Info{Version: "v1.2.0", GitSHA: "abc123", BuildTime: "2026-01-02T03:04:05Z", Modified: true}},
		{"vcs fills gaps", unstamped, vcs, Info{Version: "dev", GitSHA: "0123456789ab", BuildTime: "2026-03-04T05:06:07Z", Modified: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolve(tt.in, tt.read))
		})
	}
}

func TestString(t *testing.T) {
	assert.True(t, strings.HasPrefix(String(), "covariates "+Version+" (git "))
}
