package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoString(t *testing.T) {
	info := Info{CommitHash: "0123456789abcdef", BuildTime: "2026-03-01", Version: "v1.2.0"}
	assert.Equal(t, "0123456", info.Short())
	assert.Equal(t, "hubjobs v1.2.0 (commit 0123456, built 2026-03-01)", info.String())

	info.Modified = true
	assert.Contains(t, info.String(), "commit 0123456-dirty")

	assert.Equal(t, "abc", Info{CommitHash: "abc"}.Short())
}

func TestFromBuildSettings(t *testing.T) {
	settings := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "feedbeefcafe"},
		{Key: "vcs.time", Value: "2026-03-01T10:00:00Z"},
		{Key: "vcs.modified", Value: "true"},
	}

	var info Info
	info.fromBuildSettings(settings)
	assert.Equal(t, Info{CommitHash: "feedbeefcafe", BuildTime: "2026-03-01T10:00:00Z", Modified: true}, info)

	stamped := Info{CommitHash: "0123456789", BuildTime: "release"}
	stamped.fromBuildSettings(settings)
	assert.Equal(t, "0123456789", stamped.CommitHash, "ldflags win over the VCS stamp")
	assert.Equal(t, "release", stamped.BuildTime)
}

func TestGet(t *testing.T) {
	info := Get()
	assert.NotEmpty(t, info.GoVersion)
	assert.NotEmpty(t, info.CommitHash)
	assert.NotEmpty(t, info.BuildTime)
}
