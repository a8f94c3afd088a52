package dataset

import (
	"encoding/json"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/teranos/hubjobs/errors"
)

func TestParseVersionRef(t *testing.T) {
	tests := []struct {
		in       string
		str      string
		resolved bool
		isRange  bool
	}{
		{"", "HEAD", false, false},
		{"HEAD", "HEAD", false, false},
		{"head~3", "HEAD~3", false, false},
		{"42", "42", true, false},
		{"release-1", "release-1", false, false},
		{"3..7", "3..7", true, true},
		{"release-1..HEAD", "release-1..HEAD", false, true},
		{"HEAD~2..HEAD", "HEAD~2..HEAD", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ref, err := ParseVersionRef(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.str, ref.String())
			assert.Equal(t, tt.resolved, ref.IsResolved())
			assert.Equal(t, tt.isRange, ref.IsRange())
		})
	}
}

func TestParseVersionRefInvalid(t *testing.T) {
	for _, in := range []string{"HEAD~x", "HEAD~-1", "-4", "a b", "1..HEAD~y"} {
		_, err := ParseVersionRef(in)
		assert.True(t, errors.IsInvalidRequestError(err), "input %q", in)
	}
}

func TestResolvedBounds(t *testing.T) {
	start, end := Resolved(3, 7).Bounds()
	assert.Equal(t, int64(3), start)
	assert.Equal(t, int64(7), end)
	assert.False(t, Resolved(5, 5).IsRange())
	assert.Equal(t, Version(5), Resolved(5, 5))
}

func TestVersionRefDecoding(t *testing.T) {
	var fromJSON struct {
		A VersionRef `json:"a"`
		B VersionRef `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 12, "b": "HEAD~1"}`), &fromJSON))
	assert.Equal(t, "12", fromJSON.A.String())
	assert.Equal(t, "HEAD~1", fromJSON.B.String())

	var fromYAML struct {
		A VersionRef `yaml:"a"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 3..9\n"), &fromYAML))
	assert.Equal(t, "3..9", fromYAML.A.String())

	var fromTOML struct {
		A VersionRef `toml:"a"`
	}
	_, err := toml.Decode(`a = "release-2"`, &fromTOML)
	require.NoError(t, err)
	assert.Equal(t, "release-2", fromTOML.A.String())

	out, err := json.Marshal(Space("roads", MustParseVersionRef("HEAD~2")))
	require.NoError(t, err)
	assert.Contains(t, string(out), `"version":"HEAD~2"`)
}

func TestDescriptionValidate(t *testing.T) {
	assert.NoError(t, Space("roads", Head).Validate())
	assert.NoError(t, Files("geojson", "1.2.0").Validate())
	assert.NoError(t, Index().Validate())

	assert.Error(t, Space("", Head).Validate())
	assert.Error(t, Description{Kind: KindFiles}.Validate())
	assert.Error(t, Files("csv", "not-a-version").Validate())
	assert.Error(t, Description{}.Validate())
	assert.Error(t, Description{Kind: "stream"}.Validate())

	bad := Files("csv", "")
	bad.Settings.Partitioning = "tiles"
	assert.Error(t, bad.Validate())
}

func TestTag(t *testing.T) {
	assert.Equal(t, "space->files", Tag(Space("a", Head), Files("csv", "")))
	assert.Equal(t, "space->index", Tag(Space("a", Head), Index()))
}

func TestFormatSemVerDefault(t *testing.T) {
	v, err := Format{Type: "csv"}.SemVer()
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v.String())
}
