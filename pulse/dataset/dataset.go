// Package dataset describes the sources and targets of jobs.
package dataset

import (
	"github.com/Masterminds/semver/v3"

	"github.com/teranos/hubjobs/errors"
)

// Kind selects the variant of a Description
type Kind string

const (
	KindSpace Kind = "space"
	KindFiles Kind = "files"
	KindIndex Kind = "index"
)

// Format of a files dataset, e.g. {geojson 1.0.0}
type Format struct {
	Type    string `json:"type" yaml:"type" toml:"type"`
	Version string `json:"version,omitempty" yaml:"version,omitempty" toml:"version,omitempty"`
}

// DefaultFormatVersion is assumed for formats that do not state a version
const DefaultFormatVersion = "1.0.0"

// SemVer parses the format version
func (f Format) SemVer() (*semver.Version, error) {
	v := f.Version
	if v == "" {
		v = DefaultFormatVersion
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return nil, errors.NewInvalidRequestError("format %s has invalid version %q", f.Type, v)
	}
	return parsed, nil
}

// Partitioning modes of files targets
const (
	PartitionNone = "none"
	PartitionID   = "id"
)

// FileSettings controls how files are written
type FileSettings struct {
	Partitioning  string `json:"partitioning,omitempty" yaml:"partitioning,omitempty" toml:"partitioning,omitempty"`
	Partitions    int    `json:"partitions,omitempty" yaml:"partitions,omitempty" toml:"partitions,omitempty"`
	Compression   string `json:"compression,omitempty" yaml:"compression,omitempty" toml:"compression,omitempty"`
	EntityPerLine string `json:"entityPerLine,omitempty" yaml:"entityPerLine,omitempty" toml:"entityPerLine,omitempty"`
}

// Description is a tagged union over the kinds of datasets.
//
//	space: ID, Version
//	files: Format, Settings, InputSet (the user input set holding the files when used as a source)
//	index: Properties (optional subset of the space's searchable properties)
type Description struct {
	Kind Kind `json:"kind" yaml:"kind" toml:"kind"`

	ID      string     `json:"id,omitempty" yaml:"id,omitempty" toml:"id,omitempty"`
	Version VersionRef `json:"version" yaml:"version,omitempty" toml:"version,omitempty"`

	Format   *Format      `json:"format,omitempty" yaml:"format,omitempty" toml:"format,omitempty"`
	Settings FileSettings `json:"settings" yaml:"settings,omitempty" toml:"settings,omitempty"`
	InputSet string       `json:"inputSet,omitempty" yaml:"inputSet,omitempty" toml:"inputSet,omitempty"`

	Properties []string `json:"properties,omitempty" yaml:"properties,omitempty" toml:"properties,omitempty"`
}

// Space describes a space at a version
func Space(id string, version VersionRef) Description {
	return Description{Kind: KindSpace, ID: id, Version: version}
}

// Files describes files of a format
func Files(formatType, version string) Description {
	return Description{Kind: KindFiles, Format: &Format{Type: formatType, Version: version}}
}

// Index describes on-demand indices of a space
func Index(properties ...string) Description {
	return Description{Kind: KindIndex, Properties: properties}
}

// Tag is the compiler selection key source->target, e.g. space->files
func Tag(source, target Description) string {
	return string(source.Kind) + "->" + string(target.Kind)
}

// Validate checks the fields required by the description's kind
func (d Description) Validate() error {
	switch d.Kind {
	case KindSpace:
		if d.ID == "" {
			return errors.NewInvalidRequestError("space description needs an id")
		}
	case KindFiles:
		if d.Format == nil || d.Format.Type == "" {
			return errors.NewInvalidRequestError("files description needs a format type")
		}
		if _, err := d.Format.SemVer(); err != nil {
			return err
		}
		switch d.Settings.Partitioning {
		case "", PartitionNone, PartitionID:
		default:
			return errors.NewInvalidRequestError("unknown partitioning %q", d.Settings.Partitioning)
		}
		if d.Settings.Partitions < 0 {
			return errors.NewInvalidRequestError("partitions must be >= 0")
		}
	case KindIndex:
	case "":
		return errors.NewInvalidRequestError("dataset description needs a kind")
	default:
		return errors.NewInvalidRequestError("unknown dataset kind %q", d.Kind)
	}
	return nil
}

func (d Description) String() string {
	switch d.Kind {
	case KindSpace:
		return "space:" + d.ID + "@" + d.Version.String()
	case KindFiles:
		if d.Format != nil {
			return "files:" + d.Format.Type
		}
	}
	return string(d.Kind)
}
