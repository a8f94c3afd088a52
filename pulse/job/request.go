package job

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/pulse/dataset"
)

// Request is a job submission as read from a request file
type Request struct {
	Description string              `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Source      dataset.Description `json:"source" yaml:"source" toml:"source"`
	Target      dataset.Description `json:"target" yaml:"target" toml:"target"`
}

// DecodeRequest parses a request file; the format follows the file extension
// (.json, .yaml, .yml or .toml). Unknown fields are rejected.
func DecodeRequest(name string, data []byte) (*Request, error) {
	var req Request
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".json", "":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "parse %s", name), errors.ErrInvalidRequest)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&req); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "parse %s", name), errors.ErrInvalidRequest)
		}
	case ".toml":
		md, err := toml.Decode(string(data), &req)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "parse %s", name), errors.ErrInvalidRequest)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, errors.NewInvalidRequestError("%s: unknown field %s", name, undecoded[0])
		}
	default:
		return nil, errors.NewInvalidRequestError("unsupported request file extension %q", ext)
	}
	return &req, nil
}
