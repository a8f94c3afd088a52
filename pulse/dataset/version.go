package dataset

import (
	"encoding/json"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/teranos/hubjobs/errors"
)

// PointKind is the kind of a single version reference
type PointKind int

const (
	PointHead PointKind = iota
	PointNumber
	PointTag
)

// Point is one end of a version reference: HEAD, HEAD~n, a number or a tag
type Point struct {
	Kind    PointKind
	Version int64  // PointNumber
	Tag     string // PointTag
	Offset  int64  // PointHead: HEAD~Offset
}

func (p Point) String() string {
	switch p.Kind {
	case PointNumber:
		return strconv.FormatInt(p.Version, 10)
	case PointTag:
		return p.Tag
	}
	if p.Offset > 0 {
		return "HEAD~" + strconv.FormatInt(p.Offset, 10)
	}
	return "HEAD"
}

func parsePoint(s string) (Point, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || strings.EqualFold(s, "HEAD"):
		return Point{Kind: PointHead}, nil
	case strings.HasPrefix(strings.ToUpper(s), "HEAD~"):
		n, err := strconv.ParseInt(s[len("HEAD~"):], 10, 64)
		if err != nil || n < 0 {
			return Point{}, errors.NewInvalidRequestError("invalid version offset %q", s)
		}
		return Point{Kind: PointHead, Offset: n}, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return Point{}, errors.NewInvalidRequestError("negative version %d", n)
		}
		return Point{Kind: PointNumber, Version: n}, nil
	}
	if strings.ContainsAny(s, " \t~") {
		return Point{}, errors.NewInvalidRequestError("invalid version tag %q", s)
	}
	return Point{Kind: PointTag, Tag: s}, nil
}

// VersionRef selects one version or a range a..b of a space.
// The zero value is HEAD.
type VersionRef struct {
	Start Point
	End   *Point
}

// Head is the HEAD reference
var Head = VersionRef{}

// ParseVersionRef parses HEAD, HEAD~n, <number>, <tag> or <ref>..<ref>
func ParseVersionRef(s string) (VersionRef, error) {
	if i := strings.Index(s, ".."); i >= 0 {
		start, err := parsePoint(s[:i])
		if err != nil {
			return VersionRef{}, err
		}
		end, err := parsePoint(s[i+2:])
		if err != nil {
			return VersionRef{}, err
		}
		return VersionRef{Start: start, End: &end}, nil
	}
	p, err := parsePoint(s)
	if err != nil {
		return VersionRef{}, err
	}
	return VersionRef{Start: p}, nil
}

// MustParseVersionRef is ParseVersionRef for literals
func MustParseVersionRef(s string) VersionRef {
	ref, err := ParseVersionRef(s)
	if err != nil {
		panic(err)
	}
	return ref
}

// Version is a resolved single version reference
func Version(n int64) VersionRef {
	return VersionRef{Start: Point{Kind: PointNumber, Version: n}}
}

// Resolved is the concrete reference for start..end, a single version when they are equal
func Resolved(start, end int64) VersionRef {
	if start == end {
		return Version(start)
	}
	e := Point{Kind: PointNumber, Version: end}
	return VersionRef{Start: Point{Kind: PointNumber, Version: start}, End: &e}
}

// IsRange reports whether the reference spans versions
func (v VersionRef) IsRange() bool {
	return v.End != nil
}

// IsResolved reports whether only concrete numbers remain
func (v VersionRef) IsResolved() bool {
	return v.Start.Kind == PointNumber && (v.End == nil || v.End.Kind == PointNumber)
}

// Bounds returns the first and last version of a resolved reference
func (v VersionRef) Bounds() (start, end int64) {
	start = v.Start.Version
	end = start
	if v.End != nil {
		end = v.End.Version
	}
	return start, end
}

func (v VersionRef) String() string {
	if v.End != nil {
		return v.Start.String() + ".." + v.End.String()
	}
	return v.Start.String()
}

func (v VersionRef) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *VersionRef) UnmarshalText(text []byte) error {
	ref, err := ParseVersionRef(string(text))
	if err != nil {
		return err
	}
	*v = ref
	return nil
}

// UnmarshalJSON accepts both "HEAD~1" and a bare number
func (v *VersionRef) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		return v.UnmarshalText([]byte(n.String()))
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "version must be a string or number")
	}
	return v.UnmarshalText([]byte(s))
}

// UnmarshalYAML accepts any scalar
func (v *VersionRef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return errors.Newf("line %d: version must be a scalar", node.Line)
	}
	return v.UnmarshalText([]byte(node.Value))
}

// UnmarshalTOML accepts a string or an integer
func (v *VersionRef) UnmarshalTOML(data interface{}) error {
	switch t := data.(type) {
	case string:
		return v.UnmarshalText([]byte(t))
	case int64:
		return v.UnmarshalText([]byte(strconv.FormatInt(t, 10)))
	default:
		return errors.Newf("version must be a string or integer, got %T", data)
	}
}
