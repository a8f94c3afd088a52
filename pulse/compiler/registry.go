package compiler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/pulse/dataset"
)

// Registry holds the compilers by name
type Registry struct {
	mu        sync.RWMutex
	compilers map[string]Compiler
}

// NewRegistry creates a registry with the given compilers
func NewRegistry(compilers ...Compiler) *Registry {
	r := &Registry{compilers: make(map[string]Compiler)}
	for _, c := range compilers {
		r.Register(c)
	}
	return r
}

// Register adds a compiler. Panics on a duplicate name or an invalid format constraint.
func (r *Registry) Register(c Compiler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.compilers[c.Name()]; exists {
		panic(fmt.Sprintf("compiler %q already registered", c.Name()))
	}
	if fc := c.FormatConstraint(); fc != "" {
		if _, err := semver.NewConstraint(fc); err != nil {
			panic(fmt.Sprintf("compiler %q has invalid format constraint %q: %v", c.Name(), fc, err))
		}
	}
	r.compilers[c.Name()] = c
}

// Names lists the registered compilers in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.compilers))
	for name := range r.compilers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// For selects the compiler for source and target: first by tag, then by the
// target format version. An unsupported combination is a CompilationError.
func (r *Registry) For(source, target dataset.Description) (Compiler, error) {
	tag := dataset.Tag(source, target)

	var version *semver.Version
	if target.Format != nil {
		v, err := target.Format.SemVer()
		if err != nil {
			return nil, asCompilationError(tag, "", err)
		}
		version = v
	}

	sawTag := false
	for _, name := range r.Names() {
		r.mu.RLock()
		c := r.compilers[name]
		r.mu.RUnlock()
		if c.Tag() != tag {
			continue
		}
		sawTag = true
		if satisfies(c.FormatConstraint(), version) {
			return c, nil
		}
	}

	if sawTag {
		format := "without format"
		if target.Format != nil {
			format = target.Format.Type + " " + version.String()
		}
		return nil, asCompilationError(tag, "", errors.Newf("no compiler supports target %s", format))
	}
	return nil, asCompilationError(tag, "", errors.Wrapf(errors.ErrInvalidRequest, "unsupported job %s", tag))
}

func satisfies(constraint string, version *semver.Version) bool {
	if constraint == "" {
		return true
	}
	if version == nil {
		return false
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false
	}
	return c.Check(version)
}
