package compiler

import (
	"context"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/pulse/dataset"
	"github.com/teranos/hubjobs/pulse/jobsteps"
	"github.com/teranos/hubjobs/pulse/steps"
)

// ExportToFilesCompiler exports a space version to files.
//
//	plain space:     [CountSpace, ExportToFiles]
//	extended space:  [CountSpace, parallel(<base space export>, ExportToFiles)]
type ExportToFilesCompiler struct {
	catalog  SpaceCatalog
	versions *VersionResolver
	deps     *jobsteps.Deps
}

// NewExportToFilesCompiler creates the space->files compiler
func NewExportToFilesCompiler(c SpaceCatalog, deps *jobsteps.Deps) *ExportToFilesCompiler {
	return &ExportToFilesCompiler{catalog: c, versions: NewVersionResolver(c), deps: deps}
}

func (c *ExportToFilesCompiler) Name() string             { return "ExportToFiles" }
func (c *ExportToFilesCompiler) Tag() string              { return "space->files" }
func (c *ExportToFilesCompiler) FormatConstraint() string { return "" }

func (c *ExportToFilesCompiler) Compile(ctx context.Context, req *Request) (*steps.Graph, error) {
	return c.build(ctx, req.Source.ID, req.Source.Version, req.Target, make(map[string]bool))
}

func (c *ExportToFilesCompiler) build(ctx context.Context, spaceID string, ref dataset.VersionRef, target dataset.Description, visiting map[string]bool) (*steps.Graph, error) {
	if visiting[spaceID] {
		return nil, errors.NewInvalidRequestError("space %s is part of an extension cycle", spaceID)
	}
	visiting[spaceID] = true

	space, err := c.catalog.Get(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	version, err := c.versions.resolveIn(ctx, space, ref)
	if err != nil {
		return nil, err
	}

	count := jobsteps.NewCountSpace(c.deps, space.ID, space.Database, version)
	export := jobsteps.NewExportToFiles(c.deps, space.ID, space.Database, version, target.Settings, space.ByteSizeEstimate)
	if space.Extends == "" {
		return steps.NewSequential(count, export), nil
	}

	// The base layer is exported at its own HEAD
	base, err := c.build(ctx, space.Extends, dataset.Head, target, visiting)
	if err != nil {
		return nil, errors.Wrapf(err, "base of %s", space.ID)
	}
	return steps.NewSequential(count, steps.NewParallel(base, export)), nil
}
