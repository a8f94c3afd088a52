// Package compiler turns job requests into step graphs.
package compiler

import (
	"context"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/pulse/dataset"
	"github.com/teranos/hubjobs/pulse/jobsteps"
	"github.com/teranos/hubjobs/pulse/steps"
)

// Request is what a job asks for
type Request struct {
	JobID       string
	Description string
	Source      dataset.Description
	Target      dataset.Description
}

// Tag is the source->target key of the request
func (r *Request) Tag() string {
	return dataset.Tag(r.Source, r.Target)
}

// Compiler builds the graph for one kind of request
type Compiler interface {
	Name() string
	Tag() string

	// FormatConstraint limits the target format versions, "" accepts any
	FormatConstraint() string

	Compile(ctx context.Context, req *Request) (*steps.Graph, error)
}

// Compile selects a compiler for the request and builds its graph.
// Every failure is a *CompilationError and no graph is returned with it.
func Compile(ctx context.Context, registry *Registry, req *Request) (*steps.Graph, error) {
	tag := req.Tag()
	if err := req.Source.Validate(); err != nil {
		return nil, asCompilationError(tag, "", errors.Wrap(err, "source"))
	}
	if err := req.Target.Validate(); err != nil {
		return nil, asCompilationError(tag, "", errors.Wrap(err, "target"))
	}

	c, err := registry.For(req.Source, req.Target)
	if err != nil {
		return nil, err
	}

	graph, err := c.Compile(ctx, req)
	if err != nil {
		return nil, asCompilationError(tag, c.Name(), err)
	}
	if graph == nil || graph.IsEmpty() {
		return nil, asCompilationError(tag, c.Name(), errors.New("compiled graph has no steps"))
	}
	if err := graph.Validate(); err != nil {
		return nil, asCompilationError(tag, c.Name(), err)
	}
	if req.JobID != "" {
		graph.BindJob(req.JobID)
	}
	return graph, nil
}

// NewDefaultRegistry registers the compilers of all supported job kinds
func NewDefaultRegistry(c SpaceCatalog, deps *jobsteps.Deps, scriptBucket string) *Registry {
	return NewRegistry(
		NewExportToFilesCompiler(c, deps),
		NewOnDemandIndexCompiler(c, deps),
		NewEmrTransformCompiler(deps, scriptBucket),
	)
}
