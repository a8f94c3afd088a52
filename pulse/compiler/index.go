package compiler

import (
	"context"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/pulse/jobsteps"
	"github.com/teranos/hubjobs/pulse/steps"
)

// OnDemandIndexCompiler builds indices on searchable properties of a space, all in parallel
type OnDemandIndexCompiler struct {
	catalog  SpaceCatalog
	versions *VersionResolver
	deps     *jobsteps.Deps
}

// NewOnDemandIndexCompiler creates the space->index compiler
func NewOnDemandIndexCompiler(c SpaceCatalog, deps *jobsteps.Deps) *OnDemandIndexCompiler {
	return &OnDemandIndexCompiler{catalog: c, versions: NewVersionResolver(c), deps: deps}
}

func (c *OnDemandIndexCompiler) Name() string             { return "OnDemandIndex" }
func (c *OnDemandIndexCompiler) Tag() string              { return "space->index" }
func (c *OnDemandIndexCompiler) FormatConstraint() string { return "" }

func (c *OnDemandIndexCompiler) Compile(ctx context.Context, req *Request) (*steps.Graph, error) {
	space, err := c.catalog.Get(ctx, req.Source.ID)
	if err != nil {
		return nil, err
	}
	// Indices cover all versions, the reference must still be valid
	if _, err := c.versions.resolveIn(ctx, space, req.Source.Version); err != nil {
		return nil, err
	}

	searchable := make(map[string]bool, len(space.SearchableProperties))
	for _, p := range space.SearchableProperties {
		searchable[p] = true
	}
	properties := req.Target.Properties
	if len(properties) == 0 {
		properties = space.SearchableProperties
	}
	if len(properties) == 0 {
		return nil, errors.NewInvalidRequestError("space %s has no searchable properties", space.ID)
	}

	graph := steps.NewParallel()
	for _, p := range properties {
		if !searchable[p] {
			return nil, errors.NewInvalidRequestError("property %s of space %s is not searchable", p, space.ID)
		}
		graph.Add(jobsteps.NewCreateIndex(c.deps, space.ID, space.Database, p, space.ByteSizeEstimate))
	}
	return graph, nil
}
