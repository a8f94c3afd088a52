package compiler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/hubjobs/am"
	"github.com/teranos/hubjobs/errors"
	hubtest "github.com/teranos/hubjobs/internal/testing"
	"github.com/teranos/hubjobs/pulse/catalog"
	"github.com/teranos/hubjobs/pulse/dataset"
	"github.com/teranos/hubjobs/pulse/jobsteps"
	"github.com/teranos/hubjobs/pulse/resources"
	"github.com/teranos/hubjobs/pulse/steps"
)

const gib = 1 << 30

func setup(t *testing.T) (*catalog.Store, *jobsteps.Deps, *Registry) {
	t.Helper()
	store := catalog.NewStore(hubtest.CreateMigratedTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, catalog.SpaceInfo{
		ID: "base", Database: "hub", HeadVersion: 4,
		SearchableProperties: []string{"name"}, ByteSizeEstimate: 4 * gib,
	}))
	require.NoError(t, store.Put(ctx, catalog.SpaceInfo{
		ID: "roads", Database: "hub", HeadVersion: 10, Extends: "base",
		SearchableProperties: []string{"name", "class"}, ByteSizeEstimate: 8 * gib,
	}))
	require.NoError(t, store.Put(ctx, catalog.SpaceInfo{ID: "empty", Database: "hub", HeadVersion: 1}))
	require.NoError(t, store.Tag(ctx, "roads", "release", 7))

	deps := &jobsteps.Deps{
		Resources: resources.NewCatalog(8, 0.6, resources.StaticSource{
			{Name: "hub", Role: am.RoleWriter, ACUs: 100, DSN: "file::memory:"},
		}, time.Minute, nil),
	}
	return store, deps, NewDefaultRegistry(store, deps, "hub-scripts")
}

func exportRequest(space, version string) *Request {
	return &Request{
		JobID:  "job-1",
		Source: dataset.Space(space, dataset.MustParseVersionRef(version)),
		Target: dataset.Files("geojson", "1.0.0"),
	}
}

func TestVersionResolver(t *testing.T) {
	store, _, _ := setup(t)
	r := NewVersionResolver(store)
	ctx := context.Background()

	tests := []struct {
		ref  string
		want string
	}{
		{"HEAD", "10"},
		{"HEAD~3", "7"},
		{"HEAD~30", "0"},
		{"5", "5"},
		{"release", "7"},
		{"release..HEAD", "7..10"},
		{"3..3", "3"},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := r.Resolve(ctx, "roads", dataset.MustParseVersionRef(tt.ref))
			require.NoError(t, err)
			assert.True(t, got.IsResolved())
			assert.Equal(t, tt.want, got.String())
		})
	}

	_, err := r.Resolve(ctx, "roads", dataset.MustParseVersionRef("nightly"))
	assert.True(t, errors.IsNotFoundError(err))
	assert.Contains(t, errors.FlattenHints(err), "nightly")

	_, err = r.Resolve(ctx, "roads", dataset.MustParseVersionRef("HEAD..release"))
	assert.True(t, errors.IsInvalidRequestError(err), "reversed ranges are rejected")

	_, err = r.Resolve(ctx, "missing", dataset.Head)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestVersionResolverChecksConcreteVersions(t *testing.T) {
	store, _, _ := setup(t)
	r := NewVersionResolver(store)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "missing", dataset.MustParseVersionRef("5"))
	assert.True(t, errors.IsNotFoundError(err), "concrete versions still need a known space")

	_, err = r.Resolve(ctx, "roads", dataset.MustParseVersionRef("99"))
	assert.True(t, errors.IsInvalidRequestError(err), "version past HEAD")

	_, err = r.Resolve(ctx, "roads", dataset.MustParseVersionRef("9..3"))
	assert.True(t, errors.IsInvalidRequestError(err), "reversed numeric range")
}

func TestCompileExportOfPlainSpace(t *testing.T) {
	_, _, reg := setup(t)
	graph, err := Compile(context.Background(), reg, exportRequest("base", "HEAD~1"))
	require.NoError(t, err)

	assert.False(t, graph.Parallel)
	all := graph.Steps()
	require.Len(t, all, 2)
	count, ok := all[0].(*jobsteps.CountSpace)
	require.True(t, ok)
	assert.Equal(t, "3", count.Version.String())
	export, ok := all[1].(*jobsteps.ExportToFiles)
	require.True(t, ok)
	assert.Equal(t, "job-1", export.JobID())
	assert.Equal(t, int64(4*gib), export.Bytes)

	// Count gates the export
	assert.Equal(t, []steps.Step{count}, graph.Predecessors(export.ID()))
}

func TestCompileExportOfExtendedSpace(t *testing.T) {
	_, _, reg := setup(t)
	graph, err := Compile(context.Background(), reg, exportRequest("roads", "release"))
	require.NoError(t, err)

	children := graph.Children()
	require.Len(t, children, 2)
	_, isCount := children[0].(*jobsteps.CountSpace)
	assert.True(t, isCount)
	parallel, ok := children[1].(*steps.Graph)
	require.True(t, ok)
	assert.True(t, parallel.Parallel)

	byPath := graph.Paths()
	all := graph.Steps()
	require.Len(t, all, 4)
	baseCount := all[1].(*jobsteps.CountSpace)
	assert.Equal(t, "base", baseCount.Space)
	assert.Equal(t, "4", baseCount.Version.String(), "base layers export at their HEAD")
	assert.Equal(t, "executions[1].executions[0].executions[0]", byPath[baseCount.ID()])
	extExport := all[3].(*jobsteps.ExportToFiles)
	assert.Equal(t, "roads", extExport.Space)
	assert.Equal(t, "7", extExport.Version.String())

	// Loads: ext count and base count are 1, exports run in parallel: 1 + 2 db units
	loads, err := graph.AggregatedLoads(context.Background())
	require.NoError(t, err)
	units := map[string]float64{}
	for _, l := range loads {
		units[l.ResourceID()] = l.Units()
	}
	assert.Equal(t, 3.0, units["db:hub"])
	assert.Equal(t, 16.0, units["io"])
}

func TestCompileExtensionCycle(t *testing.T) {
	store, _, reg := setup(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, catalog.SpaceInfo{ID: "a", Database: "hub", HeadVersion: 1, Extends: "b"}))
	require.NoError(t, store.Put(ctx, catalog.SpaceInfo{ID: "b", Database: "hub", HeadVersion: 1, Extends: "a"}))

	_, err := Compile(ctx, reg, exportRequest("a", "HEAD"))
	require.Error(t, err)
	assert.True(t, IsCompilationError(err))
	assert.Contains(t, err.Error(), "cycle")
}

func TestUnresolvableTagFailsBeforeAnyStep(t *testing.T) {
	_, _, reg := setup(t)
	graph, err := Compile(context.Background(), reg, exportRequest("roads", "no-such-tag"))
	require.Error(t, err)
	assert.Nil(t, graph)

	var ce *CompilationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "space->files", ce.Tag)
	assert.Equal(t, "ExportToFiles", ce.Compiler)
	assert.True(t, errors.IsNotFoundError(err))
	assert.False(t, steps.IsRetryable(err))
}

func TestCompileOnDemandIndex(t *testing.T) {
	_, _, reg := setup(t)
	ctx := context.Background()

	graph, err := Compile(ctx, reg, &Request{
		JobID:  "job-2",
		Source: dataset.Space("roads", dataset.Head),
		Target: dataset.Index(),
	})
	require.NoError(t, err)
	assert.True(t, graph.Parallel)
	require.Len(t, graph.Steps(), 2)
	assert.Equal(t, "name", graph.Steps()[0].(*jobsteps.CreateIndex).Property)

	graph, err = Compile(ctx, reg, &Request{Source: dataset.Space("roads", dataset.Head), Target: dataset.Index("class")})
	require.NoError(t, err)
	assert.Len(t, graph.Steps(), 1)

	_, err = Compile(ctx, reg, &Request{Source: dataset.Space("roads", dataset.Head), Target: dataset.Index("geometry")})
	assert.True(t, IsCompilationError(err))

	_, err = Compile(ctx, reg, &Request{Source: dataset.Space("empty", dataset.Head), Target: dataset.Index()})
	assert.True(t, IsCompilationError(err), "zero searchable properties")
}

func TestCompileEmrTransform(t *testing.T) {
	_, _, reg := setup(t)
	source := dataset.Files("csv", "1.0.0")
	source.InputSet = "uploads"
	target := dataset.Files("GeoParquet", "2.1.0")
	target.Settings.Compression = "snappy"

	graph, err := Compile(context.Background(), reg, &Request{JobID: "job-3", Source: source, Target: target})
	require.NoError(t, err)
	require.Len(t, graph.Steps(), 1)
	run := graph.Steps()[0].(*jobsteps.RunEmrJob)
	assert.Equal(t, "s3://hub-scripts/scripts/geoparquet.sh", run.Script)
	assert.Equal(t, []string{
		"--input=${inputSet:uploads}",
		"--output=${inputSet:" + run.ID() + ".transformed}",
		"--format=GeoParquet",
		"--format-version=2.1.0",
		"--compression=snappy",
	}, run.Params)
	assert.Equal(t, "uploads", run.InputSets()[0].Name)
}

func TestCompileEmrTransformReusingOutputs(t *testing.T) {
	_, _, reg := setup(t)
	source := dataset.Files("geojson", "")
	source.InputSet = "job-0:step-a.transformed"

	graph, err := Compile(context.Background(), reg, &Request{JobID: "job-4", Source: source, Target: dataset.Files("csv", "1.0.0")})
	require.NoError(t, err)
	all := graph.Steps()
	require.Len(t, all, 2)
	delegate := all[0].(*jobsteps.DelegateOutputs)
	assert.Equal(t, "job-0", delegate.SourceJob)
	run := all[1].(*jobsteps.RunEmrJob)
	assert.Equal(t, "--input=${inputSet:step-a.transformed}", run.Params[0])

	source.InputSet = "job-0:broken"
	_, err = Compile(context.Background(), reg, &Request{Source: source, Target: dataset.Files("csv", "1.0.0")})
	assert.True(t, IsCompilationError(err))
}

func TestRegistrySelection(t *testing.T) {
	_, _, reg := setup(t)

	c, err := reg.For(dataset.Files("csv", ""), dataset.Files("csv", "2.9.9"))
	require.NoError(t, err)
	assert.Equal(t, "EmrTransform", c.Name())

	_, err = reg.For(dataset.Files("csv", ""), dataset.Files("csv", "3.0.0"))
	assert.True(t, IsCompilationError(err), "format version outside the constraint")

	_, err = reg.For(dataset.Files("csv", ""), dataset.Space("s", dataset.Head))
	assert.True(t, IsCompilationError(err))
	assert.True(t, errors.IsInvalidRequestError(err))

	c, err = reg.For(dataset.Space("s", dataset.Head), dataset.Files("csv", "9.0.0"))
	require.NoError(t, err)
	assert.Equal(t, "ExportToFiles", c.Name(), "exports accept every format version")

	assert.Equal(t, []string{"EmrTransform", "ExportToFiles", "OnDemandIndex"}, reg.Names())
	assert.Panics(t, func() { reg.Register(NewOnDemandIndexCompiler(nil, nil)) })
}

func TestCompileRejectsInvalidDescriptions(t *testing.T) {
	_, _, reg := setup(t)
	_, err := Compile(context.Background(), reg, &Request{Source: dataset.Description{Kind: dataset.KindSpace}, Target: dataset.Files("csv", "")})
	require.Error(t, err)
	assert.True(t, IsCompilationError(err))
	assert.Contains(t, err.Error(), "source")
}
