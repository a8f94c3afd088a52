package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/hubjobs/am"
	"github.com/teranos/hubjobs/pulse/catalog"
	"github.com/teranos/hubjobs/pulse/dataset"
	"github.com/teranos/hubjobs/pulse/job"
	"github.com/teranos/hubjobs/pulse/resolver"
	"github.com/teranos/hubjobs/pulse/resources"
	"github.com/teranos/hubjobs/pulse/steps"
	"github.com/teranos/hubjobs/pulse/tasks"
)

// testEngine wires an engine over a fresh database file, isolated from any user config
func testEngine(t *testing.T) *engine {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("HUBJOBS_DATABASE_PATH", filepath.Join(dir, "hubjobs.db"))
	t.Setenv("HUBJOBS_EMR_LOCAL_WORK_DIR", filepath.Join(dir, "emr"))
	am.Reset()
	t.Cleanup(am.Reset)

	e, err := openEngine()
	require.NoError(t, err)
	t.Cleanup(e.close)
	return e
}

func TestRequestName(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"https://example.com/jobs/export.yaml", "export.yaml"},
		{"https://example.com/jobs/export.toml?ref=v1", "export.toml"},
		{"git::https://example.com/repo.git//jobs/index.json", "index.json"},
		{"s3::https://s3.amazonaws.com/bucket/req.yml", "req.yml"},
		{"dir/", "dir"},
		{"/", "request.json"},
		{"", "request.json"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, requestName(tt.src), tt.src)
	}
}

func TestFetchRequestFromLocalPath(t *testing.T) {
	src := filepath.Join(t.TempDir(), "export.yaml")
	body := "source:\n  kind: space\n  id: roads\ntarget:\n  kind: files\n  format:\n    type: geojson\n"
	require.NoError(t, os.WriteFile(src, []byte(body), 0644))

	name, data, err := fetchRequest(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "export.yaml", name)
	assert.Equal(t, body, string(data))

	req, err := job.DecodeRequest(name, data)
	require.NoError(t, err)
	assert.Equal(t, "roads", req.Source.ID)
}

func TestReadRequestMissingFile(t *testing.T) {
	_, _, err := readRequest(context.Background(), filepath.Join(t.TempDir(), "missing.json"), "")
	assert.Error(t, err)
}

func TestDecodeSpace(t *testing.T) {
	info, err := decodeSpace([]byte("id: roads\ndatabase: hub\nheadVersion: 10\nextends: base\nbyteSizeEstimate: 2048\n"))
	require.NoError(t, err)
	assert.Equal(t, catalog.SpaceInfo{ID: "roads", Database: "hub", HeadVersion: 10, Extends: "base", ByteSizeEstimate: 2048}, info)

	info, err = decodeSpace([]byte(`{"id": "roads", "database": "hub", "headVersion": 3}`))
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.HeadVersion)

	_, err = decodeSpace([]byte("id: roads\nowner: nobody\n"))
	assert.Error(t, err, "unknown fields are rejected")
}

func TestStepTable(t *testing.T) {
	rows := []job.StepRow{
		{StepID: "count", Path: "executions[0]", Type: "CountSpace", Runtime: steps.RuntimeState{State: steps.StateSucceeded, Attempts: 1}},
		{StepID: "export", Path: "executions[1]", Type: "ExportToFiles", Runtime: steps.RuntimeState{State: steps.StateFailed, Attempts: 2, Error: "disk full"}},
	}
	progress := func(stepID string) (tasks.TaskProgress, error) {
		if stepID == "export" {
			return tasks.TaskProgress{Total: 4, Finalized: 3}, nil
		}
		return tasks.TaskProgress{}, nil
	}

	data, err := stepTable(rows, progress)
	require.NoError(t, err)
	require.Len(t, data, 3)
	assert.Equal(t, []string{"executions[0]", "count", "CountSpace", "SUCCEEDED", "1", "", ""}, data[1])
	assert.Equal(t, []string{"executions[1]", "export", "ExportToFiles", "FAILED", "2", "3/4", "disk full"}, data[2])
}

func TestOutputSetsSkipDelegated(t *testing.T) {
	j := &job.Job{ID: "j1", Graph: steps.NewSequential(
		&outputStep{sets: []resolver.InputSet{resolver.StepOutputs("count", "stats")}},
		&outputStep{sets: []resolver.InputSet{{JobID: "j0", StepID: "export", Name: "files"}}},
	)}

	sets := outputSets(j)
	require.Len(t, sets, 1)
	assert.Equal(t, "s3://hub/j1/count/stats/", sets[0].S3Prefix("hub"))
}

type outputStep struct {
	steps.Base
	sets []resolver.InputSet
}

func (s *outputStep) Type() string                       { return "Output" }
func (s *outputStep) ExecutionMode() steps.ExecutionMode { return steps.ModeSync }
func (s *outputStep) OutputSets() []resolver.InputSet    { return s.sets }

func (s *outputStep) NeededResources(context.Context) ([]resources.Load, error) { return nil, nil }
func (s *outputStep) Execute(context.Context, bool) error                       { return nil }

func TestEngineSubmitStatusCancel(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	require.NoError(t, e.spaces.Put(ctx, catalog.SpaceInfo{ID: "roads", Database: "hub", HeadVersion: 10, ByteSizeEstimate: 1 << 20}))

	j, err := e.service.Submit(ctx, &job.Request{
		Source: dataset.Space("roads", dataset.Head),
		Target: dataset.Files("geojson", "1.0.0"),
	})
	require.NoError(t, err)
	assert.Equal(t, job.StateSubmitted, j.State)

	listed, err := e.service.List(ctx, job.StateSubmitted, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "space->files", jobTable(listed)[1][2])

	rows, err := e.service.Store().LoadSteps(ctx, j.ID)
	require.NoError(t, err)
	data, err := stepTable(rows, func(stepID string) (tasks.TaskProgress, error) {
		return e.tasks.Progress(ctx, j.ID, stepID)
	})
	require.NoError(t, err)
	assert.Len(t, data, 3, "header, count and export")

	cancelled, err := e.service.Cancel(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateCancelled, cancelled.State)
}

func TestEngineUtilization(t *testing.T) {
	e := testEngine(t)

	usage, err := e.registry.Utilization(context.Background())
	require.NoError(t, err)
	data := usageTable(usage)
	require.Len(t, data, 2, "only the io pool without configured databases")
	assert.Equal(t, []string{"io", "io", "100.0", "0.0", "100.0"}, data[1])
}

func TestEngineExecutorConfig(t *testing.T) {
	e := testEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.Equal(t, 8, e.newExecutor(ctx, 0).Config().Workers)

	exec := e.newExecutor(ctx, 3)
	assert.Equal(t, 3, exec.Config().Workers)
	assert.Equal(t, 5*time.Second, exec.Config().PollInterval)
	assert.Equal(t, filepath.Join(os.Getenv("HOME"), "emr"), exec.Config().LocalRoot)
}
