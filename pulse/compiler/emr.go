package compiler

import (
	"context"
	"fmt"
	"strings"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/pulse/dataset"
	"github.com/teranos/hubjobs/pulse/jobsteps"
	"github.com/teranos/hubjobs/pulse/resolver"
	"github.com/teranos/hubjobs/pulse/steps"
)

// DefaultInputSet holds the uploaded files of files sources that do not name a set
const DefaultInputSet = "files"

// InputRef is the input set a files source reads.
// It is either a user input set name or <jobId>:<stepId>.<name> to reuse outputs of an earlier job.
type InputRef struct {
	JobID  string
	StepID string
	Name   string
}

// ParseInputRef parses the inputSet field of a files source
func ParseInputRef(s string) (InputRef, error) {
	if s == "" {
		return InputRef{Name: DefaultInputSet}, nil
	}
	jobID, rest, delegated := strings.Cut(s, ":")
	if !delegated {
		return InputRef{Name: s}, nil
	}
	stepID, name := resolver.ParseKey(rest)
	if jobID == "" || stepID == "" || name == "" {
		return InputRef{}, errors.NewInvalidRequestError("input set %q is not <jobId>:<stepId>.<name>", s)
	}
	return InputRef{JobID: jobID, StepID: stepID, Name: name}, nil
}

// Delegated reports whether the set is produced by another job
func (r InputRef) Delegated() bool { return r.JobID != "" }

// InputSet is the set the reference points to
func (r InputRef) InputSet() resolver.InputSet {
	return resolver.InputSet{JobID: r.JobID, StepID: r.StepID, Name: r.Name}
}

// EmrTransformCompiler converts files with a script on the compute backend
type EmrTransformCompiler struct {
	deps         *jobsteps.Deps
	scriptBucket string
}

// NewEmrTransformCompiler creates the files->files compiler; scripts live in scriptBucket
func NewEmrTransformCompiler(deps *jobsteps.Deps, scriptBucket string) *EmrTransformCompiler {
	return &EmrTransformCompiler{deps: deps, scriptBucket: scriptBucket}
}

func (c *EmrTransformCompiler) Name() string             { return "EmrTransform" }
func (c *EmrTransformCompiler) Tag() string              { return "files->files" }
func (c *EmrTransformCompiler) FormatConstraint() string { return ">=1.0.0, <3.0.0" }

func (c *EmrTransformCompiler) Compile(_ context.Context, req *Request) (*steps.Graph, error) {
	if c.scriptBucket == "" {
		return nil, errors.New("no script bucket configured for transformations")
	}
	input, err := ParseInputRef(req.Source.InputSet)
	if err != nil {
		return nil, err
	}
	format := req.Target.Format
	version, err := format.SemVer()
	if err != nil {
		return nil, err
	}

	graph := steps.NewSequential()
	if input.Delegated() {
		graph.Add(jobsteps.NewDelegateOutputs(c.deps, input.JobID, input.StepID, input.Name))
	}

	script := fmt.Sprintf("s3://%s/scripts/%s.sh", c.scriptBucket, strings.ToLower(format.Type))
	run := jobsteps.NewRunEmrJob(c.deps, "Transform files to "+format.Type+" "+version.String(), script, nil)
	run.Params = append(scriptParams(run.ID(), input, format.Type, version.String()), settingParams(req.Target.Settings)...)
	run.Inputs = []resolver.InputSet{input.InputSet()}
	graph.Add(run)
	return graph, nil
}

func scriptParams(stepID string, input InputRef, formatType, version string) []string {
	output := resolver.StepOutputs(stepID, jobsteps.OutputSetTransformed)
	return []string{
		"--input=" + input.InputSet().Placeholder(),
		"--output=" + output.Placeholder(),
		"--format=" + formatType,
		"--format-version=" + version,
	}
}

func settingParams(s dataset.FileSettings) []string {
	var params []string
	if s.Compression != "" {
		params = append(params, "--compression="+s.Compression)
	}
	if s.EntityPerLine != "" {
		params = append(params, "--entity-per-line="+s.EntityPerLine)
	}
	return params
}
