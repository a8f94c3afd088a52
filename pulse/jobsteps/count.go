package jobsteps

import (
	"context"
	"strconv"

	"github.com/teranos/hubjobs/logger"
	"github.com/teranos/hubjobs/pulse/dataset"
	"github.com/teranos/hubjobs/pulse/resources"
	"github.com/teranos/hubjobs/pulse/steps"
)

// OutputFeatureCount is the runtime output holding the counted features
const OutputFeatureCount = "featureCount"

// CountSpace counts the features of a space version
type CountSpace struct {
	steps.Base
	Space    string             `json:"space"`
	Database string             `json:"database"`
	Version  dataset.VersionRef `json:"version"`

	deps *Deps
}

// NewCountSpace creates a count step for a resolved version
func NewCountSpace(deps *Deps, space, database string, version dataset.VersionRef) *CountSpace {
	s := &CountSpace{
		Base:     steps.NewBase("Count features of " + space),
		Space:    space,
		Database: database,
		Version:  version,
		deps:     deps,
	}
	s.Estimate = 5
	s.Retry = steps.RetryPolicy{MaxAttempts: 3}
	return s
}

func (s *CountSpace) Type() string                       { return TypeCountSpace }
func (s *CountSpace) ExecutionMode() steps.ExecutionMode { return steps.ModeSync }

func (s *CountSpace) NeededResources(ctx context.Context) ([]resources.Load, error) {
	db, err := s.deps.database(ctx, s.Database)
	if err != nil {
		return nil, err
	}
	return []resources.Load{resources.NewLoad(db, 1)}, nil
}

func (s *CountSpace) Execute(ctx context.Context, resume bool) error {
	if _, done := s.Runtime().Output(OutputFeatureCount); resume && done {
		return nil
	}
	if err := s.deps.requireStorage(); err != nil {
		return err
	}
	db, err := s.deps.database(ctx, s.Database)
	if err != nil {
		return err
	}
	n, err := s.deps.Storage.CountFeatures(ctx, db, s.Space, s.Version)
	if err != nil {
		return err
	}
	s.Runtime().SetOutput(OutputFeatureCount, strconv.FormatInt(n, 10))
	s.deps.log().Debugw("Counted features",
		logger.FieldSpaceID, s.Space,
		logger.FieldStepID, s.ID(),
		logger.FieldCount, n)
	return nil
}
