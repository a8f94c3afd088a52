package jobsteps

import (
	"context"

	"github.com/teranos/hubjobs/pulse/resources"
	"github.com/teranos/hubjobs/pulse/steps"
)

// CreateIndex creates an index on one searchable property of a space
type CreateIndex struct {
	steps.Base
	Space    string `json:"space"`
	Database string `json:"database"`
	Property string `json:"property"`
	Bytes    int64  `json:"byteSizeEstimate,omitempty"`

	deps *Deps
}

// NewCreateIndex creates an index step
func NewCreateIndex(deps *Deps, space, database, property string, bytes int64) *CreateIndex {
	s := &CreateIndex{
		Base:     steps.NewBase("Index " + property + " of " + space),
		Space:    space,
		Database: database,
		Property: property,
		Bytes:    bytes,
		deps:     deps,
	}
	s.Estimate = ExportSeconds(bytes)
	s.Retry = steps.RetryPolicy{MaxAttempts: 2}
	return s
}

func (s *CreateIndex) Type() string                       { return TypeCreateIndex }
func (s *CreateIndex) ExecutionMode() steps.ExecutionMode { return steps.ModeSync }

func (s *CreateIndex) NeededResources(ctx context.Context) ([]resources.Load, error) {
	db, err := s.deps.database(ctx, s.Database)
	if err != nil {
		return nil, err
	}
	return []resources.Load{resources.NewLoad(db, max(1, ExportACUs(s.Bytes)))}, nil
}

// Execute is safe to repeat since existing indices are kept
func (s *CreateIndex) Execute(ctx context.Context, _ bool) error {
	if err := s.deps.requireStorage(); err != nil {
		return err
	}
	db, err := s.deps.database(ctx, s.Database)
	if err != nil {
		return err
	}
	return s.deps.Storage.CreateIndex(ctx, db, s.Space, s.Property)
}
