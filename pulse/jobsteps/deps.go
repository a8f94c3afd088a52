// Package jobsteps implements the step kinds jobs are compiled into.
package jobsteps

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/hubjobs/am"
	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/logger"
	"github.com/teranos/hubjobs/pulse/backend"
	"github.com/teranos/hubjobs/pulse/resources"
	"github.com/teranos/hubjobs/pulse/steps"
	"github.com/teranos/hubjobs/pulse/tasks"
)

// Step type names as they appear in persisted graphs
const (
	TypeCountSpace      = "CountSpace"
	TypeCreateIndex     = "CreateIndex"
	TypeExportToFiles   = "ExportToFiles"
	TypeRunEmrJob       = "RunEmrJob"
	TypeDelegateOutputs = "DelegateOutputs"
)

// Deps are the collaborators steps use at runtime. Steps created without
// deps can be compiled and serialized but not executed.
type Deps struct {
	Resources *resources.Catalog
	Tasks     tasks.Store
	Storage   SpaceStorage
	Objects   backend.ObjectStore
	Backend   backend.Backend

	Bucket string
	Emr    am.EmrConfig

	Log *zap.SugaredLogger
}

// Local reports whether the compute backend runs on this machine
func (d *Deps) Local() bool {
	return d != nil && d.Emr.Mode == am.EmrModeLocal
}

func (d *Deps) log() *zap.SugaredLogger {
	if d == nil {
		return logger.OrNop(nil)
	}
	return logger.OrNop(d.Log).Named("pulse.jobsteps")
}

func (d *Deps) database(ctx context.Context, name string) (*resources.Database, error) {
	if d == nil || d.Resources == nil {
		return nil, errors.New("step has no resource catalog")
	}
	return d.Resources.Database(ctx, name)
}

func (d *Deps) requireStorage() error {
	if d == nil || d.Storage == nil {
		return errors.New("step has no space storage")
	}
	return nil
}

// Register adds all step kinds to the codec. Decoded steps receive deps.
func Register(codec *steps.Codec, deps *Deps) {
	codec.RegisterType(TypeCountSpace, func() steps.Step { return &CountSpace{deps: deps} })
	codec.RegisterType(TypeCreateIndex, func() steps.Step { return &CreateIndex{deps: deps} })
	codec.RegisterType(TypeExportToFiles, func() steps.Step { return &ExportToFiles{deps: deps} })
	codec.RegisterType(TypeRunEmrJob, func() steps.Step { return &RunEmrJob{deps: deps} })
	codec.RegisterType(TypeDelegateOutputs, func() steps.Step { return &DelegateOutputs{deps: deps} })
}
