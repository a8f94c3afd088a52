package commands

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/teranos/hubjobs/am"
	"github.com/teranos/hubjobs/logger"
	"github.com/teranos/hubjobs/pulse/backend"
	"github.com/teranos/hubjobs/pulse/catalog"
	"github.com/teranos/hubjobs/pulse/compiler"
	"github.com/teranos/hubjobs/pulse/executor"
	"github.com/teranos/hubjobs/pulse/job"
	"github.com/teranos/hubjobs/pulse/jobsteps"
	"github.com/teranos/hubjobs/pulse/resources"
	"github.com/teranos/hubjobs/pulse/steps"
	"github.com/teranos/hubjobs/pulse/tasks"
)

// engine holds the collaborators shared by the jobs, resources and pulse commands
type engine struct {
	cfg       *am.Config
	db        *sql.DB
	resources *resources.Catalog
	registry  *resources.Registry
	spaces    *catalog.Store
	objects   backend.ObjectStore
	tasks     *tasks.Tracker
	service   *job.Service
	log       *zap.SugaredLogger
}

// openEngine loads config, opens the database and wires the job service.
// Callers must call close.
func openEngine() (*engine, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return nil, err
	}

	log := logger.Logger
	e := &engine{
		cfg:       cfg,
		db:        database,
		resources: resources.FromConfig(cfg, log),
		spaces:    catalog.NewStore(database),
		objects:   newObjectStore(cfg),
		tasks:     tasks.NewTracker(database),
		log:       log,
	}

	deps := &jobsteps.Deps{
		Resources: e.resources,
		Tasks:     e.tasks,
		Storage:   jobsteps.NewSQLSpaceStorage(e.objects),
		Objects:   e.objects,
		Backend:   newComputeBackend(cfg, log),
		Bucket:    cfg.Storage.Bucket,
		Emr:       cfg.Emr,
		Log:       log,
	}

	codec := steps.NewCodec()
	jobsteps.Register(codec, deps)

	compilers := compiler.NewDefaultRegistry(e.spaces, deps, cfg.Emr.ScriptBucket)
	e.service = job.NewService(job.NewStore(database, codec), compilers, cfg.Retention(), log)
	e.registry = resources.NewRegistry(e.resources, e.service, log)
	return e, nil
}

// newExecutor builds the executor. workers > 0 overrides the configured worker count.
func (e *engine) newExecutor(ctx context.Context, workers int) *executor.Executor {
	cfg := executor.FromConfig(e.cfg)
	if workers > 0 {
		cfg.Workers = workers
	}
	return executor.New(ctx, cfg, e.service.Store(), e.registry, e.tasks, e.log)
}

func (e *engine) close() {
	if err := e.resources.Close(); err != nil {
		e.log.Warnw("Failed to close database resources", "error", err)
	}
	e.db.Close()
}

// newObjectStore mirrors object storage on disk in local mode and uses S3 otherwise
func newObjectStore(cfg *am.Config) backend.ObjectStore {
	if cfg.Emr.Mode == am.EmrModeLocal {
		return backend.NewLocalStore(cfg.Emr.LocalWorkDir)
	}
	clients := backend.NewS3ClientCache(cfg.Storage.Endpoint, cfg.StorageClientTTL())
	return backend.NewS3Storage(cfg.Storage.Region, clients)
}

func newComputeBackend(cfg *am.Config, log *zap.SugaredLogger) backend.Backend {
	if cfg.Emr.Mode == am.EmrModeLocal {
		return backend.NewLocalBackend(cfg.Emr.LocalWorkDir, log)
	}
	log.Warnw("No compute backend for emr mode, RunEmrJob steps will fail",
		"mode", cfg.Emr.Mode)
	return nil
}
