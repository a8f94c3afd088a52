package resources

import (
	"context"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/logger"
	"github.com/teranos/hubjobs/sym"
)

// RunningJob is a job whose loads count as reserved
type RunningJob interface {
	JobID() string
	CalculateResourceLoads(ctx context.Context) ([]Load, error)
}

// RunningJobLister lists the jobs currently in RUNNING state
type RunningJobLister interface {
	RunningJobs(ctx context.Context) ([]RunningJob, error)
}

// Usage is the utilization of one resource at the time of the query
type Usage struct {
	Resource ExecutionResource
	Max      float64
	Reserved float64
	Free     float64
}

// Registry answers how many virtual units of every resource are free.
//
// Nothing is cached: every query lists the running jobs and recomputes their loads.
// Two concurrent admissions can therefore both see the same free units.
type Registry struct {
	catalog *Catalog
	jobs    RunningJobLister
	log     *zap.SugaredLogger
}

// NewRegistry creates a registry over the catalog's resources
func NewRegistry(catalog *Catalog, jobs RunningJobLister, log *zap.SugaredLogger) *Registry {
	return &Registry{
		catalog: catalog,
		jobs:    jobs,
		log:     logger.OrNop(log).Named("pulse.resources"),
	}
}

// Catalog returns the resources known to this registry
func (r *Registry) Catalog() *Catalog {
	return r.catalog
}

// ReservedVirtualUnits sums the loads of all running jobs per resource id.
// A job whose loads cannot be calculated is logged and contributes nothing.
func (r *Registry) ReservedVirtualUnits(ctx context.Context) (map[string]float64, error) {
	running, err := r.jobs.RunningJobs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list running jobs")
	}

	perJob := make([][]Load, len(running))
	var wg sync.WaitGroup
	for i, job := range running {
		wg.Add(1)
		go func(i int, job RunningJob) {
			defer wg.Done()
			loads, err := job.CalculateResourceLoads(ctx)
			if err != nil {
				r.log.Warnw("Failed to calculate job loads, counting as zero",
					logger.FieldJobID, job.JobID(),
					logger.FieldError, err)
				return
			}
			perJob[i] = loads
		}(i, job)
	}
	wg.Wait()

	reserved := make(map[string]float64)
	for _, loads := range perJob {
		for _, l := range loads {
			reserved[l.ResourceID()] += l.Units()
		}
	}
	return reserved, nil
}

// FreeVirtualUnits returns max(0, max - reserved) for every known resource
func (r *Registry) FreeVirtualUnits(ctx context.Context) (map[string]float64, error) {
	usage, err := r.Utilization(ctx)
	if err != nil {
		return nil, err
	}
	free := make(map[string]float64, len(usage))
	for _, u := range usage {
		free[u.Resource.ID()] = u.Free
	}
	return free, nil
}

// Utilization reports max, reserved and free units per known resource, sorted by id
func (r *Registry) Utilization(ctx context.Context) ([]Usage, error) {
	all, err := r.catalog.All(ctx)
	if err != nil {
		return nil, err
	}
	reserved, err := r.ReservedVirtualUnits(ctx)
	if err != nil {
		return nil, err
	}

	usage := make([]Usage, 0, len(all))
	for _, res := range all {
		max := res.MaxVirtualUnits()
		used := reserved[res.ID()]
		usage = append(usage, Usage{
			Resource: res,
			Max:      max,
			Reserved: used,
			Free:     math.Max(0, max-used),
		})
	}

	r.log.Debugw("Computed resource utilization",
		logger.FieldSymbol, sym.Resources,
		logger.FieldCount, len(usage))
	return usage, nil
}
