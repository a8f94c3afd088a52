package resources

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/hubjobs/am"
	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/logger"
)

// DefaultCacheExpiry is how long the database list is trusted before it is re-read
const DefaultCacheExpiry = 3 * time.Minute

// DatabaseSource lists the hub's backing databases
type DatabaseSource interface {
	ListDatabases(ctx context.Context) ([]am.DatabaseTarget, error)
}

// StaticSource serves a fixed list of database targets
type StaticSource []am.DatabaseTarget

func (s StaticSource) ListDatabases(context.Context) ([]am.DatabaseTarget, error) {
	return s, nil
}

// Catalog is the set of known resources: the I/O resource plus one resource per database.
// The database list is cached and refreshed lazily after it expires.
type Catalog struct {
	io  *IOResource
	log *zap.SugaredLogger
	now func() time.Time

	mu          sync.RWMutex
	source      DatabaseSource
	utilization float64
	expiry      time.Duration
	databases   map[string]*Database
	refreshedAt time.Time
}

// NewCatalog creates a catalog reading databases from source
func NewCatalog(ioMax, utilization float64, source DatabaseSource, expiry time.Duration, log *zap.SugaredLogger) *Catalog {
	if expiry <= 0 {
		expiry = DefaultCacheExpiry
	}
	return &Catalog{
		io:          NewIOResource(ioMax),
		log:         logger.OrNop(log).Named("resources.catalog"),
		now:         time.Now,
		source:      source,
		utilization: utilization,
		expiry:      expiry,
		databases:   make(map[string]*Database),
	}
}

// FromConfig builds a catalog from the resources section of the configuration
func FromConfig(cfg *am.Config, log *zap.SugaredLogger) *Catalog {
	return NewCatalog(
		cfg.Resources.IOMaxUnits,
		cfg.Resources.DatabaseUtilization,
		StaticSource(cfg.Resources.Databases),
		cfg.ResourceCacheExpiry(),
		log,
	)
}

// SetClock replaces the time source (tests)
func (c *Catalog) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Apply updates capacities from a reloaded configuration.
// Databases keep their open handles unless their connection settings changed.
func (c *Catalog) Apply(cfg *am.Config) {
	c.io.setMax(cfg.Resources.IOMaxUnits)

	c.mu.Lock()
	c.source = StaticSource(cfg.Resources.Databases)
	c.utilization = cfg.Resources.DatabaseUtilization
	c.expiry = cfg.ResourceCacheExpiry()
	c.refreshedAt = time.Time{}
	c.mu.Unlock()

	c.log.Infow("Resource capacities updated",
		"io_max_units", cfg.Resources.IOMaxUnits,
		"databases", len(cfg.Resources.Databases),
		"utilization", cfg.Resources.DatabaseUtilization)
}

// IO returns the singleton I/O resource
func (c *Catalog) IO() *IOResource {
	return c.io
}

// Refresh re-reads the database list if the cached one expired
func (c *Catalog) Refresh(ctx context.Context) error {
	c.mu.RLock()
	fresh := !c.refreshedAt.IsZero() && c.now().Sub(c.refreshedAt) < c.expiry
	c.mu.RUnlock()
	if fresh {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have refreshed while we waited
	if !c.refreshedAt.IsZero() && c.now().Sub(c.refreshedAt) < c.expiry {
		return nil
	}

	targets, err := c.source.ListDatabases(ctx)
	if err != nil {
		return errors.Wrap(err, "list databases")
	}

	next := make(map[string]*Database, len(targets))
	for _, target := range targets {
		if existing, ok := c.databases[target.Name]; ok && existing.sameConnection(target) {
			existing.setCapacity(target.ACUs, c.utilization)
			next[target.Name] = existing
			continue
		}
		next[target.Name] = NewDatabase(target, c.utilization)
	}

	for name, old := range c.databases {
		if next[name] != old {
			if err := old.Close(); err != nil {
				c.log.Warnw("Failed to close database handle", "database", name, "error", err)
			}
		}
	}

	c.databases = next
	c.refreshedAt = c.now()
	return nil
}

// All returns every known resource sorted by id
func (c *Catalog) All(ctx context.Context) ([]ExecutionResource, error) {
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	all := make([]ExecutionResource, 0, len(c.databases)+1)
	for _, d := range c.databases {
		all = append(all, d)
	}
	c.mu.RUnlock()

	all = append(all, c.io)
	sort.Slice(all, func(i, j int) bool { return all[i].ID() < all[j].ID() })
	return all, nil
}

// Get looks up a resource by id
func (c *Catalog) Get(ctx context.Context, id string) (ExecutionResource, error) {
	if id == IOResourceID {
		return c.io, nil
	}
	all, err := c.All(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.ID() == id {
			return r, nil
		}
	}
	return nil, errors.NewNotFoundError("resource %s", id)
}

// Database looks up a database resource by name
func (c *Catalog) Database(ctx context.Context, name string) (*Database, error) {
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.databases[name]
	if !ok {
		return nil, errors.NewNotFoundError("database %s", name)
	}
	return d, nil
}

// Close closes all opened database handles
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, d := range c.databases {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
