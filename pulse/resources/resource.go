// Package resources models the finite backing resources jobs run against
// and computes how much of each is free for admission.
package resources

import (
	"context"
	"database/sql"
	"sync"

	"github.com/teranos/hubjobs/am"
	"github.com/teranos/hubjobs/errors"
)

// Kind distinguishes resource families
type Kind string

const (
	KindDatabase Kind = "database"
	KindIO       Kind = "io"
)

// IOResourceID is the id of the singleton bulk I/O resource
const IOResourceID = "io"

// DefaultDriver is used for database targets that do not name a driver
const DefaultDriver = "sqlite3"

// ExecutionResource is a named pool with a ceiling of virtual units
type ExecutionResource interface {
	ID() string
	Kind() Kind
	MaxVirtualUnits() float64
}

// Database is a backing database of the hub. Its capacity is a fraction of its ACUs.
type Database struct {
	name   string
	role   string
	schema string
	driver string
	dsn    string

	mu          sync.RWMutex
	acus        float64
	utilization float64

	handleMu sync.Mutex
	handle   *sql.DB
}

// NewDatabase creates a database resource from a configured target
func NewDatabase(target am.DatabaseTarget, utilization float64) *Database {
	role := target.Role
	if role == "" {
		role = am.RoleWriter
	}
	driver := target.Driver
	if driver == "" {
		driver = DefaultDriver
	}
	return &Database{
		name:        target.Name,
		role:        role,
		schema:      target.Schema,
		driver:      driver,
		dsn:         target.DSN,
		acus:        target.ACUs,
		utilization: utilization,
	}
}

// DatabaseID returns the resource id of the database with the given name
func DatabaseID(name string) string {
	return "db:" + name
}

func (d *Database) ID() string   { return DatabaseID(d.name) }
func (d *Database) Kind() Kind   { return KindDatabase }
func (d *Database) Name() string { return d.name }
func (d *Database) Role() string { return d.role }

// Schema is the schema the hub's spaces live in, empty for the default schema
func (d *Database) Schema() string { return d.schema }

// IsReader reports whether this is a read replica
func (d *Database) IsReader() bool { return d.role == am.RoleReader }

// MaxVirtualUnits is ACUs × utilization
func (d *Database) MaxVirtualUnits() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.acus * d.utilization
}

func (d *Database) setCapacity(acus, utilization float64) {
	d.mu.Lock()
	d.acus = acus
	d.utilization = utilization
	d.mu.Unlock()
}

func (d *Database) sameConnection(target am.DatabaseTarget) bool {
	driver := target.Driver
	if driver == "" {
		driver = DefaultDriver
	}
	return d.dsn == target.DSN && d.driver == driver && d.schema == target.Schema
}

// Handle opens the database on first use and returns the shared handle
func (d *Database) Handle(ctx context.Context) (*sql.DB, error) {
	d.handleMu.Lock()
	defer d.handleMu.Unlock()

	if d.handle != nil {
		return d.handle, nil
	}

	handle, err := sql.Open(d.driver, d.dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open database %s", d.name)
	}
	if err := handle.PingContext(ctx); err != nil {
		handle.Close()
		err = errors.Wrapf(err, "connect database %s", d.name)
		return nil, errors.Mark(err, errors.ErrServiceUnavailable)
	}
	d.handle = handle
	return handle, nil
}

// Close releases the handle if one was opened
func (d *Database) Close() error {
	d.handleMu.Lock()
	defer d.handleMu.Unlock()
	if d.handle == nil {
		return nil
	}
	err := d.handle.Close()
	d.handle = nil
	return err
}

// IOResource is the singleton bulk I/O channel shared by all exports
type IOResource struct {
	mu  sync.RWMutex
	max float64
}

// NewIOResource creates the I/O resource with the given capacity
func NewIOResource(max float64) *IOResource {
	return &IOResource{max: max}
}

func (r *IOResource) ID() string { return IOResourceID }
func (r *IOResource) Kind() Kind { return KindIO }

func (r *IOResource) MaxVirtualUnits() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.max
}

func (r *IOResource) setMax(max float64) {
	r.mu.Lock()
	r.max = max
	r.mu.Unlock()
}
