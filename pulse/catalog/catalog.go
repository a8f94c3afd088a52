// Package catalog stores the space metadata the compilers consult.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/teranos/hubjobs/errors"
)

// SpaceInfo is the metadata of one space
type SpaceInfo struct {
	ID                   string   `json:"id" yaml:"id"`
	Database             string   `json:"database" yaml:"database"`
	HeadVersion          int64    `json:"headVersion" yaml:"headVersion"`
	Extends              string   `json:"extends,omitempty" yaml:"extends,omitempty"`
	SearchableProperties []string `json:"searchableProperties,omitempty" yaml:"searchableProperties,omitempty"`
	FeatureCountEstimate int64    `json:"featureCountEstimate" yaml:"featureCountEstimate"`
	ByteSizeEstimate     int64    `json:"byteSizeEstimate" yaml:"byteSizeEstimate"`
}

// Store is the SQLite space catalog
type Store struct {
	db *sql.DB
}

// NewStore creates a catalog over the spaces and space_tags tables
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Put creates or replaces a space
func (s *Store) Put(ctx context.Context, info SpaceInfo) error {
	if info.ID == "" {
		return errors.NewInvalidRequestError("space id cannot be empty")
	}
	props, err := json.Marshal(info.SearchableProperties)
	if err != nil {
		return errors.Wrap(err, "encode searchable properties")
	}
	if info.SearchableProperties == nil {
		props = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO spaces (id, database_name, head_version, extends, searchable_properties,
			feature_count_estimate, byte_size_estimate, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET
			database_name = excluded.database_name,
			head_version = excluded.head_version,
			extends = excluded.extends,
			searchable_properties = excluded.searchable_properties,
			feature_count_estimate = excluded.feature_count_estimate,
			byte_size_estimate = excluded.byte_size_estimate,
			updated_at = CURRENT_TIMESTAMP
	`, info.ID, info.Database, info.HeadVersion, nullString(info.Extends), string(props),
		info.FeatureCountEstimate, info.ByteSizeEstimate)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to store space"), "space: %s", info.ID)
	}
	return nil
}

// Get returns a space or an error wrapping ErrNotFound
func (s *Store) Get(ctx context.Context, id string) (*SpaceInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, database_name, head_version, extends, searchable_properties,
			feature_count_estimate, byte_size_estimate
		FROM spaces WHERE id = ?
	`, id)
	info, err := scanSpace(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("space %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read space %s", id)
	}
	return info, nil
}

// List returns all spaces ordered by id
func (s *Store) List(ctx context.Context) ([]SpaceInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, database_name, head_version, extends, searchable_properties,
			feature_count_estimate, byte_size_estimate
		FROM spaces ORDER BY id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list spaces")
	}
	defer rows.Close()

	var spaces []SpaceInfo
	for rows.Next() {
		info, err := scanSpace(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan space")
		}
		spaces = append(spaces, *info)
	}
	return spaces, errors.Wrap(rows.Err(), "failed to iterate spaces")
}

// Tag points a named tag of a space at a version
func (s *Store) Tag(ctx context.Context, spaceID, tag string, version int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO space_tags (space_id, tag, version) VALUES (?, ?, ?)
		ON CONFLICT (space_id, tag) DO UPDATE SET version = excluded.version
	`, spaceID, tag, version)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to tag space"), "space: %s, tag: %s", spaceID, tag)
	}
	return nil
}

// ResolveTag returns the version a tag points to
func (s *Store) ResolveTag(ctx context.Context, spaceID, tag string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT version FROM space_tags WHERE space_id = ? AND tag = ?
	`, spaceID, tag).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, errors.NewNotFoundError("tag %s of space %s", tag, spaceID)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to resolve tag %s of space %s", tag, spaceID)
	}
	return version, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSpace(row scanner) (*SpaceInfo, error) {
	var info SpaceInfo
	var extends sql.NullString
	var props string
	if err := row.Scan(&info.ID, &info.Database, &info.HeadVersion, &extends, &props,
		&info.FeatureCountEstimate, &info.ByteSizeEstimate); err != nil {
		return nil, err
	}
	info.Extends = extends.String
	if err := json.Unmarshal([]byte(props), &info.SearchableProperties); err != nil {
		return nil, errors.Wrapf(err, "decode searchable properties of %s", info.ID)
	}
	if len(info.SearchableProperties) == 0 {
		info.SearchableProperties = nil
	}
	return &info, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
