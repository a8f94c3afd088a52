package jobsteps

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/pulse/backend"
	"github.com/teranos/hubjobs/pulse/dataset"
	"github.com/teranos/hubjobs/pulse/resources"
)

// Entity layouts of exported files
const (
	EntityFeature           = "Feature"
	EntityFeatureCollection = "FeatureCollection"
)

// Partition is the input of one export task
type Partition struct {
	Index         int    `json:"partition"`
	Of            int    `json:"of"`
	EntityPerLine string `json:"entityPerLine,omitempty"`
	Compression   string `json:"compression,omitempty"`
}

// FileName is the object name of the partition below the output prefix
func (p Partition) FileName() string {
	name := fmt.Sprintf("part-%05d.geojson", p.Index)
	if p.Compression == "gzip" {
		name += ".gz"
	}
	return name
}

// SpaceStorage reads and maintains the feature data of spaces
type SpaceStorage interface {
	CountFeatures(ctx context.Context, db *resources.Database, space string, version dataset.VersionRef) (int64, error)
	CreateIndex(ctx context.Context, db *resources.Database, space, property string) error
	ExportPartition(ctx context.Context, db *resources.Database, space string, version dataset.VersionRef, part Partition, targetURI string) (int64, error)
}

// SQLSpaceStorage keeps each space in a table named after it, with columns
// id, version and jsondata, in the database's schema
type SQLSpaceStorage struct {
	objects backend.ObjectStore
}

// NewSQLSpaceStorage creates storage writing exports to objects
func NewSQLSpaceStorage(objects backend.ObjectStore) *SQLSpaceStorage {
	return &SQLSpaceStorage{objects: objects}
}

var propertyName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func table(db *resources.Database, space string) string {
	if db.Schema() == "" {
		return quoteIdent(space)
	}
	return quoteIdent(db.Schema()) + "." + quoteIdent(space)
}

// versionFilter selects the features of a resolved reference.
// A single version means the state at that version, a range the changes within it.
func versionFilter(version dataset.VersionRef) (string, []interface{}, error) {
	if !version.IsResolved() {
		return "", nil, errors.NewInvalidRequestError("version %s is not resolved", version)
	}
	start, end := version.Bounds()
	if version.IsRange() {
		return "version >= ? AND version <= ?", []interface{}{start, end}, nil
	}
	return "version <= ?", []interface{}{start}, nil
}

func handle(ctx context.Context, db *resources.Database) (*sql.DB, error) {
	if db == nil {
		return nil, errors.New("no database for space")
	}
	return db.Handle(ctx)
}

func (s *SQLSpaceStorage) CountFeatures(ctx context.Context, db *resources.Database, space string, version dataset.VersionRef) (int64, error) {
	conn, err := handle(ctx, db)
	if err != nil {
		return 0, err
	}
	filter, args, err := versionFilter(version)
	if err != nil {
		return 0, err
	}
	var n int64
	query := "SELECT COUNT(*) FROM " + table(db, space) + " WHERE " + filter
	if err := conn.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.WithDetailf(errors.Wrap(err, "count features"), "space: %s", space)
	}
	return n, nil
}

func (s *SQLSpaceStorage) CreateIndex(ctx context.Context, db *resources.Database, space, property string) error {
	if !propertyName.MatchString(property) {
		return errors.NewInvalidRequestError("property %q cannot be indexed", property)
	}
	conn, err := handle(ctx, db)
	if err != nil {
		return err
	}
	name := "idx_" + space + "_" + strings.ReplaceAll(property, ".", "_")
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (json_extract(jsondata, '$.properties.%s'))",
		quoteIdent(name), table(db, space), property)
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return errors.WithDetailf(errors.Wrapf(err, "create index on %s", property), "space: %s", space)
	}
	return nil
}

// ExportPartition writes the features hashing into the partition to targetURI
// and returns the number of bytes written
func (s *SQLSpaceStorage) ExportPartition(ctx context.Context, db *resources.Database, space string, version dataset.VersionRef, part Partition, targetURI string) (int64, error) {
	if part.Of < 1 || part.Index < 0 || part.Index >= part.Of {
		return 0, errors.NewInvalidRequestError("partition %d of %d", part.Index, part.Of)
	}
	conn, err := handle(ctx, db)
	if err != nil {
		return 0, err
	}
	filter, args, err := versionFilter(version)
	if err != nil {
		return 0, err
	}

	rows, err := conn.QueryContext(ctx, "SELECT id, jsondata FROM "+table(db, space)+" WHERE "+filter+" ORDER BY id", args...)
	if err != nil {
		return 0, errors.WithDetailf(errors.Wrap(err, "query features"), "space: %s", space)
	}
	defer rows.Close()

	var features []json.RawMessage
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return 0, errors.Wrap(err, "scan feature")
		}
		h := fnv.New32a()
		h.Write([]byte(id))
		if int(h.Sum32()%uint32(part.Of)) == part.Index {
			features = append(features, json.RawMessage(data))
		}
	}
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "iterate features")
	}

	body, err := encodeFeatures(features, part)
	if err != nil {
		return 0, err
	}
	if err := s.objects.Put(ctx, targetURI, body); err != nil {
		return 0, err
	}
	return int64(len(body)), nil
}

func encodeFeatures(features []json.RawMessage, part Partition) ([]byte, error) {
	var buf bytes.Buffer
	if part.EntityPerLine == EntityFeatureCollection {
		if len(features) == 0 {
			features = []json.RawMessage{}
		}
		line, err := json.Marshal(map[string]interface{}{"type": "FeatureCollection", "features": features})
		if err != nil {
			return nil, errors.Wrap(err, "encode feature collection")
		}
		buf.Write(line)
		buf.WriteByte('\n')
	} else {
		for _, f := range features {
			buf.Write(f)
			buf.WriteByte('\n')
		}
	}

	if part.Compression != "gzip" {
		return buf.Bytes(), nil
	}
	var zipped bytes.Buffer
	zw := gzip.NewWriter(&zipped)
	if _, err := zw.Write(buf.Bytes()); err != nil {
		return nil, errors.Wrap(err, "compress partition")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "compress partition")
	}
	return zipped.Bytes(), nil
}
