package backend

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/teranos/hubjobs/errors"
)

// ObjectStore writes and lists objects addressed by s3:// URIs
type ObjectStore interface {
	Put(ctx context.Context, uri string, body []byte) error
	ListKeys(ctx context.Context, uri string) ([]string, error)
}

// ParseURI splits s3://bucket/key into bucket and key. s3a and s3n schemes are accepted.
func ParseURI(uri string) (bucket, key string, err error) {
	rest := ""
	for _, scheme := range []string{"s3://", "s3a://", "s3n://"} {
		if strings.HasPrefix(uri, scheme) {
			rest = strings.TrimPrefix(uri, scheme)
			break
		}
	}
	if rest == "" {
		return "", "", errors.NewInvalidRequestError("not an s3 uri: %q", uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", errors.NewInvalidRequestError("s3 uri without bucket: %q", uri)
	}
	return bucket, key, nil
}

// LocalStore mirrors object storage below a root directory as <root>/<bucket>/<key>
type LocalStore struct {
	root string
}

// NewLocalStore creates a store below root
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

// Root is the base directory of the mirror
func (s *LocalStore) Root() string { return s.root }

func (s *LocalStore) path(uri string) (string, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, bucket, filepath.FromSlash(key)), nil
}

func (s *LocalStore) Put(_ context.Context, uri string, body []byte) error {
	path, err := s.path(uri)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "create directory for %s", uri)
	}
	if err := os.WriteFile(path, body, 0644); err != nil {
		return errors.Wrapf(err, "write %s", uri)
	}
	return nil
}

// ListKeys returns the s3:// URIs of all objects below the prefix uri
func (s *LocalStore) ListKeys(_ context.Context, uri string) ([]string, error) {
	bucket, _, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	dir, err := s.path(uri)
	if err != nil {
		return nil, err
	}
	bucketRoot := filepath.Join(s.root, bucket)

	var keys []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(bucketRoot, path)
		if err != nil {
			return err
		}
		keys = append(keys, "s3://"+bucket+"/"+filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", uri)
	}
	sort.Strings(keys)
	return keys, nil
}
