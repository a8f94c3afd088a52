package backend

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/teranos/hubjobs/errors"
)

// S3API is the part of the S3 client used here
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// NewS3ClientCache creates a cache of S3 clients keyed by region.
// Clients are built from the default AWS credential chain; endpoint overrides the service endpoint.
func NewS3ClientCache(endpoint string, ttl time.Duration) *ClientCache[string, S3API] {
	return NewClientCache(ttl, func(ctx context.Context, region string) (S3API, error) {
		cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "load AWS configuration"), errors.ErrServiceUnavailable)
		}
		return s3.NewFromConfig(cfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
				o.UsePathStyle = true
			}
		}), nil
	})
}

// S3Storage is the object store on S3
type S3Storage struct {
	region  string
	clients *ClientCache[string, S3API]
}

// NewS3Storage creates a store using clients for region from the cache
func NewS3Storage(region string, clients *ClientCache[string, S3API]) *S3Storage {
	return &S3Storage{region: region, clients: clients}
}

func (s *S3Storage) Put(ctx context.Context, uri string, body []byte) error {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return err
	}
	client, err := s.clients.Get(ctx, s.region)
	if err != nil {
		return err
	}
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "put %s", uri), errors.ErrServiceUnavailable)
	}
	return nil
}

// ListKeys returns the s3:// URIs of all objects below the prefix uri
func (s *S3Storage) ListKeys(ctx context.Context, uri string) ([]string, error) {
	bucket, prefix, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	client, err := s.clients.Get(ctx, s.region)
	if err != nil {
		return nil, err
	}

	var keys []string
	pages := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "list %s", uri), errors.ErrServiceUnavailable)
		}
		for _, obj := range page.Contents {
			keys = append(keys, "s3://"+bucket+"/"+aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys, nil
}
