package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver
)

// blobStore implements LakeStore over a gocloud.dev bucket.
// Works with AWS S3, MinIO, Backblaze B2, Cloudflare R2, and GCS.
type blobStore struct {
	bucket *blob.Bucket
	scheme string // "s3" | "gs"
	name   string
}

// NewS3Store opens an S3-compatible bucket.
func NewS3Store(bucketName, endpoint, region string) (LakeStore, error) {
	ctx := context.Background()

	bucketURL := fmt.Sprintf("s3://%s", bucketName)
	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open S3 bucket %s: %w", bucketName, err)
	}
	return &blobStore{bucket: bucket, scheme: "s3", name: bucketName}, nil
}

// NewGCSStore opens a Google Cloud Storage bucket.
func NewGCSStore(bucketName string) (LakeStore, error) {
	ctx := context.Background()

	bucket, err := blob.OpenBucket(ctx, fmt.Sprintf("gs://%s", bucketName))
	if err != nil {
		return nil, fmt.Errorf("open GCS bucket %s: %w", bucketName, err)
	}
	return &blobStore{bucket: bucket, scheme: "gs", name: bucketName}, nil
}

func (s *blobStore) Put(ctx context.Context, key string, data []byte) error {
	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

func (s *blobStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *blobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *blobStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, key)
}

func (s *blobStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *blobStore) URI(key string) string {
	return fmt.Sprintf("%s://%s/%s", s.scheme, s.name, key)
}

func (s *blobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}
