// Package blob implements the artifact store on gocloud.dev blob buckets.
// Bucket URLs like s3://bucket, gs://bucket or file:///dir all work; the
// driver is selected by the URL scheme.
package blob

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/otel"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// for local development and tests
	_ "gocloud.dev/blob/memblob"  // mem:// for tests
	_ "gocloud.dev/blob/s3blob"   // s3://

	"github.com/riskline/defector/internal/domain"
)

// Store implements domain.ArtifactStore on one bucket.
type Store struct {
	bucketURL string
	bucket    *blob.Bucket
}

// Open opens the bucket at bucketURL.
func Open(ctx context.Context, bucketURL string) (*Store, error) {
	b, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("op=blob.open url=%s: %w", bucketURL, err)
	}
	return &Store{bucketURL: strings.TrimRight(bucketURL, "/"), bucket: b}, nil
}

// Close releases the bucket.
func (s *Store) Close() error { return s.bucket.Close() }

// DatasetURI returns the URI of the main dataset artifact.
func (s *Store) DatasetURI(datasetID int64) string {
	return fmt.Sprintf("%s/datasets/dataset_%d.parquet", s.bucketURL, datasetID)
}

// BackgroundSampleURI returns the URI of the dataset's background sample.
func (s *Store) BackgroundSampleURI(datasetID int64) string {
	return fmt.Sprintf("%s/datasets/dataset_%d_background.parquet", s.bucketURL, datasetID)
}

// ModelURI returns the URI of a model artifact version.
func (s *Store) ModelURI(name string, version int) string {
	return fmt.Sprintf("%s/models/%s/v%d/model.json", s.bucketURL, name, version)
}

// key extracts the bucket key from a URI produced by the builders above.
func (s *Store) key(uri string) (string, error) {
	prefix := s.bucketURL + "/"
	if !strings.HasPrefix(uri, prefix) {
		return "", fmt.Errorf("op=blob.key uri=%s not under %s: %w", uri, s.bucketURL, domain.ErrInvalidArgument)
	}
	return strings.TrimPrefix(uri, prefix), nil
}

// Write stores data at uri, replacing any existing object.
func (s *Store) Write(ctx domain.Context, uri string, data []byte) error {
	tracer := otel.Tracer("storage.blob")
	ctx, span := tracer.Start(ctx, "blob.Write")
	defer span.End()
	key, err := s.key(uri)
	if err != nil {
		return err
	}
	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("op=blob.write uri=%s: %w: %w", uri, domain.ErrArtifact, err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("op=blob.write uri=%s: %w: %w", uri, domain.ErrArtifact, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("op=blob.write.close uri=%s: %w: %w", uri, domain.ErrArtifact, err)
	}
	return nil
}

// Read loads the object at uri.
func (s *Store) Read(ctx domain.Context, uri string) ([]byte, error) {
	tracer := otel.Tracer("storage.blob")
	ctx, span := tracer.Start(ctx, "blob.Read")
	defer span.End()
	key, err := s.key(uri)
	if err != nil {
		return nil, err
	}
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("op=blob.read uri=%s: %w: %w", uri, domain.ErrArtifact, err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("op=blob.read uri=%s: %w: %w", uri, domain.ErrArtifact, err)
	}
	return data, nil
}

// Delete removes the object at uri; deleting a missing object is not an error.
func (s *Store) Delete(ctx domain.Context, uri string) error {
	key, err := s.key(uri)
	if err != nil {
		return err
	}
	exists, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("op=blob.delete uri=%s: %w", uri, err)
	}
	if !exists {
		return nil
	}
	if err := s.bucket.Delete(ctx, key); err != nil {
		return fmt.Errorf("op=blob.delete uri=%s: %w", uri, err)
	}
	return nil
}

// Exists reports whether an object is present at uri.
func (s *Store) Exists(ctx domain.Context, uri string) (bool, error) {
	key, err := s.key(uri)
	if err != nil {
		return false, err
	}
	ok, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("op=blob.exists uri=%s: %w", uri, err)
	}
	return ok, nil
}
