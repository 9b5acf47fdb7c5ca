//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSConfig selects the bucket.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// GCSStore keeps blobs in a Google Cloud Storage bucket.
type GCSStore struct {
	bucket *storage.BucketHandle
	close  func() error
	prefix string
}

// NewGCSStore authenticates with application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("artifacts: gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: gcs client: %w", err)
	}
	return &GCSStore{bucket: client.Bucket(cfg.Bucket), close: client.Close, prefix: cfg.Prefix}, nil
}

// Close releases the client.
func (s *GCSStore) Close() error { return s.close() }

func (s *GCSStore) handle(hash string) (*storage.ObjectHandle, error) {
	raw, err := parseHash(hash)
	if err != nil {
		return nil, err
	}
	return s.bucket.Object(objectKey(s.prefix, raw)), nil
}

// Put relies on a DoesNotExist precondition instead of a separate lookup;
// losing the race to an identical writer is success.
func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	hash := ContentHash(data)
	obj, _ := s.handle(hash)

	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.Metadata = map[string]string{"content-hash": hash}
	_, werr := w.Write(data)
	cerr := w.Close()
	if err := errors.Join(werr, cerr); err != nil {
		if ok, _ := s.Exists(ctx, hash); ok {
			return hash, nil
		}
		return "", fmt.Errorf("artifacts: gcs put %s: %w", hash, err)
	}
	return hash, nil
}

func (s *GCSStore) Get(ctx context.Context, hash string) ([]byte, error) {
	obj, err := s.handle(hash)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	switch {
	case errors.Is(err, storage.ErrObjectNotExist):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	case err != nil:
		return nil, fmt.Errorf("artifacts: gcs get %s: %w", hash, err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("artifacts: gcs read %s: %w", hash, err)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, hash string) (bool, error) {
	obj, err := s.handle(hash)
	if err != nil {
		return false, err
	}
	_, err = obj.Attrs(ctx)
	switch {
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("artifacts: gcs attrs %s: %w", hash, err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, hash string) error {
	obj, err := s.handle(hash)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("artifacts: gcs delete %s: %w", hash, err)
	}
	return nil
}
