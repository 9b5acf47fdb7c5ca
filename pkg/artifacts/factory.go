package artifacts

import (
	"context"
	"fmt"
)

// Backend names a Store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFS     Backend = "fs"
	BackendS3     Backend = "s3"
	BackendGCS    Backend = "gcs"
)

// Options selects and configures a backend.
type Options struct {
	Backend  Backend `yaml:"backend"`
	Dir      string  `yaml:"dir"`
	Bucket   string  `yaml:"bucket"`
	Region   string  `yaml:"region"`
	Endpoint string  `yaml:"endpoint"`
	Prefix   string  `yaml:"prefix"`
}

// Open builds the configured store. An empty backend means memory.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendFS:
		dir := opts.Dir
		if dir == "" {
			dir = "data/artifacts"
		}
		return NewFileStore(dir)
	case BackendS3:
		region := opts.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   opts.Bucket,
			Region:   region,
			Endpoint: opts.Endpoint,
			Prefix:   opts.Prefix,
		})
	case BackendGCS:
		return openGCS(ctx, opts)
	default:
		return nil, fmt.Errorf("artifacts: unknown backend %q", opts.Backend)
	}
}
