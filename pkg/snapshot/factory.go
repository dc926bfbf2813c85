package snapshot

import (
	"context"
	"fmt"
	"os"
)

// Backend selects a checkpoint storage implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// Options collects everything needed to open a store.
type Options struct {
	Backend    Backend
	Path       string // fs: directory
	Bucket     string // s3/gcs
	Prefix     string // s3/gcs key prefix
	Region     string // s3
	Endpoint   string // s3, MinIO/LocalStack
	SigningKey []byte
	SealKey    []byte
}

// Open builds the configured store.
func Open(ctx context.Context, opts Options) (Store, error) {
	codec, err := NewCodec(opts.SigningKey, opts.SealKey)
	if err != nil {
		return nil, err
	}
	backend := opts.Backend
	if backend == "" {
		backend = BackendFS
	}
	switch backend {
	case BackendFS:
		dir := opts.Path
		if dir == "" {
			dir = "checkpoints"
		}
		return NewFSStore(dir, codec)
	case BackendS3:
		return NewS3Store(ctx, S3Config{
			Bucket:   opts.Bucket,
			Region:   opts.Region,
			Endpoint: opts.Endpoint,
			Prefix:   opts.Prefix,
		}, codec)
	case BackendGCS:
		return newGCSFromOptions(ctx, opts, codec)
	default:
		return nil, fmt.Errorf("snapshot: unsupported backend %q", backend)
	}
}

// NewStoreFromEnv opens a store from AGORA_SNAPSHOT_* variables:
// AGORA_SNAPSHOT_BACKEND (fs default), AGORA_SNAPSHOT_PATH,
// AGORA_SNAPSHOT_BUCKET, AGORA_SNAPSHOT_PREFIX, AGORA_SNAPSHOT_REGION,
// AGORA_SNAPSHOT_ENDPOINT, AGORA_SNAPSHOT_SIGNING_KEY,
// AGORA_SNAPSHOT_SEAL_KEY.
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	opts := Options{
		Backend:  Backend(os.Getenv("AGORA_SNAPSHOT_BACKEND")),
		Path:     os.Getenv("AGORA_SNAPSHOT_PATH"),
		Bucket:   os.Getenv("AGORA_SNAPSHOT_BUCKET"),
		Prefix:   os.Getenv("AGORA_SNAPSHOT_PREFIX"),
		Region:   os.Getenv("AGORA_SNAPSHOT_REGION"),
		Endpoint: os.Getenv("AGORA_SNAPSHOT_ENDPOINT"),
	}
	if key := os.Getenv("AGORA_SNAPSHOT_SIGNING_KEY"); key != "" {
		opts.SigningKey = []byte(key)
	}
	if key := os.Getenv("AGORA_SNAPSHOT_SEAL_KEY"); key != "" {
		opts.SealKey = []byte(key)
	}
	return Open(ctx, opts)
}
