//go:build gcp

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStore keeps checkpoints as objects under a key prefix. Built only
// with the gcp tag so the default build carries no GCP dependency tree.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
	codec  *Codec
}

// GCSConfig holds the backend settings. Credentials come from ADC.
type GCSConfig struct {
	Bucket string
	Prefix string
}

func NewGCSStore(ctx context.Context, cfg GCSConfig, codec *Codec) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("snapshot: gcs bucket is required")
	}
	if codec == nil {
		codec = &Codec{}
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, codec: codec}, nil
}

func (s *GCSStore) key(name string) string {
	return s.prefix + name + blobExt
}

func (s *GCSStore) Put(ctx context.Context, cp *Checkpoint) error {
	raw, err := s.codec.Encode(cp)
	if err != nil {
		return err
	}
	w := s.client.Bucket(s.bucket).Object(s.key(cp.Name)).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return fmt.Errorf("snapshot: gcs write %s: %w", cp.Name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("snapshot: gcs close %s: %w", cp.Name, err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, name string) (*Checkpoint, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.key(name)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("snapshot: gcs get %s: %w", name, err)
	}
	defer func() { _ = r.Close() }()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("snapshot: gcs read %s: %w", name, err)
	}
	return s.codec.Decode(name, raw)
}

func (s *GCSStore) List(ctx context.Context) ([]string, error) {
	var names []string
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("snapshot: gcs list: %w", err)
		}
		if !strings.HasSuffix(attrs.Name, blobExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(strings.TrimPrefix(attrs.Name, s.prefix), blobExt))
	}
	sort.Strings(names)
	return names, nil
}

func (s *GCSStore) Latest(ctx context.Context) (*Checkpoint, error) {
	names, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, names[len(names)-1])
}

func (s *GCSStore) Close() error { return s.client.Close() }
