//go:build gcp

package snapshot

import "context"

func newGCSFromOptions(ctx context.Context, opts Options, codec *Codec) (Store, error) {
	return NewGCSStore(ctx, GCSConfig{Bucket: opts.Bucket, Prefix: opts.Prefix}, codec)
}
