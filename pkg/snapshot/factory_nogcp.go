//go:build !gcp

package snapshot

import (
	"context"
	"fmt"
)

func newGCSFromOptions(context.Context, Options, *Codec) (Store, error) {
	return nil, fmt.Errorf("snapshot: gcs backend requires building with -tags gcp")
}
