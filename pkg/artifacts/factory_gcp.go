//go:build gcp

package artifacts

import (
	"context"
	"fmt"
)

func newGCSStore(ctx context.Context, mirror MirrorConfig) (Store, error) {
	if mirror.Bucket == "" {
		return nil, fmt.Errorf("bucket is required for gcs mirror")
	}
	return NewGCSStore(ctx, GCSStoreConfig{Bucket: mirror.Bucket, Prefix: mirror.Prefix})
}
