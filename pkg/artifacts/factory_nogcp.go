//go:build !gcp

package artifacts

import (
	"context"
	"fmt"
)

func newGCSStore(_ context.Context, _ MirrorConfig) (Store, error) {
	return nil, fmt.Errorf("GCS mirror is not enabled in this build (use -tags gcp)")
}
