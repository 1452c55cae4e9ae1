package artifacts

import (
	"context"
	"fmt"
)

// StoreType represents the type of artifact mirror backend.
type StoreType string

const (
	StoreTypeNone StoreType = ""
	StoreTypeS3   StoreType = "s3"
	StoreTypeGCS  StoreType = "gcs"
)

// MirrorConfig selects an optional remote copy of the artifact tree.
type MirrorConfig struct {
	Type     StoreType
	Bucket   string
	Region   string
	Endpoint string // S3 only
	Prefix   string
}

// NewStore builds the artifact store: a FileStore rooted at dir, mirrored to
// S3 or GCS when configured.
func NewStore(ctx context.Context, dir string, mirror MirrorConfig) (Store, error) {
	fs, err := NewFileStore(dir)
	if err != nil {
		return nil, err
	}

	switch mirror.Type {
	case StoreTypeNone:
		return NewMirroredStore(fs), nil
	case StoreTypeS3:
		if mirror.Bucket == "" {
			return nil, fmt.Errorf("bucket is required for s3 mirror")
		}
		region := mirror.Region
		if region == "" {
			region = "us-east-1"
		}
		s3s, err := NewS3Store(ctx, S3StoreConfig{
			Bucket:   mirror.Bucket,
			Region:   region,
			Endpoint: mirror.Endpoint,
			Prefix:   mirror.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return NewMirroredStore(fs, s3s), nil
	case StoreTypeGCS:
		gcs, err := newGCSStore(ctx, mirror)
		if err != nil {
			return nil, err
		}
		return NewMirroredStore(fs, gcs), nil
	default:
		return nil, fmt.Errorf("unsupported artifact mirror type: %s", mirror.Type)
	}
}
