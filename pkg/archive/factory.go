package archive

import (
	"context"
	"fmt"
	"os"
)

// Backend names a pack storage implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// NewStoreFromEnv selects and opens an archive backend from the environment.
//
// Recognized variables:
//   - AEGIS_ARCHIVE_BACKEND: "fs" (default), "s3", or "gcs"
//   - AEGIS_ARCHIVE_DIR: filesystem root (default "data/archive")
//
// For S3:
//   - AEGIS_ARCHIVE_S3_BUCKET (required)
//   - AEGIS_ARCHIVE_S3_REGION or AWS_REGION (default "us-east-1")
//   - AEGIS_ARCHIVE_S3_ENDPOINT (optional, MinIO/LocalStack)
//   - AEGIS_ARCHIVE_S3_PREFIX (optional)
//
// For GCS (requires the gcp build tag):
//   - AEGIS_ARCHIVE_GCS_BUCKET (required)
//   - AEGIS_ARCHIVE_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	backend := Backend(os.Getenv("AEGIS_ARCHIVE_BACKEND"))
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendFS:
		dir := os.Getenv("AEGIS_ARCHIVE_DIR")
		if dir == "" {
			dir = "data/archive"
		}
		return NewFileStore(dir)
	case BackendS3:
		return newS3FromEnv(ctx)
	case BackendGCS:
		return newGCSFromEnv(ctx)
	default:
		return nil, fmt.Errorf("archive: unsupported backend %q", backend)
	}
}

func newS3FromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("AEGIS_ARCHIVE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("archive: AEGIS_ARCHIVE_S3_BUCKET is required for the s3 backend")
	}

	region := os.Getenv("AEGIS_ARCHIVE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Archive(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("AEGIS_ARCHIVE_S3_ENDPOINT"),
		Prefix:   os.Getenv("AEGIS_ARCHIVE_S3_PREFIX"),
	})
}
