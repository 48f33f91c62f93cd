//go:build gcp

package archive

import (
	"context"
	"fmt"
	"os"
)

func newGCSFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("AEGIS_ARCHIVE_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("archive: AEGIS_ARCHIVE_GCS_BUCKET is required for the gcs backend")
	}
	return NewGCSArchive(ctx, GCSConfig{
		Bucket: bucket,
		Prefix: os.Getenv("AEGIS_ARCHIVE_GCS_PREFIX"),
	})
}
