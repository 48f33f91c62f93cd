//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSFromEnv(context.Context) (Store, error) {
	return nil, fmt.Errorf("archive: gcs backend is not compiled in (build with -tags gcp)")
}
