//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSArchive stores packs in a Google Cloud Storage bucket using Application
// Default Credentials.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig configures a GCSArchive.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSArchive opens a GCS-backed archive.
func NewGCSArchive(ctx context.Context, cfg GCSConfig) (*GCSArchive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: create gcs client: %w", err)
	}
	return &GCSArchive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (g *GCSArchive) object(digest string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(g.prefix + digest + ".pack")
}

func (g *GCSArchive) Put(ctx context.Context, data []byte) (string, error) {
	addr := Address(data)
	obj := g.object(strings.TrimPrefix(addr, addrPrefix))

	_, err := obj.Attrs(ctx)
	if err == nil {
		return addr, nil
	}
	if !errors.Is(err, storage.ErrObjectNotExist) {
		return "", fmt.Errorf("archive: gcs attrs %s: %w", addr, err)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/zip"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive: gcs write %s: %w", addr, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("archive: gcs commit %s: %w", addr, err)
	}
	return addr, nil
}

func (g *GCSArchive) Get(ctx context.Context, addr string) ([]byte, error) {
	digest, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}

	r, err := g.object(digest).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs get %s: %w", addr, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs read %s: %w", addr, err)
	}
	if err := verifyContent(addr, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (g *GCSArchive) Exists(ctx context.Context, addr string) (bool, error) {
	digest, err := parseAddress(addr)
	if err != nil {
		return false, err
	}

	_, err = g.object(digest).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("archive: gcs attrs %s: %w", addr, err)
}

func (g *GCSArchive) Delete(ctx context.Context, addr string) error {
	digest, err := parseAddress(addr)
	if err != nil {
		return err
	}

	if err := g.object(digest).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("archive: gcs delete %s: %w", addr, err)
	}
	return nil
}

// Close releases the underlying GCS client.
func (g *GCSArchive) Close() error {
	return g.client.Close()
}
