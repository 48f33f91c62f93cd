package archive

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	data := []byte("sealed evidence pack")
	addr, err := store.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !strings.HasPrefix(addr, "sha256:") {
		t.Errorf("address %q lacks sha256 prefix", addr)
	}
	if len(addr) != len("sha256:")+64 {
		t.Errorf("address length = %d, want %d", len(addr), len("sha256:")+64)
	}

	got, err := store.Get(ctx, addr)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get returned %q, want %q", got, data)
	}

	// Storing the same bytes again is a no-op with the same address.
	again, err := store.Put(ctx, data)
	if err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	if again != addr {
		t.Errorf("second Put returned %q, want %q", again, addr)
	}
}

func TestFileStoreGetDetectsAlteredContent(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	addr, err := store.Put(ctx, []byte("original pack"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Rewrite the blob behind the store's back.
	digest := strings.TrimPrefix(addr, "sha256:")
	if err := os.WriteFile(store.blobPath(digest), []byte("tampered pack"), 0o644); err != nil {
		t.Fatalf("overwrite blob: %v", err)
	}

	_, err = store.Get(ctx, addr)
	if err == nil {
		t.Fatal("Get returned altered content without error")
	}
	if !strings.Contains(err.Error(), "does not match") {
		t.Errorf("error = %q, want content mismatch", err)
	}
}

func TestFileStoreExistsAndDelete(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	addr, err := store.Put(ctx, []byte("pack"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	ok, err := store.Exists(ctx, addr)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v, want true, nil", ok, err)
	}

	if err := store.Delete(ctx, addr); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	ok, err = store.Exists(ctx, addr)
	if err != nil || ok {
		t.Fatalf("Exists after delete = %v, %v, want false, nil", ok, err)
	}

	// Deleting an absent pack is not an error.
	if err := store.Delete(ctx, addr); err != nil {
		t.Errorf("Delete of absent pack failed: %v", err)
	}
}

func TestFileStoreRejectsMalformedAddresses(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	for _, addr := range []string{
		"deadbeef",
		"sha256:not-hex-at-all",
		"sha256:deadbeef", // too short
		"md5:d41d8cd98f00b204e9800998ecf8427e",
	} {
		if _, err := store.Get(ctx, addr); err == nil {
			t.Errorf("Get(%q) succeeded, want error", addr)
		}
		if _, err := store.Exists(ctx, addr); err == nil {
			t.Errorf("Exists(%q) succeeded, want error", addr)
		}
	}
}

func TestAddressMatchesExporterChecksum(t *testing.T) {
	data := []byte("zip bytes")
	addr := Address(data)
	if !strings.HasPrefix(addr, "sha256:") {
		t.Fatalf("Address = %q, want sha256 prefix", addr)
	}
	if addr != Address(data) {
		t.Error("Address is not deterministic")
	}
}

func TestNewStoreFromEnvDefaultsToFileStore(t *testing.T) {
	t.Setenv("AEGIS_ARCHIVE_BACKEND", "")
	t.Setenv("AEGIS_ARCHIVE_DIR", t.TempDir())

	store, err := NewStoreFromEnv(context.Background())
	if err != nil {
		t.Fatalf("NewStoreFromEnv failed: %v", err)
	}
	if _, ok := store.(*FileStore); !ok {
		t.Fatalf("expected *FileStore, got %T", store)
	}
}

func TestNewStoreFromEnvUnknownBackend(t *testing.T) {
	t.Setenv("AEGIS_ARCHIVE_BACKEND", "tape")

	if _, err := NewStoreFromEnv(context.Background()); err == nil {
		t.Fatal("unknown backend accepted")
	}
}

func TestNewStoreFromEnvS3RequiresBucket(t *testing.T) {
	t.Setenv("AEGIS_ARCHIVE_BACKEND", "s3")
	t.Setenv("AEGIS_ARCHIVE_S3_BUCKET", "")

	if _, err := NewStoreFromEnv(context.Background()); err == nil {
		t.Fatal("missing bucket accepted")
	}
}
