// Package archive provides content-addressed blob storage for sealed audit
// evidence packs. Every blob is keyed by the sha256 of its bytes, so the
// checksum the audit exporter reports is also the address the pack is
// retrieved by, and any mutation of stored bytes is detectable on read.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is the contract for content-addressed pack storage. Put is
// idempotent: storing the same bytes twice returns the same address and
// writes at most once.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, addr string) ([]byte, error)
	Exists(ctx context.Context, addr string) (bool, error)
	Delete(ctx context.Context, addr string) error
}

const addrPrefix = "sha256:"

// Address returns the content address for data.
func Address(data []byte) string {
	sum := sha256.Sum256(data)
	return addrPrefix + hex.EncodeToString(sum[:])
}

// parseAddress validates "sha256:<64 hex>" and returns the bare hex digest.
func parseAddress(addr string) (string, error) {
	digest, ok := strings.CutPrefix(addr, addrPrefix)
	if !ok {
		return "", fmt.Errorf("archive: address %q lacks sha256 prefix", addr)
	}
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return "", fmt.Errorf("archive: address %q is not hex: %w", addr, err)
	}
	if len(raw) != sha256.Size {
		return "", fmt.Errorf("archive: address %q has %d digest bytes, want %d", addr, len(raw), sha256.Size)
	}
	return digest, nil
}

// verifyContent re-hashes retrieved bytes against their address. A mismatch
// means the backing storage was modified underneath the archive.
func verifyContent(addr string, data []byte) error {
	if Address(data) != addr {
		return fmt.Errorf("archive: content of %s does not match its address (stored bytes were altered)", addr)
	}
	return nil
}

// FileStore keeps packs on the local filesystem, fanned out git-style into
// two-character subdirectories to keep directory listings manageable.
type FileStore struct {
	dir string

	// mu serializes writers only; reads go straight to the filesystem since
	// blobs are immutable once the rename commits.
	mu sync.Mutex
}

// NewFileStore creates (if needed) and opens a filesystem archive rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// blobPath maps a bare hex digest to its on-disk location.
func (s *FileStore) blobPath(digest string) string {
	return filepath.Join(s.dir, digest[:2], digest[2:]+".pack")
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	addr := Address(data)
	digest := strings.TrimPrefix(addr, addrPrefix)
	path := s.blobPath(digest)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return addr, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("archive: create fanout dir: %w", err)
	}

	// Write-then-rename so a crash never leaves a half-written pack at the
	// committed path.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pack-*")
	if err != nil {
		return "", fmt.Errorf("archive: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("archive: write pack: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("archive: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("archive: commit pack: %w", err)
	}
	return addr, nil
}

func (s *FileStore) Get(_ context.Context, addr string) ([]byte, error) {
	digest, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(s.blobPath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("archive: pack not found: %s", addr)
		}
		return nil, fmt.Errorf("archive: open pack: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("archive: read pack: %w", err)
	}
	if err := verifyContent(addr, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, addr string) (bool, error) {
	digest, err := parseAddress(addr)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(s.blobPath(digest)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("archive: stat pack: %w", err)
	}
	return true, nil
}

func (s *FileStore) Delete(_ context.Context, addr string) error {
	digest, err := parseAddress(addr)
	if err != nil {
		return err
	}
	if err := os.Remove(s.blobPath(digest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive: delete pack: %w", err)
	}
	return nil
}
