// Package blobstore persists uploaded file bytes on the local filesystem
// under a per-knowledge-base directory: {root}/{kb_id}/{file_id}{ext}.
// Content identity is a 32-hex truncated SHA-256 digest computed at upload
// time; identical content uploaded under different names yields the same
// hash but distinct blobs, since the path is keyed by file id.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Store writes and removes blobs under a fixed root directory.
// Safe for concurrent use; each operation touches a distinct path.
type Store struct {
	// root is the base directory for all knowledge-base subdirectories.
	root string
	// log records non-fatal deletion failures.
	log *slog.Logger
}

// New constructs a Store rooted at dir, creating it if needed.
func New(dir string, log *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("blobstore: root directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("blobstore: create root %s: %w", dir, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{root: dir, log: log}, nil
}

// HashContent returns the 32-hex content hash of data. The hash identifies
// the content, for dedup and debugging, not the file record.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// Path returns the absolute blob path for a file id within a knowledge base.
func (s *Store) Path(kbID, fileID, ext string) string {
	return filepath.Join(s.root, kbID, fileID+ext)
}

// Save writes data to {root}/{kb_id}/{file_id}{ext} and returns the stored
// path. An existing blob at the same path is replaced, which is what
// overwrite uploads rely on.
func (s *Store) Save(kbID, fileID, ext string, data []byte) (string, error) {
	dir := filepath.Join(s.root, kbID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("blobstore: create kb dir %s: %w", dir, err)
	}
	path := s.Path(kbID, fileID, ext)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("blobstore: write %s: %w", path, err)
	}
	return path, nil
}

// Read returns the stored bytes for a blob path.
func (s *Store) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %s: %w", path, err)
	}
	return data, nil
}

// Delete removes a single blob. A missing blob is treated as success; other
// failures are logged and returned so callers can decide; deletion paths
// in the facade treat them as non-fatal.
func (s *Store) Delete(path string) error {
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	s.log.Warn("blobstore: delete failed", slog.String("path", path), slog.Any("error", err))
	return fmt.Errorf("blobstore: delete %s: %w", path, err)
}

// DeleteKB removes a knowledge base's whole blob directory. Used when the
// knowledge base itself is deleted; failures are logged and returned but
// callers treat them as non-fatal.
func (s *Store) DeleteKB(kbID string) error {
	dir := filepath.Join(s.root, kbID)
	if err := os.RemoveAll(dir); err != nil {
		s.log.Warn("blobstore: delete kb dir failed", slog.String("dir", dir), slog.Any("error", err))
		return fmt.Errorf("blobstore: delete kb dir %s: %w", dir, err)
	}
	return nil
}
