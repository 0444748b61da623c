package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ReceiptStore persists uploaded receipt files under a single directory and
// hands back opaque file:// URLs. The approval engine never looks inside the
// URL; it only stores and returns it.
type ReceiptStore struct {
	dir string
}

// NewReceiptStore creates the upload directory if needed.
func NewReceiptStore(dir string) (*ReceiptStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("receipts: directory must not be empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("receipts: resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("receipts: create %s: %w", abs, err)
	}
	return &ReceiptStore{dir: abs}, nil
}

// Save writes the upload to disk under a caller-minted id and returns the
// opaque URL plus the SHA-256 checksum of the stored bytes. The id is minted
// before the expense row exists so the write can precede the transaction.
func (s *ReceiptStore) Save(uploadID uuid.UUID, filename string, r io.Reader) (string, string, error) {
	ext := sanitizeExt(filename)
	path := filepath.Join(s.dir, uploadID.String()+ext)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", "", fmt.Errorf("receipts: create %s: %w", path, err)
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, h), r); err != nil {
		f.Close()
		_ = os.Remove(path)
		return "", "", fmt.Errorf("receipts: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", "", fmt.Errorf("receipts: close %s: %w", path, err)
	}
	return "file://" + path, hex.EncodeToString(h.Sum(nil)), nil
}

// Remove deletes a previously stored receipt. It is the compensating action
// for submission rollbacks, so a missing file is not an error.
func (s *ReceiptStore) Remove(url string) error {
	path, ok := strings.CutPrefix(url, "file://")
	if !ok {
		return fmt.Errorf("receipts: unexpected url %q", url)
	}
	path = filepath.Clean(path)
	if !strings.HasPrefix(path, s.dir+string(filepath.Separator)) {
		return fmt.Errorf("receipts: %q is outside the upload directory", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("receipts: remove %s: %w", path, err)
	}
	return nil
}

// Dir reports the resolved upload directory.
func (s *ReceiptStore) Dir() string { return s.dir }

// sanitizeExt keeps only a short, safe file extension; anything suspicious
// collapses to .bin so user-controlled names never shape the path.
func sanitizeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	// A bare "." (from names like "dots...") carries no usable extension.
	if len(ext) < 2 || len(ext) > 8 {
		return ".bin"
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ".bin"
		}
	}
	return ext
}
