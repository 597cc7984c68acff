package artifacts

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
	"time"

	"github.com/google/uuid"
)

// LocalStore copies artifacts into BaseDir under fresh names.
type LocalStore struct {
	BaseDir string
}

// StoreArtifact copies the file at src into the store. The copy is what gets
// published; src may be removed as soon as this returns.
func (store *LocalStore) StoreArtifact(src string, attemptID uint64) (*Artifact, error) {
	if store.BaseDir == "" {
		return nil, errors.New("base directory is not configured")
	}
	if src == "" {
		return nil, errors.New("artifact path is required")
	}
	if err := os.MkdirAll(store.BaseDir, 0o755); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	dest := filepath.Join(store.BaseDir, id+filepath.Ext(src))
	sum, size, err := copyFile(src, dest)
	if err != nil {
		return nil, err
	}

	return &Artifact{
		ID:          id,
		Path:        dest,
		Checksum:    sum,
		Size:        size,
		ContentType: detectContentType(dest),
		CreatedAt:   time.Now(),
		AttemptID:   attemptID,
	}, nil
}

// RemoveArtifact deletes the artifact file. A missing file is not an error.
func (store *LocalStore) RemoveArtifact(artifact *Artifact) error {
	if artifact == nil || artifact.Path == "" {
		return nil
	}
	if err := os.Remove(artifact.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Clear removes the store directory and everything in it.
func (store *LocalStore) Clear() error {
	if store.BaseDir == "" {
		return nil
	}
	if err := os.RemoveAll(store.BaseDir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// copyFile copies src to dest and returns the sha256 and size of the bytes
// written. A failed copy leaves nothing at dest.
func copyFile(src, dest string) (checksum string, size int64, err error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return "", 0, err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	hash := sha256.New()
	size, err = io.Copy(io.MultiWriter(tmp, hash), in)
	if err != nil {
		return "", 0, err
	}
	if err = tmp.Sync(); err != nil {
		return "", 0, err
	}
	if err = tmp.Close(); err != nil {
		return "", 0, err
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", 0, err
	}
	if err = os.Rename(tmp.Name(), dest); err != nil {
		return "", 0, fmt.Errorf("rename into place: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

func detectContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}
