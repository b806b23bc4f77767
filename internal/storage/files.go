package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperjump/patmaster/internal/apperr"
)

// FileStore keeps uploaded documents and extracted images on local disk, laid out as
// {root}/{user_id}/{session_id}/{kind}{ext} and {root}/{user_id}/{session_id}/images/{image_id}.{format}.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create files directory: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Root returns the store's root directory.
func (f *FileStore) Root() string {
	return f.root
}

func (f *FileStore) sessionDir(userID, sessionID string) (string, error) {
	for _, part := range []string{userID, sessionID} {
		if part == "" || strings.ContainsAny(part, `/\`) || part == "." || part == ".." {
			return "", fmt.Errorf("invalid path segment %q", part)
		}
	}
	return filepath.Join(f.root, userID, sessionID), nil
}

// SaveUpload writes r to the session folder as name, refusing more than limit bytes.
// The file appears only once it is complete. Returns the stored path and its size.
func (f *FileStore) SaveUpload(userID, sessionID, name string, r io.Reader, limit int64) (string, int64, error) {
	dir, err := f.sessionDir(userID, sessionID)
	if err != nil {
		return "", 0, err
	}
	return writeAtomic(dir, filepath.Base(name), r, limit)
}

// SaveImage writes image bytes for imageID in the session's images folder.
func (f *FileStore) SaveImage(userID, sessionID, imageID, format string, data []byte) (string, error) {
	dir, err := f.sessionDir(userID, sessionID)
	if err != nil {
		return "", err
	}
	name := filepath.Base(imageID) + "." + strings.TrimPrefix(format, ".")
	path, _, err := writeAtomic(filepath.Join(dir, "images"), name, bytes.NewReader(data), 0)
	return path, err
}

// Open opens a stored file. Paths outside the store root are rejected.
func (f *FileStore) Open(path string) (*os.File, error) {
	if err := f.contains(path); err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.NotFound("file not found")
	}
	return file, err
}

// ReadFile reads a stored file.
func (f *FileStore) ReadFile(path string) ([]byte, error) {
	if err := f.contains(path); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Remove deletes a stored file. Missing files are ignored.
func (f *FileStore) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := f.contains(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveDocumentImages deletes every stored image of documentID in a session.
func (f *FileStore) RemoveDocumentImages(userID, sessionID, documentID string) error {
	dir, err := f.sessionDir(userID, sessionID)
	if err != nil {
		return err
	}
	if documentID == "" || strings.ContainsAny(documentID, `/\*?[`) {
		return fmt.Errorf("invalid document id %q", documentID)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "images", documentID+"_*"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// RemoveSession deletes every file of a project session.
func (f *FileStore) RemoveSession(userID, sessionID string) error {
	dir, err := f.sessionDir(userID, sessionID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// CheckWritable verifies the store can create and remove files.
func (f *FileStore) CheckWritable() error {
	tmp, err := os.CreateTemp(f.root, ".health-*")
	if err != nil {
		return fmt.Errorf("files directory not writable: %w", err)
	}
	name := tmp.Name()
	_ = tmp.Close()
	return os.Remove(name)
}

func (f *FileStore) contains(path string) error {
	rel, err := filepath.Rel(f.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %s is outside the file store", path)
	}
	return nil
}

// writeAtomic copies r into dir/name through a temp file and rename. limit <= 0 means no limit.
func writeAtomic(dir, name string, r io.Reader, limit int64) (string, int64, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", 0, fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("write file: %w", err)
	}
	if limit > 0 && n > limit {
		return "", 0, apperr.New(apperr.ErrTooLarge, fmt.Sprintf("file exceeds the %d MB limit", limit>>20), nil)
	}
	dst := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", 0, fmt.Errorf("finalize file: %w", err)
	}
	return dst, n, nil
}
