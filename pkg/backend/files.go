package backend

import (
	"io"
	"os"
	"path/filepath"
)

// FileStore reads and writes files in the workers' working directory.
// Open on a missing file returns an error matching fs.ErrNotExist.
type FileStore interface {
	WriteFile(name string, data []byte) error
	Open(name string) (io.ReadCloser, error)
	Remove(name string) error
}

// LocalFiles is a FileStore on the local filesystem.
type LocalFiles struct{}

// WriteFile writes data to name, creating parent directories.
func (LocalFiles) WriteFile(name string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	return os.WriteFile(name, data, 0o644)
}

// Open opens name for reading.
func (LocalFiles) Open(name string) (io.ReadCloser, error) {
	return os.Open(name)
}

// Remove deletes name.
func (LocalFiles) Remove(name string) error {
	return os.Remove(name)
}
