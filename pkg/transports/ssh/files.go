package ssh

import (
	"fmt"
	"io"
	"path"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// Files reads and writes files on the remote host over SFTP.
type Files struct {
	client *sftp.Client
}

// NewFiles wraps an SFTP client.
func NewFiles(client *sftp.Client) *Files {
	return &Files{client: client}
}

// Files opens an SFTP session on the connection. Callers close the returned store.
func (c *Client) Files() (*Files, error) {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return NewFiles(client), nil
}

// WriteFile creates or truncates name, creating parent directories.
func (f *Files) WriteFile(name string, data []byte) error {
	if err := f.client.MkdirAll(path.Dir(name)); err != nil {
		return &TransportError{Op: "sftp-write", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	file, err := f.client.Create(name)
	if err != nil {
		return &TransportError{Op: "sftp-write", Err: err, IsTemporary: true}
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return &TransportError{Op: "sftp-write", Err: err, IsTemporary: true}
	}
	if err := file.Close(); err != nil {
		return &TransportError{Op: "sftp-write", Err: err}
	}

	log.Debug().Str("remote", name).Int("bytes", len(data)).Msg("file uploaded")
	return nil
}

// Open opens name for reading. A missing file yields an error matching fs.ErrNotExist.
func (f *Files) Open(name string) (io.ReadCloser, error) {
	file, err := f.client.Open(name)
	if err != nil {
		return nil, &TransportError{Op: "sftp-open", Err: err}
	}
	return file, nil
}

// Remove deletes name.
func (f *Files) Remove(name string) error {
	if err := f.client.Remove(name); err != nil {
		return &TransportError{Op: "sftp-remove", Err: err}
	}
	return nil
}

// Close ends the SFTP session.
func (f *Files) Close() error {
	return f.client.Close()
}
