package ssh

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/sftp"
)

// newPipeFiles serves the local filesystem over an in-process SFTP pipe.
func newPipeFiles(t *testing.T) *Files {
	t.Helper()

	clientRead, serverWrite := io.Pipe()
	serverRead, clientWrite := io.Pipe()

	server, err := sftp.NewServer(struct {
		io.Reader
		io.WriteCloser
	}{serverRead, serverWrite})
	if err != nil {
		t.Fatalf("failed to create sftp server: %v", err)
	}
	go func() { _ = server.Serve() }()

	client, err := sftp.NewClientPipe(clientRead, clientWrite)
	if err != nil {
		t.Fatalf("failed to create sftp client: %v", err)
	}

	files := NewFiles(client)
	t.Cleanup(func() {
		_ = server.Close()
		_ = files.Close()
	})
	return files
}

func TestFilesRoundTrip(t *testing.T) {
	files := newPipeFiles(t)
	name := filepath.Join(t.TempDir(), "nested", "exp.json")

	if err := files.WriteFile(name, []byte(`{"name":"exp"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	onDisk, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("file not written: %v", err)
	}
	if string(onDisk) != `{"name":"exp"}` {
		t.Errorf("unexpected content %q", onDisk)
	}

	r, err := files.Open(name)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	data, err := io.ReadAll(r)
	_ = r.Close()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != `{"name":"exp"}` {
		t.Errorf("unexpected read %q", data)
	}

	if err := files.Remove(name); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := os.Stat(name); !os.IsNotExist(err) {
		t.Errorf("expected file to be removed, stat err = %v", err)
	}
}

func TestFilesOpenMissing(t *testing.T) {
	files := newPipeFiles(t)

	_, err := files.Open(filepath.Join(t.TempDir(), "missing.csv"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist, got %v", err)
	}
}
