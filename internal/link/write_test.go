package link

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/tinyrange/nativec/internal/target"
)

func TestWriteFile(t *testing.T) {
	img := linkTree(t, helloTree(), target.FormatELF, Options{})
	dir := t.TempDir()
	path := filepath.Join(dir, "hello")
	if err := os.WriteFile(path, []byte("old contents"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := img.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, img.Bytes()) {
		t.Fatalf("file has %d bytes, want %d", len(got), img.Size())
	}
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm(); perm != 0o755 {
			t.Fatalf("mode=%v, want 0755", perm)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("directory holds %d entries, want only the output", len(entries))
	}
}

func TestWriteFileMissingDirectory(t *testing.T) {
	img := linkTree(t, helloTree(), target.FormatELF, Options{})
	parent := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(parent, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	err := img.WriteFile(filepath.Join(parent, "out"))
	if !errors.Is(err, ErrWriteFailure) {
		t.Fatalf("err=%v, want ErrWriteFailure", err)
	}
	var wf *WriteFailureError
	if !errors.As(err, &wf) || wf.Op != "create temporary file" {
		t.Fatalf("err=%+v", err)
	}
}

func TestWriteFileLeavesDestinationOnRenameFailure(t *testing.T) {
	img := linkTree(t, helloTree(), target.FormatELF, Options{})
	dir := t.TempDir()
	dest := filepath.Join(dir, "out")
	if err := os.Mkdir(dest, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dest, "keep"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := img.WriteFile(dest)
	var wf *WriteFailureError
	if !errors.As(err, &wf) || wf.Op != "rename" || wf.Path != dest {
		t.Fatalf("err=%v, want rename failure", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "keep")); err != nil {
		t.Fatalf("destination was disturbed: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("temporary file left behind: %d entries", len(entries))
	}
}

func TestWriteFileDirectorySyncFailureReportsInstalled(t *testing.T) {
	img := linkTree(t, helloTree(), target.FormatELF, Options{})
	path := filepath.Join(t.TempDir(), "out")
	if err := os.WriteFile(path, []byte("old contents"), 0o644); err != nil {
		t.Fatal(err)
	}
	cause := errors.New("fsync: input/output error")
	orig := syncDirectory
	syncDirectory = func(string) error { return cause }
	t.Cleanup(func() { syncDirectory = orig })

	err := img.WriteFile(path)
	if !errors.Is(err, ErrWriteFailure) || !errors.Is(err, cause) {
		t.Fatalf("err=%v, want write failure wrapping %v", err, cause)
	}
	var wf *WriteFailureError
	if !errors.As(err, &wf) || wf.Op != "sync directory" || !wf.Installed {
		t.Fatalf("err=%+v, want installed sync directory failure", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, img.Bytes()) {
		t.Fatalf("new image not in place after rename")
	}
}

func TestWriteFileReadOnlyDirectory(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("directory permissions are not enforced")
	}
	img := linkTree(t, helloTree(), target.FormatELF, Options{})
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(dir, 0o755) })

	if err := img.WriteFile(filepath.Join(dir, "out")); !errors.Is(err, ErrWriteFailure) {
		t.Fatalf("err=%v, want ErrWriteFailure", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "out")); !os.IsNotExist(err) {
		t.Fatalf("output exists after failure: %v", err)
	}
}
