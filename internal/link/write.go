package link

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrWriteFailure = errors.New("write failure")

var syncDirectory = syncDir

type WriteFailureError struct {
	Path string
	Op   string
	Err  error
	// Installed is set when the new image already replaced Path and only
	// making the rename durable failed.
	Installed bool
}

func (e *WriteFailureError) Error() string {
	return fmt.Sprintf("link: write %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *WriteFailureError) Is(target error) bool {
	return target == ErrWriteFailure
}

func (e *WriteFailureError) Unwrap() error { return e.Err }

// WriteFile stores the image at path with mode 0755. The bytes go to a
// temporary file in the same directory which is renamed over path only once
// it is fully written and synced, so a failed write never replaces an
// existing file. The one exception is a failure to sync the directory after
// the rename: the error then has Op "sync directory" and Installed set, and
// the new image is already at path.
func (img *Image) WriteFile(path string) error {
	fail := func(op string, cause error) error {
		return &WriteFailureError{Path: path, Op: op, Err: cause}
	}

	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fail("create temporary file", err)
	}
	tmp := f.Name()
	renamed := false
	defer func() {
		if f != nil {
			f.Close()
		}
		if !renamed {
			os.Remove(tmp)
		}
	}()

	if _, err := f.Write(img.raw); err != nil {
		return fail("write", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := f.Chmod(0o755); err != nil {
		return fail("chmod", err)
	}
	closeErr := f.Close()
	f = nil
	if closeErr != nil {
		return fail("close", closeErr)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fail("rename", err)
	}
	renamed = true
	if err := syncDirectory(dir); err != nil {
		return &WriteFailureError{Path: path, Op: "sync directory", Err: err, Installed: true}
	}
	return nil
}
