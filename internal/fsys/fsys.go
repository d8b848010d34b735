// Package fsys abstracts the file system operations used by download tasks.
package fsys

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// FileSystem is the set of file operations a download task performs.
type FileSystem interface {
	Exists(path string) bool
	// Size returns the size of the file at path, or an error if it cannot be stat'ed.
	Size(path string) (int64, error)
	MkdirAll(dir string) error
	// CreateEmpty creates path as an empty file, truncating it if it already exists.
	CreateEmpty(path string) error
	// Remove deletes path. Removing a missing file is not an error.
	Remove(path string) error
	Move(src, dst string) error
	Open(path string) (io.ReadSeekCloser, error)
}

// OS implements FileSystem on the local disk.
type OS struct{}

var _ FileSystem = OS{}

func (OS) Exists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}

func (OS) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}

	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}

	return info.Size(), nil
}

func (OS) MkdirAll(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}

	return os.MkdirAll(dir, dirPerm)
}

func (OS) CreateEmpty(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return err
	}

	return f.Close()
}

func (OS) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return nil
}

func (OS) Open(path string) (io.ReadSeekCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	return f, nil
}

// Move renames src to dst, replacing dst. Across devices it falls back to copy and remove.
func (o OS) Move(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}

	return o.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)

		return err
	}

	return out.Close()
}
