// Package local implements the local filesystem side of remote transfers:
// opening sources for upload, creating destinations for download, and
// carrying timestamps and permissions across. Every failure is reported as
// a client.KindIO error so callers can tell local from remote failures.
package local

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"digital.vasic.remotefs/pkg/client"
)

// Source is a local file opened for upload.
type Source struct {
	*os.File
	Size    int64
	ModTime time.Time
	Mode    os.FileMode
}

// OpenSource opens a regular local file for reading.
func OpenSource(path string) (*Source, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, wrapIO(err, "failed to open local file %s", path)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, wrapIO(err, "failed to stat local file %s", path)
	}
	if stat.IsDir() {
		file.Close()
		return nil, client.NewError(client.KindIO, "local path %s is a directory", path)
	}

	return &Source{
		File:    file,
		Size:    stat.Size(),
		ModTime: stat.ModTime(),
		Mode:    stat.Mode(),
	}, nil
}

// SeekTo positions the source at offset for a resumed upload.
func (s *Source) SeekTo(offset int64) error {
	if _, err := s.File.Seek(offset, io.SeekStart); err != nil {
		return wrapIO(err, "failed to seek local file %s", s.Name())
	}
	return nil
}

// Destination is a local file opened for download.
type Destination struct {
	*os.File
	// Offset is the number of bytes already present when resuming.
	Offset int64
}

// CreateDestination opens path for writing. Parent directories are created.
// An existing file is truncated when overwrite is set. Without overwrite,
// an existing file shorter than a known remoteSize is opened for appending
// when resume is set, with Offset at its size; any other existing file is
// rejected.
func CreateDestination(path string, overwrite, resume bool, remoteSize int64) (*Destination, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrapIO(err, "failed to create local directory %s", dir)
	}

	stat, err := os.Stat(path)
	switch {
	case err == nil && stat.IsDir():
		return nil, client.NewError(client.KindIO, "local path %s is a directory", path)
	case err == nil:
		if !overwrite && resume && remoteSize > 0 && stat.Size() < remoteSize {
			file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
			if err != nil {
				return nil, wrapIO(err, "failed to open local file %s for resume", path)
			}
			return &Destination{File: file, Offset: stat.Size()}, nil
		}
		if !overwrite {
			return nil, client.NewError(client.KindIO, "local file %s already exists", path)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, wrapIO(err, "failed to stat local file %s", path)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, wrapIO(err, "failed to create local file %s", path)
	}
	return &Destination{File: file}, nil
}

// Close flushes and closes the destination.
func (d *Destination) Close() error {
	if err := d.File.Close(); err != nil {
		return wrapIO(err, "failed to close local file %s", d.Name())
	}
	return nil
}

// SetModTime sets both access and modification time of path.
func SetModTime(path string, mtime time.Time) error {
	if mtime.IsZero() {
		return nil
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		return wrapIO(err, "failed to set modification time on %s", path)
	}
	return nil
}

// SetMode applies permission bits to path.
func SetMode(path string, mode os.FileMode) error {
	if err := os.Chmod(path, mode.Perm()); err != nil {
		return wrapIO(err, "failed to set permissions on %s", path)
	}
	return nil
}

func wrapIO(err error, format string, args ...interface{}) error {
	return client.WrapError(err, client.KindIO, format, args...)
}
