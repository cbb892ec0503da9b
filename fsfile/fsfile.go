// Package fsfile is the narrow file surface the paging core needs from the
// file system: open/close/length/seek/read/write and a deny-write toggle
// for running executables. Grounded on fd/fd.go's Fd_t close/reopen
// refcounting shape, but deliberately not adapted from
// ufs/ufs.go's full inode layer: that belongs to the on-disk file system,
// an external collaborator this module only calls through the interface
// below.
package fsfile

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// File_i is what mmap, lazy segment loading, and munmap's write-back need
// from a file.
type File_i interface {
	Length() (int64, error)
	Seek(off int64) error
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	SetDenyWrite(deny bool) error
	Close() error
}

// MemFile is an in-memory File_i, used by tests and by cmd/vmsim's scenario
// runner in place of a real host file.
type MemFile struct {
	mu        sync.Mutex
	data      []byte
	off       int64
	denyWrite bool
}

// NewMemFile wraps data directly (not copied): writes through the returned
// File_i mutate the caller's slice, matching how a real file's writes are
// visible to any other reader of the same backing store. A write that
// extends the file past len(data) moves it to a new, larger buffer, and
// from then on the caller's slice no longer sees writes.
func NewMemFile(data []byte) *MemFile {
	return &MemFile{data: data}
}

func (f *MemFile) Length() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data)), nil
}

func (f *MemFile) Seek(off int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off < 0 {
		return errors.New("fsfile: negative seek offset")
	}
	f.off = off
	return nil
}

func (f *MemFile) Read(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(buf, f.data[f.off:])
	f.off += int64(n)
	return n, nil
}

func (f *MemFile) Write(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyWrite {
		return 0, errors.New("fsfile: write denied")
	}
	end := f.off + int64(len(buf))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	n := copy(f.data[f.off:end], buf)
	f.off += int64(n)
	return n, nil
}

func (f *MemFile) SetDenyWrite(deny bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denyWrite = deny
	return nil
}

func (f *MemFile) Close() error { return nil }

// HostFile wraps a real *os.File for cmd/vmsim's on-disk scenario runs.
type HostFile struct {
	mu  sync.Mutex
	f   *os.File
	off int64
}

// NewHostFile wraps an already-open file.
func NewHostFile(f *os.File) *HostFile {
	return &HostFile{f: f}
}

func (h *HostFile) Length() (int64, error) {
	fi, err := h.f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "fsfile: stat")
	}
	return fi.Size(), nil
}

func (h *HostFile) Seek(off int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.off = off
	return nil
}

func (h *HostFile) Read(buf []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.f.ReadAt(buf, h.off)
	h.off += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (h *HostFile) Write(buf []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.f.WriteAt(buf, h.off)
	h.off += int64(n)
	return n, err
}

func (h *HostFile) SetDenyWrite(deny bool) error {
	// A host-backed executable's deny-write mode would chmod or flock the
	// underlying file; this module has no loader that reopens executables
	// for execution, so this is a no-op: nothing is enforced or recorded.
	return nil
}

func (h *HostFile) Close() error {
	return h.f.Close()
}
