// Package raw serves an uncompressed disk image straight from a file.
package raw

import (
	"bufio"
	"io"
	"os"

	"github.com/blacktop/go-fskit/pkg/disk"
)

// Raw is a file-backed disk.Device.
type Raw struct {
	f *os.File
}

// NewRaw wraps an open image file.
func NewRaw(f *os.File) (*Raw, error) {
	return &Raw{f: f}, nil
}

func (r *Raw) ReadAt(p []byte, off int64) (n int, err error) {
	return r.f.ReadAt(p, off)
}

func (r *Raw) Close() error {
	return r.f.Close()
}

// ReadFile streams length bytes at off into w.
func (r *Raw) ReadFile(w *bufio.Writer, off, length int64) error {
	sr := io.NewSectionReader(r.f, off, length)
	_, err := io.CopyN(w, sr, length)
	return err
}

func (r *Raw) GetSize() uint64 {
	fi, err := r.f.Stat()
	if err != nil {
		return 0
	}
	return uint64(fi.Size())
}

func (r *Raw) SectorSize() uint32 {
	return disk.DefaultSectorSize
}
