package disk

import (
	"bufio"
	"io"
	"os"
)

// DefaultSectorSize is assumed when the backing store cannot report one.
const DefaultSectorSize = 512

// Device is a read-only disk image object
type Device interface {
	io.ReaderAt
	io.Closer
	ReadFile(w *bufio.Writer, off, length int64) error
	GetSize() uint64
	SectorSize() uint32
}

type Generic struct {
	io.ReaderAt
	io.Closer

	f      *os.File
	size   int64
	sector uint32
}

func Open(in string) (Device, error) {
	f, err := os.Open(in)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	g := NewGeneric(f, fi.Size())
	g.f = f
	return g, nil
}

func NewGeneric(r io.ReaderAt, size int64) *Generic {
	return &Generic{
		ReaderAt: r,
		size:     size,
		sector:   DefaultSectorSize,
	}
}

func (g *Generic) Close() error {
	if g.f != nil {
		return g.f.Close()
	}
	return nil
}

func (g *Generic) ReadFile(w *bufio.Writer, off, length int64) error {
	sr := io.NewSectionReader(g.ReaderAt, off, length)
	_, err := io.CopyN(w, sr, length)
	return err
}

func (g *Generic) GetSize() uint64 {
	return uint64(g.size)
}

func (g *Generic) SectorSize() uint32 {
	return g.sector
}

// Section is a byte-offset view into another device, used to reopen an
// embedded volume (HFS wrapper) without copying.
type Section struct {
	dev Device
	off int64
}

func NewSection(dev Device, off int64) *Section {
	return &Section{dev: dev, off: off}
}

func (s *Section) ReadAt(p []byte, off int64) (int, error) {
	return s.dev.ReadAt(p, s.off+off)
}

func (s *Section) Close() error { return nil }

func (s *Section) ReadFile(w *bufio.Writer, off, length int64) error {
	return s.dev.ReadFile(w, s.off+off, length)
}

func (s *Section) GetSize() uint64 {
	total := s.dev.GetSize()
	if uint64(s.off) >= total {
		return 0
	}
	return total - uint64(s.off)
}

func (s *Section) SectorSize() uint32 {
	return s.dev.SectorSize()
}
