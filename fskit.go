package fskit

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-fskit/pkg/disk"
	"github.com/blacktop/go-fskit/pkg/disk/btrfs"
	"github.com/blacktop/go-fskit/pkg/disk/hfsplus"
	"github.com/blacktop/go-fskit/pkg/disk/raw"
	"github.com/blacktop/go-fskit/types"
)

// FileSystem is the read-only decoder surface shared by both supported
// filesystems.
type FileSystem interface {
	io.Closer

	BlockSize() uint32
	FirstBlock() uint64
	LastBlock() uint64
	LastBlockAct() uint64
	FirstInum() uint64
	LastInum() uint64
	RootInum() uint64

	NameCmp(a, b string) int

	GetInode(inum uint64) (*types.Inode, error)
	OpenDir(inum uint64) (*types.Directory, error)
	InodeWalk(start, end uint64, cb types.InodeWalkFunc) error
	BlockWalk(start, end uint64, cb types.BlockWalkFunc) error
	BlockFlags(addr uint64) (types.WalkFlag, error)

	FileSystemStat(w io.Writer) error
	InodeStat(w io.Writer, inum uint64) error

	JournalOpen(inum uint64) error
	JournalEntryWalk(start, end int64) error
	JournalBlockWalk(start, end uint64) error
	Check() error
}

var (
	_ FileSystem = (*btrfs.Btrfs)(nil)
	_ FileSystem = (*hfsplus.HFSPlus)(nil)
)

// FS binds a detected filesystem to its backing device and adds
// path-based convenience operations.
type FS struct {
	FileSystem

	Type Type

	dev    disk.Device
	closer io.Closer
}

// Open opens the named image, detects the filesystem and prepares the
// matching decoder.
func Open(name string) (*FS, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	ra, err := raw.NewRaw(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	fs, err := New(ra)
	if err != nil {
		f.Close()
		return nil, err
	}
	fs.closer = f
	return fs, nil
}

// New detects and opens a filesystem over a device.
func New(dev disk.Device) (*FS, error) {
	typ, err := Detect(dev)
	if err != nil {
		return nil, err
	}
	fs := &FS{Type: typ, dev: dev}
	switch typ {
	case BTRFS:
		fs.FileSystem, err = btrfs.New(dev)
	case HFS:
		fs.FileSystem, err = hfsplus.New(dev)
	}
	if err != nil {
		return nil, types.AppendContext(err, "opening %s filesystem", typ)
	}
	log.WithField("type", typ.String()).Debug("filesystem opened")
	return fs, nil
}

// Close closes the decoder and the backing file, if owned.
func (fs *FS) Close() error {
	err := fs.FileSystem.Close()
	if fs.closer != nil {
		if cerr := fs.closer.Close(); err == nil {
			err = cerr
		}
		fs.closer = nil
	}
	return err
}

// ResolvePath walks a slash-separated path from the root directory to
// an inode number, comparing names under the filesystem's case policy.
// Symbolic links are not followed.
func (fs *FS) ResolvePath(path string) (uint64, error) {
	inum := fs.RootInum()
	parts := strings.FieldsFunc(path, func(c rune) bool {
		return c == '/' || c == filepath.Separator
	})
	for _, part := range parts {
		dir, err := fs.OpenDir(inum)
		if err != nil {
			return 0, types.AppendContext(err, "resolving %q", path)
		}
		entry := dir.EntryByName(part, fs.NameCmp)
		if entry == nil {
			return 0, types.Errorf(types.ErrArg, "path component %q not found in %q", part, path)
		}
		inum = entry.Inum
	}
	return inum, nil
}

// Cat writes a file's primary content stream to w.
func (fs *FS) Cat(path string, w io.Writer) error {
	inum, err := fs.ResolvePath(path)
	if err != nil {
		return err
	}
	in, err := fs.GetInode(inum)
	if err != nil {
		return err
	}
	if in.IsDir() {
		return types.Errorf(types.ErrArg, "%q is a directory", path)
	}
	return fs.writeAttr(in, w)
}

func (fs *FS) writeAttr(in *types.Inode, w io.Writer) error {
	data := in.Attrs.Default()
	if data == nil {
		return types.Errorf(types.ErrArg, "inode %d has no content stream", in.Addr)
	}
	buf := make([]byte, 1<<20)
	var off int64
	for off < data.Size {
		n := int64(len(buf))
		if rem := data.Size - off; rem < n {
			n = rem
		}
		read, err := data.ReadAt(buf[:n], off)
		if err != nil && err != io.EOF {
			return types.AppendContext(err, "reading inode %d at %d", in.Addr, off)
		}
		if read == 0 {
			break
		}
		if _, err := w.Write(buf[:read]); err != nil {
			return err
		}
		off += int64(read)
	}
	return nil
}

// Copy extracts a file to dest. A dest naming an existing directory
// receives the file under its own base name.
func (fs *FS) Copy(src, dest string) error {
	inum, err := fs.ResolvePath(src)
	if err != nil {
		return err
	}
	in, err := fs.GetInode(inum)
	if err != nil {
		return err
	}
	if in.IsDir() {
		return types.Errorf(types.ErrArg, "%q is a directory", src)
	}

	if fi, err := os.Stat(dest); err == nil && fi.IsDir() {
		dest = filepath.Join(dest, filepath.Base(strings.TrimRight(src, "/")))
	}
	fo, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer fo.Close()

	if err := fs.writeAttr(in, fo); err != nil {
		return err
	}
	log.WithFields(log.Fields{"src": src, "dest": dest, "size": in.Size}).Info("extracted file")
	return nil
}

// List returns the directory listing at path.
func (fs *FS) List(path string) (*types.Directory, error) {
	inum, err := fs.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	return fs.OpenDir(inum)
}
