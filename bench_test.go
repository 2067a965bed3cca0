package fskit_test

import (
	"io"
	"os"
	"testing"

	fskit "github.com/blacktop/go-fskit"
	"github.com/blacktop/go-fskit/types"
)

// Fixture images. Create with:
//
//	hdiutil create -size 64m -fs HFS+ -volname Test -o testdata/hfsplus
//	(then: hdiutil convert testdata/hfsplus.dmg -format UDTO -o testdata/hfsplus && mv testdata/hfsplus.cdr testdata/hfsplus.img)
//
//	truncate -s 128m testdata/btrfs.img && mkfs.btrfs testdata/btrfs.img
const (
	TestHFSImage   = "testdata/hfsplus.img"
	TestBtrfsImage = "testdata/btrfs.img"
)

func skipIfNoImage(t testing.TB, path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Skipf("test image not found at %s - see bench_test.go for creation steps", path)
	}
}

// BenchmarkOpenHFSPlus measures the time to detect and open an HFS+ image.
// This includes the volume header, wrapper probe and B-tree header reads.
func BenchmarkOpenHFSPlus(b *testing.B) {
	skipIfNoImage(b, TestHFSImage)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fs, err := fskit.Open(TestHFSImage)
		if err != nil {
			b.Fatalf("failed to open image: %v", err)
		}
		fs.Close()
	}
}

// BenchmarkOpenBtrfs measures the time to detect and open a Btrfs image.
// This includes superblock selection, chunk bootstrap and root tree reads.
func BenchmarkOpenBtrfs(b *testing.B) {
	skipIfNoImage(b, TestBtrfsImage)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fs, err := fskit.Open(TestBtrfsImage)
		if err != nil {
			b.Fatalf("failed to open image: %v", err)
		}
		fs.Close()
	}
}

// BenchmarkInodeWalk measures a full metadata sweep, the hot path for
// triage tooling built on top of the decoders.
func BenchmarkInodeWalk(b *testing.B) {
	skipIfNoImage(b, TestHFSImage)

	fs, err := fskit.Open(TestHFSImage)
	if err != nil {
		b.Fatalf("failed to open image: %v", err)
	}
	defer fs.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		err := fs.InodeWalk(fs.FirstInum(), fs.LastInum(), func(in *types.Inode) types.WalkAction {
			return types.WalkCont
		})
		if err != nil {
			b.Fatalf("failed to walk inodes: %v", err)
		}
	}
}

// BenchmarkOpenDirRoot measures listing the root directory, including
// the synthesized "." and ".." entries and virtual metadata files.
func BenchmarkOpenDirRoot(b *testing.B) {
	skipIfNoImage(b, TestHFSImage)

	fs, err := fskit.Open(TestHFSImage)
	if err != nil {
		b.Fatalf("failed to open image: %v", err)
	}
	defer fs.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := fs.OpenDir(fs.RootInum()); err != nil {
			b.Fatalf("failed to open root dir: %v", err)
		}
	}
}

// BenchmarkBlockWalk measures the allocation bitmap sweep.
func BenchmarkBlockWalk(b *testing.B) {
	skipIfNoImage(b, TestHFSImage)

	fs, err := fskit.Open(TestHFSImage)
	if err != nil {
		b.Fatalf("failed to open image: %v", err)
	}
	defer fs.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		err := fs.BlockWalk(fs.FirstBlock(), fs.LastBlock(), func(addr uint64, flags types.WalkFlag) types.WalkAction {
			return types.WalkCont
		})
		if err != nil {
			b.Fatalf("failed to walk blocks: %v", err)
		}
	}
}

// BenchmarkReadFile measures content streaming through the default
// data attribute, extents mapping included.
func BenchmarkReadFile(b *testing.B) {
	skipIfNoImage(b, TestHFSImage)

	fs, err := fskit.Open(TestHFSImage)
	if err != nil {
		b.Fatalf("failed to open image: %v", err)
	}
	defer fs.Close()

	// find a file with content to read
	var target *types.Inode
	err = fs.InodeWalk(fs.FirstInum(), fs.LastInum(), func(in *types.Inode) types.WalkAction {
		if in.Type == types.TypeRegular && in.Size > 1000 {
			target = in
			return types.WalkStop
		}
		return types.WalkCont
	})
	if err != nil {
		b.Fatalf("failed to walk inodes: %v", err)
	}
	if target == nil {
		b.Skip("no suitable file found for reading")
	}
	data := target.Attrs.Default()
	if data == nil {
		b.Skip("target file has no content stream")
	}

	buf := make([]byte, 1<<20)

	b.ResetTimer()
	b.SetBytes(data.Size)

	for i := 0; i < b.N; i++ {
		var off int64
		for off < data.Size {
			n, err := data.ReadAt(buf, off)
			if err != nil && err != io.EOF {
				b.Fatalf("failed to read at offset %d: %v", off, err)
			}
			if n == 0 {
				break
			}
			off += int64(n)
		}
	}
}

// TestIntegrationListRoot opens each available fixture and lists the
// root directory.
// Run with: go test -v -run TestIntegrationListRoot
func TestIntegrationListRoot(t *testing.T) {
	for _, path := range []string{TestHFSImage, TestBtrfsImage} {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			t.Logf("skipping %s: image not present", path)
			continue
		}

		fs, err := fskit.Open(path)
		if err != nil {
			t.Fatalf("failed to open %s: %v", path, err)
		}

		t.Logf("%s: detected %s", path, fs.Type)

		dir, err := fs.OpenDir(fs.RootInum())
		if err != nil {
			fs.Close()
			t.Fatalf("failed to open root dir of %s: %v", path, err)
		}
		for _, e := range dir.Entries {
			t.Logf("  %s/%s %d:\t%s", e.Type, e.Type, e.Inum, e.Name)
		}

		fs.Close()
	}
}
