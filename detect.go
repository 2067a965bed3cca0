package fskit

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/blacktop/go-fskit/pkg/disk/btrfs"
	"github.com/blacktop/go-fskit/pkg/disk/hfsplus"
	"github.com/blacktop/go-fskit/types"
)

// Type identifies a detected filesystem.
type Type uint8

const (
	UNKNOWN Type = iota
	BTRFS
	HFS
)

func (t Type) String() string {
	switch t {
	case BTRFS:
		return "Btrfs"
	case HFS:
		return "HFS+"
	default:
		return "unknown"
	}
}

func checkBtrfs(r io.ReaderAt) bool {
	magic := make([]byte, len(btrfs.Magic))
	for i := 0; i < btrfs.SuperblockMirrorMax; i++ {
		off := btrfs.SuperblockMirrorOffset(i) + btrfs.SuperblockMagicOffset
		if _, err := r.ReadAt(magic, off); err != nil {
			continue
		}
		if bytes.Equal(magic, []byte(btrfs.Magic)) {
			return true
		}
	}
	return false
}

func checkHFS(r io.ReaderAt) bool {
	sig := make([]byte, 2)
	if _, err := r.ReadAt(sig, hfsplus.VolumeHeaderOffset); err != nil {
		return false
	}
	switch binary.BigEndian.Uint16(sig) {
	case hfsplus.HFSPlusSigWord, hfsplus.HFSXSigWord, hfsplus.HFSWrapperSigWord:
		return true
	}
	return false
}

// Detect probes the image for a supported filesystem signature.
func Detect(r io.ReaderAt) (Type, error) {
	if checkBtrfs(r) {
		return BTRFS, nil
	}
	if checkHFS(r) {
		return HFS, nil
	}
	return UNKNOWN, types.Errorf(types.ErrMagic, "no supported filesystem signature found")
}
