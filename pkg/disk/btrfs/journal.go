package btrfs

import "github.com/blacktop/go-fskit/types"

// Journal decoding is deliberately not implemented.

func (fs *Btrfs) JournalOpen(inum uint64) error {
	return types.Errorf(types.ErrUnsupported, "journal decoding is not supported for Btrfs")
}

func (fs *Btrfs) JournalEntryWalk(start, end int64) error {
	return types.Errorf(types.ErrUnsupported, "journal decoding is not supported for Btrfs")
}

func (fs *Btrfs) JournalBlockWalk(start, end uint64) error {
	return types.Errorf(types.ErrUnsupported, "journal decoding is not supported for Btrfs")
}

func (fs *Btrfs) Check() error {
	return types.Errorf(types.ErrUnsupported, "consistency checking is not supported for Btrfs")
}
