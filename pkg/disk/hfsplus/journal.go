package hfsplus

import "github.com/blacktop/go-fskit/types"

// Journal decoding is deliberately not implemented. Journaled volumes
// are still readable; replaying the journal is not.

func (fs *HFSPlus) JournalOpen(inum uint64) error {
	return types.Errorf(types.ErrUnsupported, "journal decoding is not supported for HFS+")
}

func (fs *HFSPlus) JournalEntryWalk(start, end int64) error {
	return types.Errorf(types.ErrUnsupported, "journal decoding is not supported for HFS+")
}

func (fs *HFSPlus) JournalBlockWalk(start, end uint64) error {
	return types.Errorf(types.ErrUnsupported, "journal decoding is not supported for HFS+")
}

func (fs *HFSPlus) Check() error {
	return types.Errorf(types.ErrUnsupported, "consistency checking is not supported for HFS+")
}
