package hfsplus

import (
	"encoding/binary"

	"github.com/blacktop/go-fskit/types"
)

// parseExtentsKey decodes an extents overflow key including its length
// prefix.
func parseExtentsKey(key []byte) (*ExtentsKey, error) {
	if len(key) < 12 {
		return nil, types.Errorf(types.ErrCorrupt, "extents key too short (%d bytes)", len(key))
	}
	return &ExtentsKey{
		ForkType:   key[2],
		FileID:     CatalogNodeID(binary.BigEndian.Uint32(key[4:])),
		StartBlock: binary.BigEndian.Uint32(key[8:]),
	}, nil
}

// compareExtentsKey orders an on-disk key against a target. Extents
// records sort by file ID, then fork type, then start block.
func compareExtentsKey(ek *ExtentsKey, fileID CatalogNodeID, forkType uint8, startBlock uint32) int {
	switch {
	case ek.FileID < fileID:
		return -1
	case ek.FileID > fileID:
		return 1
	case ek.ForkType < forkType:
		return -1
	case ek.ForkType > forkType:
		return 1
	case ek.StartBlock < startBlock:
		return -1
	case ek.StartBlock > startBlock:
		return 1
	default:
		return 0
	}
}

// overflowExtents collects the overflow extent records of one fork, in
// start-block order, beginning at startBlock.
func (fs *HFSPlus) overflowExtents(cnid CatalogNodeID, forkType uint8, startBlock uint32) ([]ExtentDescriptor, error) {
	if fs.extents == nil {
		return nil, nil
	}
	var out []ExtentDescriptor
	err := fs.extents.traverse(
		func(key []byte) (idxVerdict, error) {
			ek, err := parseExtentsKey(key)
			if err != nil {
				return 0, err
			}
			if compareExtentsKey(ek, cnid, forkType, startBlock) < 0 {
				return idxLT, nil
			}
			return idxEQGT, nil
		},
		func(node []byte, key []byte, recOff int) (leafVerdict, error) {
			ek, err := parseExtentsKey(key)
			if err != nil {
				return 0, err
			}
			c := compareExtentsKey(ek, cnid, forkType, startBlock)
			if c < 0 {
				return leafGo, nil
			}
			if ek.FileID != cnid || ek.ForkType != forkType {
				return leafStop, nil
			}
			data := fs.extents.recordData(node, key, recOff)
			if len(data) < 64 {
				return 0, types.Errorf(types.ErrCorrupt,
					"overflow extent record of cnid %d too short (%d bytes)", cnid, len(data))
			}
			for i := 0; i < 8; i++ {
				out = append(out, ExtentDescriptor{
					StartBlock: binary.BigEndian.Uint32(data[i*8:]),
					BlockCount: binary.BigEndian.Uint32(data[i*8+4:]),
				})
			}
			return leafGo, nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}
