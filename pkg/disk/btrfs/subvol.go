package btrfs

import (
	"github.com/apex/log"
	"github.com/blacktop/go-fskit/types"
)

// Subvolume is one independently rooted inode tree.
type Subvolume struct {
	ID        uint64
	Root      RootItem
	real2virt map[uint64]uint64
}

// vinumEntry maps one virtual inode number back to its identity.
type vinumEntry struct {
	subvol uint64
	inum   uint64
}

// isSubvolumeID reports whether a root-tree object id names an inode tree.
func isSubvolumeID(id uint64) bool {
	return id == ObjIDFSTree || (id >= ObjIDFirstFree && id < ObjIDLastFree)
}

// enumerateSubvolumes walks the root tree, builds the subvolume set, and
// assigns virtual inode numbers in (subvolume, inum) order.
func (fs *Btrfs) enumerateSubvolumes() error {
	fs.subvolumes = make(map[uint64]*Subvolume)
	fs.subvolOrder = nil

	err := fs.walkTreeLeaves(fs.sb.Root, func(item Item, data []byte) error {
		if item.Key.Type != ItemTypeRootItem || !isSubvolumeID(item.Key.ObjectID) {
			return nil
		}
		ri, err := parseRootItem(data)
		if err != nil {
			return types.AppendContext(err, "parsing root item for subvolume %d", item.Key.ObjectID)
		}
		sv := &Subvolume{
			ID:        item.Key.ObjectID,
			Root:      *ri,
			real2virt: make(map[uint64]uint64),
		}
		fs.subvolumes[sv.ID] = sv
		fs.subvolOrder = append(fs.subvolOrder, sv.ID)
		return nil
	})
	if err != nil {
		return types.AppendContext(err, "enumerating subvolumes")
	}
	if _, ok := fs.subvolumes[ObjIDFSTree]; !ok {
		return types.Errorf(types.ErrCorrupt, "root tree has no FS_TREE root item")
	}

	for _, id := range fs.subvolOrder {
		sv := fs.subvolumes[id]
		err := fs.walkTreeLeaves(sv.Root.Bytenr, func(item Item, _ []byte) error {
			if item.Key.Type != ItemTypeInodeItem {
				return nil
			}
			vinum := uint64(len(fs.virt2real))
			fs.virt2real = append(fs.virt2real, vinumEntry{subvol: sv.ID, inum: item.Key.ObjectID})
			sv.real2virt[item.Key.ObjectID] = vinum
			return nil
		})
		if err != nil {
			return types.AppendContext(err, "indexing inodes of subvolume %d", id)
		}
		log.WithFields(log.Fields{
			"subvol": id,
			"inodes": len(sv.real2virt),
		}).Debug("subvolume indexed")
	}
	return nil
}

// vinumToReal resolves a virtual inode number; special vinums above the
// real range are rejected here and handled by the callers that know them.
func (fs *Btrfs) vinumToReal(vinum uint64) (*Subvolume, uint64, error) {
	if vinum >= uint64(len(fs.virt2real)) {
		return nil, 0, types.Errorf(types.ErrInodeNum, "virtual inode %d outside real range", vinum)
	}
	e := fs.virt2real[vinum]
	sv := fs.subvolumes[e.subvol]
	if sv == nil {
		return nil, 0, types.Errorf(types.ErrCorrupt, "virtual inode %d references unknown subvolume %d", vinum, e.subvol)
	}
	return sv, e.inum, nil
}

// realToVinum maps (subvolume, real inum) to the virtual inode number.
func (fs *Btrfs) realToVinum(subvolID, inum uint64) (uint64, error) {
	sv := fs.subvolumes[subvolID]
	if sv == nil {
		return 0, types.Errorf(types.ErrInodeNum, "unknown subvolume %d", subvolID)
	}
	vinum, ok := sv.real2virt[inum]
	if !ok {
		return 0, types.Errorf(types.ErrInodeNum, "inode %d not present in subvolume %d", inum, subvolID)
	}
	return vinum, nil
}

// SuperblockVinum is the virtual inode of the $Superblock pseudo-file.
func (fs *Btrfs) SuperblockVinum() uint64 { return fs.lastInum - 1 }

// OrphanDirVinum is the virtual inode of the orphan-files directory.
func (fs *Btrfs) OrphanDirVinum() uint64 { return fs.lastInum }

// orphanEntries collects the inodes referenced by ORPHAN_ITEM records
// across every subvolume, as (subvolume, inum) pairs.
func (fs *Btrfs) orphanEntries() ([]vinumEntry, error) {
	var out []vinumEntry
	for _, id := range fs.subvolOrder {
		sv := fs.subvolumes[id]
		key := Key{ObjectID: ObjIDOrphan, Type: ItemTypeOrphanItem}
		path, found, err := fs.searchLowest(sv.Root.Bytenr, key, CmpIgnoreOffset)
		if err != nil {
			return nil, types.AppendContext(err, "searching orphan items in subvolume %d", id)
		}
		for found {
			out = append(out, vinumEntry{subvol: id, inum: path.Key().Offset})
			found, err = fs.treeStep(path, key, CmpIgnoreOffset, stepFwd, stepInitial)
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// defaultSubvolume resolves the subvolume mounted by default, following
// the root tree's "default" directory item. Falls back to FS_TREE.
func (fs *Btrfs) defaultSubvolume() uint64 {
	key := Key{ObjectID: fs.sb.RootDirObjectID, Type: ItemTypeDirItem}
	path, found, err := fs.searchLowest(fs.sb.Root, key, CmpIgnoreOffset)
	if err != nil {
		return ObjIDFSTree
	}
	for found {
		data, err := path.Data()
		if err != nil {
			return ObjIDFSTree
		}
		for len(data) > 0 {
			de, n, err := parseDirEntry(data)
			if err != nil {
				break
			}
			if string(de.Name) == "default" && de.Location.Type == ItemTypeRootItem {
				return de.Location.ObjectID
			}
			data = data[n:]
		}
		found, err = fs.treeStep(path, key, CmpIgnoreOffset, stepFwd, stepInitial)
		if err != nil {
			return ObjIDFSTree
		}
	}
	return ObjIDFSTree
}
