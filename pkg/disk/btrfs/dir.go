package btrfs

import (
	"fmt"

	"github.com/blacktop/go-fskit/types"
)

const (
	SuperblockFileName = "$Superblock"
	OrphanDirName      = "$OrphanFiles"
)

// OpenDir lists one directory. "." and ".." are synthesized as the first
// two entries; the root additionally lists the pseudo files.
func (fs *Btrfs) OpenDir(vinum uint64) (*types.Directory, error) {
	if vinum < fs.firstInum || vinum > fs.lastInum {
		return nil, types.Errorf(types.ErrWalkRange, "directory inode %d outside [%d, %d]",
			vinum, fs.firstInum, fs.lastInum)
	}

	if vinum == fs.OrphanDirVinum() {
		return fs.openOrphanDir()
	}
	if vinum == fs.SuperblockVinum() {
		return nil, types.Errorf(types.ErrArg, "inode %d is not a directory", vinum)
	}

	sv, inum, err := fs.vinumToReal(vinum)
	if err != nil {
		return nil, err
	}
	item, _, err := fs.readInodeItem(sv, inum)
	if err != nil {
		return nil, types.AppendContext(err, "opening directory %d", vinum)
	}
	if inodeTypeFromMode(item.Mode) != types.TypeDirectory {
		return nil, types.Errorf(types.ErrArg, "inode %d is not a directory", vinum)
	}

	dir := &types.Directory{Addr: vinum}
	dir.AddEntry(types.DirEntry{Name: ".", Inum: vinum, Type: types.TypeDirectory, Flags: types.NameAlloc})
	dir.AddEntry(types.DirEntry{Name: "..", Inum: fs.parentVinum(sv, inum, vinum), Type: types.TypeDirectory, Flags: types.NameAlloc})

	key := Key{ObjectID: inum, Type: ItemTypeDirIndex}
	path, found, err := fs.searchLowest(sv.Root.Bytenr, key, CmpIgnoreOffset)
	if err != nil {
		return nil, err
	}
	for found {
		data, err := path.Data()
		if err != nil {
			return nil, err
		}
		de, n, err := parseDirEntry(data)
		if err != nil {
			return nil, types.AppendContext(err, "parsing dir index of inum %d", inum)
		}
		if n != len(data) {
			return nil, types.Errorf(types.ErrInodeCorrupt,
				"dir index item of inum %d carries more than one entry", inum)
		}

		var childVinum uint64
		switch de.Location.Type {
		case ItemTypeInodeItem:
			childVinum, err = fs.realToVinum(sv.ID, de.Location.ObjectID)
			if err != nil {
				return nil, types.AppendContext(err, "mapping child of directory %d", vinum)
			}
		case ItemTypeRootItem:
			target := fs.subvolumes[de.Location.ObjectID]
			if target == nil {
				return nil, types.Errorf(types.ErrInodeCorrupt,
					"dir entry references unknown subvolume %d", de.Location.ObjectID)
			}
			childVinum, err = fs.realToVinum(target.ID, target.Root.RootDirID)
			if err != nil {
				return nil, types.AppendContext(err, "mapping subvolume root of directory %d", vinum)
			}
		default:
			return nil, types.Errorf(types.ErrInodeCorrupt,
				"dir entry of inum %d has location type %d", inum, de.Location.Type)
		}

		dir.AddEntry(types.DirEntry{
			Name:  string(de.Name),
			Inum:  childVinum,
			Type:  dirEntryType(de.Type),
			Flags: types.NameAlloc,
		})

		found, err = fs.treeStep(path, key, CmpIgnoreOffset, stepFwd, stepInitial)
		if err != nil {
			return nil, err
		}
	}

	if vinum == fs.rootInum {
		dir.AddEntry(types.DirEntry{Name: SuperblockFileName, Inum: fs.SuperblockVinum(),
			Type: types.TypeVirtual, Flags: types.NameAlloc})
		dir.AddEntry(types.DirEntry{Name: OrphanDirName, Inum: fs.OrphanDirVinum(),
			Type: types.TypeVirtual, Flags: types.NameAlloc})
	}
	return dir, nil
}

// parentVinum resolves ".." through the INODE_REF item; orphaned
// directories point back at themselves.
func (fs *Btrfs) parentVinum(sv *Subvolume, inum, self uint64) uint64 {
	if inum == sv.Root.RootDirID {
		// a subvolume root's parent lives outside its own tree
		return self
	}
	path, found, err := fs.treeSearch(sv.Root.Bytenr,
		Key{ObjectID: inum, Type: ItemTypeInodeRef}, CmpIgnoreOffset, false)
	if err != nil || !found {
		return self
	}
	parent, err := fs.realToVinum(sv.ID, path.Key().Offset)
	if err != nil {
		return self
	}
	return parent
}

// openOrphanDir lists the inodes referenced by ORPHAN_ITEM records.
func (fs *Btrfs) openOrphanDir() (*types.Directory, error) {
	dir := &types.Directory{Addr: fs.OrphanDirVinum()}
	dir.AddEntry(types.DirEntry{Name: ".", Inum: fs.OrphanDirVinum(), Type: types.TypeVirtual, Flags: types.NameAlloc})
	dir.AddEntry(types.DirEntry{Name: "..", Inum: fs.rootInum, Type: types.TypeDirectory, Flags: types.NameAlloc})

	orphans, err := fs.orphanEntries()
	if err != nil {
		return nil, types.AppendContext(err, "listing orphan files")
	}
	for _, o := range orphans {
		vinum, err := fs.realToVinum(o.subvol, o.inum)
		if err != nil {
			// orphan item for an already purged inode
			continue
		}
		dir.AddEntry(types.DirEntry{
			Name:  fmt.Sprintf("OrphanFile-%d", o.inum),
			Inum:  vinum,
			Type:  types.TypeUndef,
			Flags: types.NameUnalloc,
		})
	}
	return dir, nil
}
