package hfsplus

import (
	"github.com/blacktop/go-fskit/types"
)

// OpenDir lists one directory. "." and ".." are synthesized as the
// first two entries; the root additionally lists the B-tree special
// files.
func (fs *HFSPlus) OpenDir(inum uint64) (*types.Directory, error) {
	if inum < fs.firstInum || inum > fs.lastInum {
		return nil, types.Errorf(types.ErrWalkRange, "directory inode %d outside [%d, %d]",
			inum, fs.firstInum, fs.lastInum)
	}
	cnid := CatalogNodeID(inum)
	if cnid >= HFSExtentsFileID && cnid <= HFSAttributesFileID {
		return nil, types.Errorf(types.ErrArg, "inode %d is not a directory", inum)
	}

	self, found, err := fs.catalogRecord(cnid)
	if err != nil {
		return nil, types.AppendContext(err, "opening directory %d", inum)
	}
	if !found {
		return nil, types.Errorf(types.ErrInodeNum, "inode %d has no catalog record", inum)
	}
	if self.folder == nil {
		return nil, types.Errorf(types.ErrArg, "inode %d is not a directory", inum)
	}

	dir := &types.Directory{Addr: inum}
	dir.AddEntry(types.DirEntry{Name: ".", Inum: inum, Type: types.TypeDirectory, Flags: types.NameAlloc})

	parent := inum
	if cnid != HFSRootFolderID && self.key != nil {
		parent = uint64(self.key.ParentID)
	}
	dir.AddEntry(types.DirEntry{Name: "..", Inum: parent, Type: types.TypeDirectory, Flags: types.NameAlloc})

	err = fs.catalog.traverse(
		func(key []byte) (idxVerdict, error) {
			c, err := fs.compareCatalogKey(key, cnid, nil)
			if err != nil {
				return 0, err
			}
			if c < 0 {
				return idxLT, nil
			}
			return idxEQGT, nil
		},
		func(node []byte, key []byte, recOff int) (leafVerdict, error) {
			ck, err := parseCatalogKey(key)
			if err != nil {
				return 0, err
			}
			if ck.ParentID < cnid {
				return leafGo, nil
			}
			if ck.ParentID > cnid {
				return leafStop, nil
			}
			if ck.NodeName.Length == 0 {
				// the directory's own thread record
				return leafGo, nil
			}
			e, err := parseCatalogRecord(ck, fs.catalog.recordData(node, key, recOff))
			if err != nil {
				return 0, types.AppendContext(err, "listing directory %d", inum)
			}
			entry, err := fs.dirEntryFor(e)
			if err != nil {
				return 0, err
			}
			if entry != nil {
				dir.AddEntry(*entry)
			}
			return leafGo, nil
		})
	if err != nil {
		return nil, err
	}

	if cnid == HFSRootFolderID {
		fs.appendSpecialEntries(dir)
	}
	return dir, nil
}

// dirEntryFor converts one catalog record into a listing entry,
// resolving hard link sentinels to their targets.
func (fs *HFSPlus) dirEntryFor(e *catalogEntry) (*types.DirEntry, error) {
	name, err := uniToUTF8(e.key.NodeName.UniChar, true)
	if err != nil {
		return nil, types.AppendContext(err, "decoding entry name in directory %d", e.key.ParentID)
	}

	switch {
	case e.folder != nil:
		return &types.DirEntry{
			Name:  name,
			Inum:  uint64(e.folder.FolderID),
			Type:  types.TypeDirectory,
			Flags: types.NameAlloc,
		}, nil

	case e.file != nil:
		target, err := fs.followHardLink(e)
		if err != nil {
			return nil, err
		}
		entry := &types.DirEntry{Name: name, Flags: types.NameAlloc}
		switch {
		case target.folder != nil:
			entry.Inum = uint64(target.folder.FolderID)
			entry.Type = types.TypeDirectory
		case target.file != nil:
			entry.Inum = uint64(target.file.FileID)
			entry.Type = inodeTypeFromMode(target.file.Permissions.FileMode)
			if entry.Type == types.TypeUndef {
				entry.Type = types.TypeRegular
			}
		}
		return entry, nil

	default:
		// stray thread record with a name; nothing to list
		return nil, nil
	}
}

// appendSpecialEntries adds the virtual B-tree files to a root listing.
func (fs *HFSPlus) appendSpecialEntries(dir *types.Directory) {
	add := func(name string, cnid CatalogNodeID) {
		dir.AddEntry(types.DirEntry{
			Name:  name,
			Inum:  uint64(cnid),
			Type:  types.TypeVirtual,
			Flags: types.NameAlloc,
		})
	}
	if fs.vh.ExtentsFile.HasContent() {
		add(ExtentsFileName, HFSExtentsFileID)
	}
	add(CatalogFileName, HFSCatalogFileID)
	if fs.extents != nil {
		add(BadBlockFileName, HFSBadBlockFileID)
	}
	add(AllocationFileName, HFSAllocationFileID)
	if fs.vh.StartupFile.HasContent() {
		add(StartupFileName, HFSStartupFileID)
	}
	if fs.attributes != nil {
		add(AttributesFileName, HFSAttributesFileID)
	}
}
