package btrfs

import (
	"github.com/blacktop/go-fskit/types"
)

// GetInode resolves one virtual inode number into the unified metadata
// view, attributes included. The caller owns the result.
func (fs *Btrfs) GetInode(vinum uint64) (*types.Inode, error) {
	if vinum < fs.firstInum || vinum > fs.lastInum {
		return nil, types.Errorf(types.ErrInodeNum, "inode %d outside [%d, %d]", vinum, fs.firstInum, fs.lastInum)
	}

	switch vinum {
	case fs.SuperblockVinum():
		return fs.superblockInode(), nil
	case fs.OrphanDirVinum():
		return fs.orphanDirInode(), nil
	}

	sv, inum, err := fs.vinumToReal(vinum)
	if err != nil {
		return nil, err
	}
	item, raw, err := fs.readInodeItem(sv, inum)
	if err != nil {
		return nil, types.AppendContext(err, "reading inode %d (subvol %d inum %d)", vinum, sv.ID, inum)
	}
	return fs.buildInode(vinum, sv, inum, item, raw)
}

// readInodeItem fetches the INODE_ITEM for a real inum within a subvolume.
func (fs *Btrfs) readInodeItem(sv *Subvolume, inum uint64) (*InodeItem, []byte, error) {
	path, found, err := fs.treeSearch(sv.Root.Bytenr,
		Key{ObjectID: inum, Type: ItemTypeInodeItem}, 0, false)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, types.Errorf(types.ErrInodeNum, "no inode item for inum %d", inum)
	}
	data, err := path.Data()
	if err != nil {
		return nil, nil, err
	}
	item, err := parseInodeItem(data)
	if err != nil {
		return nil, nil, err
	}
	raw := make([]byte, InodeItemSize)
	copy(raw, data)
	return item, raw, nil
}

// buildInode fills the unified view from an INODE_ITEM and loads the
// attribute list.
func (fs *Btrfs) buildInode(vinum uint64, sv *Subvolume, inum uint64, item *InodeItem, raw []byte) (*types.Inode, error) {
	in := &types.Inode{
		Addr:     vinum,
		Type:     inodeTypeFromMode(item.Mode),
		Flags:    types.MetaAlloc | types.MetaUsed,
		Mode:     uint16(item.Mode & 07777),
		UID:      item.UID,
		GID:      item.GID,
		NLink:    item.NLink,
		Size:     int64(item.Size),
		Accessed: item.Atime.Time(),
		Modified: item.Mtime.Time(),
		Changed:  item.Ctime.Time(),
		Created:  item.Otime.Time(),
		Raw:      raw,
	}

	if err := fs.loadAttrs(in, sv, inum, item); err != nil {
		return nil, types.AppendContext(err, "loading attributes of inode %d", vinum)
	}

	if in.Type == types.TypeSymlink {
		if err := fs.readSymlinkTarget(in, sv, inum, item); err != nil {
			return nil, err
		}
	}
	return in, nil
}

// readSymlinkTarget copies the link target from the single raw extent a
// symlink carries.
func (fs *Btrfs) readSymlinkTarget(in *types.Inode, sv *Subvolume, inum uint64, item *InodeItem) error {
	entries, err := fs.extentDataEntries(sv, inum, item.Size)
	if err != nil {
		return types.AppendContext(err, "reading symlink extent")
	}
	for _, e := range entries {
		if e.ed == nil {
			continue
		}
		if !e.ed.IsRaw() {
			return types.Errorf(types.ErrInodeCorrupt, "symlink inum %d has a non-raw extent", inum)
		}
		if e.ed.Type != FileExtentInline {
			return types.Errorf(types.ErrInodeCorrupt, "symlink inum %d target is not inline", inum)
		}
		n := uint64(len(e.ed.Data))
		if item.Size < n {
			n = item.Size
		}
		in.Link = string(e.ed.Data[:n])
		return nil
	}
	return nil
}

// superblockInode synthesizes the $Superblock pseudo-file.
func (fs *Btrfs) superblockInode() *types.Inode {
	in := &types.Inode{
		Addr:  fs.SuperblockVinum(),
		Type:  types.TypeVirtual,
		Flags: types.MetaAlloc | types.MetaUsed,
		NLink: 1,
		Size:  SuperblockSize,
	}
	in.Attrs.Add(types.NewResident(types.AttrTypeData, 0, "", fs.sbRaw))
	return in
}

// orphanDirInode synthesizes the orphan-files directory.
func (fs *Btrfs) orphanDirInode() *types.Inode {
	return &types.Inode{
		Addr:  fs.OrphanDirVinum(),
		Type:  types.TypeVirtual,
		Flags: types.MetaAlloc | types.MetaUsed,
		NLink: 1,
	}
}

// InodeWalk delivers inodes in ascending vinum order over [start, end].
// The tree path is reused while the walk stays inside one subvolume.
func (fs *Btrfs) InodeWalk(start, end uint64, cb types.InodeWalkFunc) error {
	if start > end || end > fs.lastInum {
		return types.Errorf(types.ErrWalkRange, "inode walk range [%d, %d] outside [%d, %d]",
			start, end, fs.firstInum, fs.lastInum)
	}

	var (
		curSubvol *Subvolume
		path      *treePath
	)
	for vinum := start; vinum <= end; vinum++ {
		var in *types.Inode
		switch vinum {
		case fs.SuperblockVinum():
			in = fs.superblockInode()
		case fs.OrphanDirVinum():
			in = fs.orphanDirInode()
		default:
			sv, inum, err := fs.vinumToReal(vinum)
			if err != nil {
				return err
			}
			key := Key{ObjectID: inum, Type: ItemTypeInodeItem}
			if sv != curSubvol {
				var found bool
				path, found, err = fs.treeSearch(sv.Root.Bytenr, key, 0, false)
				if err != nil {
					return err
				}
				if !found {
					return types.Errorf(types.ErrInodeNum, "no inode item for inum %d in subvolume %d", inum, sv.ID)
				}
				curSubvol = sv
			} else {
				// vinum order is inum order within a subvolume
				found, err := fs.treeStep(path, key, 0, stepFwd, stepInitial|stepRepeat)
				if err != nil {
					return err
				}
				if !found {
					return types.Errorf(types.ErrInodeNum, "inode walk ran past inum %d in subvolume %d", inum, sv.ID)
				}
			}
			data, err := path.Data()
			if err != nil {
				return err
			}
			item, err := parseInodeItem(data)
			if err != nil {
				return err
			}
			raw := make([]byte, InodeItemSize)
			copy(raw, data)
			in, err = fs.buildInode(vinum, sv, inum, item, raw)
			if err != nil {
				return err
			}
		}
		switch cb(in) {
		case types.WalkStop:
			return nil
		case types.WalkError:
			return types.Errorf(types.ErrFileWalk, "inode walk callback aborted at %d", vinum)
		}
	}
	return nil
}
