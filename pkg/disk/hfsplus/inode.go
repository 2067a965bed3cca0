package hfsplus

import (
	"io"

	"github.com/apex/log"
	"github.com/blacktop/go-fskit/types"
)

// uid/gid reported when a record carries no permissions at all
const unknownOwnerID = 99

// maximum symlink target read before the inode is declared corrupt
const maxSymlinkLen = 4096

// GetInode returns the unified view of one catalog node ID. The special
// B-tree files (CNIDs 3 through 8) are synthesized from the volume
// header forks.
func (fs *HFSPlus) GetInode(inum uint64) (*types.Inode, error) {
	if inum < fs.firstInum || inum > fs.lastInum {
		return nil, types.Errorf(types.ErrInodeNum, "inode %d outside [%d, %d]",
			inum, fs.firstInum, fs.lastInum)
	}
	cnid := CatalogNodeID(inum)
	if cnid >= HFSExtentsFileID && cnid <= HFSAttributesFileID {
		return fs.specialInode(cnid)
	}

	e, found, err := fs.catalogRecord(cnid)
	if err != nil {
		return nil, types.AppendContext(err, "looking up inode %d", inum)
	}
	if !found {
		return nil, types.Errorf(types.ErrInodeNum, "inode %d has no catalog record", inum)
	}
	if e.file != nil {
		if e, err = fs.followHardLink(e); err != nil {
			return nil, err
		}
	}
	return fs.buildInode(e)
}

// buildInode converts a catalog record into the unified inode.
func (fs *HFSPlus) buildInode(e *catalogEntry) (*types.Inode, error) {
	in := &types.Inode{
		Addr:  uint64(e.cnid()),
		Flags: types.MetaAlloc | types.MetaUsed,
		Raw:   e.raw,
	}

	switch {
	case e.folder != nil:
		f := e.folder
		in.Type = types.TypeDirectory
		in.Mode = f.Permissions.FileMode & 07777
		in.UID, in.GID = f.Permissions.OwnerID, f.Permissions.GroupID
		if f.Permissions.FileMode == 0 {
			in.UID, in.GID = unknownOwnerID, unknownOwnerID
		}
		in.NLink = 2
		in.Created = f.CreateDate.Time()
		in.Modified = f.ContentModDate.Time()
		in.Changed = f.AttributeModDate.Time()
		in.Accessed = f.AccessDate.Time()
		if err := fs.loadXattrAttrs(in, e.cnid()); err != nil {
			return nil, err
		}
		return in, nil

	case e.file != nil:
		f := e.file
		in.Type = inodeTypeFromMode(f.Permissions.FileMode)
		if in.Type == types.TypeUndef {
			in.Type = types.TypeRegular
		}
		in.Mode = f.Permissions.FileMode & 07777
		in.UID, in.GID = f.Permissions.OwnerID, f.Permissions.GroupID
		if f.Permissions.FileMode == 0 {
			in.UID, in.GID = unknownOwnerID, unknownOwnerID
		}
		in.NLink = 1
		if e.key != nil && e.key.ParentID == fs.metaDirID && fs.metaDirID != 0 {
			// link targets store the reference count in the special field
			in.NLink = f.Permissions.Special
		}
		in.Size = int64(f.DataFork.LogicalSize)
		in.Created = f.CreateDate.Time()
		in.Modified = f.ContentModDate.Time()
		in.Changed = f.AttributeModDate.Time()
		in.Accessed = f.AccessDate.Time()

		if err := fs.loadXattrAttrs(in, f.FileID); err != nil {
			return nil, err
		}
		if err := fs.loadFileContent(in, f); err != nil {
			return nil, err
		}
		if in.Type == types.TypeSymlink {
			if err := fs.readSymlinkTarget(in); err != nil {
				return nil, err
			}
		}
		return in, nil

	default:
		return nil, types.Errorf(types.ErrCorrupt, "catalog entry holds a %s record", e.record)
	}
}

// loadXattrAttrs attaches one resident attribute per inline xattr.
func (fs *HFSPlus) loadXattrAttrs(in *types.Inode, cnid CatalogNodeID) error {
	xattrs, err := fs.listXattrs(cnid)
	if err != nil {
		return types.AppendContext(err, "loading xattrs of cnid %d", cnid)
	}
	for i, x := range xattrs {
		in.Attrs.Add(types.NewResident(types.AttrTypeXattr, uint16(i), x.name, x.data))
	}
	return nil
}

// loadFileContent attaches the DATA and RSRC attributes, dispatching
// decmpfs-compressed files to the decompression layer.
func (fs *HFSPlus) loadFileContent(in *types.Inode, f *CatalogFile) error {
	if f.Permissions.OwnerFlags&OwnerFlagCompressed != 0 {
		done, err := fs.loadCompressedContent(in, f)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		// compressed flag without a usable decmpfs attribute; fall
		// through and serve the forks as stored
	}

	if f.DataFork.LogicalSize == 0 {
		in.Attrs.Add(types.NewResident(types.AttrTypeData, 0, "", nil))
	} else {
		attr, err := fs.forkAttr(types.AttrTypeData, f.FileID, ForkTypeData, &f.DataFork)
		if err != nil {
			return err
		}
		in.Attrs.Add(attr)
	}

	if f.ResourceFork.LogicalSize > 0 {
		attr, err := fs.forkAttr(types.AttrTypeRsrc, f.FileID, ForkTypeRsrc, &f.ResourceFork)
		if err != nil {
			return err
		}
		in.Attrs.Add(attr)
	}
	return nil
}

// loadCompressedContent serves a decmpfs-compressed file. It reports
// whether the DATA attribute was installed.
func (fs *HFSPlus) loadCompressedContent(in *types.Inode, f *CatalogFile) (bool, error) {
	val, found, err := fs.getXattr(f.FileID, types.DECMPFS_XATTR_NAME)
	if err != nil {
		return false, types.AppendContext(err, "loading decmpfs attribute of cnid %d", f.FileID)
	}
	if !found {
		log.WithField("cnid", uint32(f.FileID)).Debug("compressed flag without decmpfs attribute")
		return false, nil
	}
	hdr, err := types.GetDecmpfsHeader(val)
	if err != nil {
		return false, types.AppendContext(err, "parsing decmpfs attribute of cnid %d", f.FileID)
	}
	return fs.installCompressedAttr(in, f, hdr)
}

// installCompressedAttr serves a parsed decmpfs header as the DATA
// attribute. It reports whether the attribute was installed.
func (fs *HFSPlus) installCompressedAttr(in *types.Inode, f *CatalogFile, hdr *types.DecmpfsDiskHeader) (bool, error) {
	in.Flags |= types.MetaComp
	in.Size = int64(hdr.UncompressedSize)

	if hdr.UncompressedSize == 0 {
		in.Attrs.Add(types.NewResident(types.AttrTypeData, 0, "", nil))
		return true, nil
	}

	if !hdr.InRsrcFork() {
		dec, err := hdr.DecompressInlineAttr()
		if err != nil {
			return false, types.AppendContext(err, "decoding inline compressed data of cnid %d", f.FileID)
		}
		attr := types.NewResident(types.AttrTypeData, 0, "", dec)
		attr.Flags |= types.AttrFlagComp
		in.Attrs.Add(attr)
		return true, nil
	}

	if f.ResourceFork.LogicalSize == 0 || !f.ResourceFork.HasContent() {
		log.WithField("cnid", uint32(f.FileID)).Warn("compressed file resource fork is empty")
		in.Attrs.Add(types.NewResident(types.AttrTypeData, 0, "", nil))
		return true, nil
	}

	rsrc, err := fs.forkData(f.FileID, ForkTypeRsrc, &f.ResourceFork)
	if err != nil {
		return false, types.AppendContext(err, "opening compressed resource fork of cnid %d", f.FileID)
	}
	cr, err := types.NewCompressedReader(hdr.CompressionType, hdr.UncompressedSize, fs.blockSize,
		func(off int64, p []byte) (int, error) { return rsrc.ReadAt(p, off) })
	if err != nil {
		return false, types.AppendContext(err, "parsing compression unit table of cnid %d", f.FileID)
	}

	attr := types.NewNonResident(types.AttrTypeData, 0, "",
		int64(hdr.UncompressedSize), int64(hdr.UncompressedSize),
		int64(f.ResourceFork.TotalBlocks)*int64(fs.blockSize))
	cr.InstallCompressedFuncs(attr)
	in.Attrs.Add(attr)
	return true, nil
}

// forkAttr builds a non-resident attribute over one fork and wires the
// fork reader in as its read and walk strategy.
func (fs *HFSPlus) forkAttr(typ types.AttrType, cnid CatalogNodeID, forkType uint8, fork *ForkData) (*types.Attribute, error) {
	fr, err := fs.forkData(cnid, forkType, fork)
	if err != nil {
		return nil, types.AppendContext(err, "mapping fork of cnid %d", cnid)
	}
	attr := types.NewNonResident(typ, 0, "",
		int64(fork.LogicalSize), int64(fork.LogicalSize),
		int64(fork.TotalBlocks)*int64(fs.blockSize))
	for _, run := range fr.runs() {
		attr.AddRun(run)
	}
	fs.installForkFuncs(attr, fr)
	return attr, nil
}

// installForkFuncs serves reads and walks straight from the fork.
func (fs *HFSPlus) installForkFuncs(attr *types.Attribute, fr *forkReader) {
	attr.ReadFn = func(a *types.Attribute, off int64, p []byte) (int, error) {
		if off < 0 {
			return 0, types.Errorf(types.ErrArg, "negative offset %d", off)
		}
		if off >= a.Size {
			return 0, io.EOF
		}
		if off+int64(len(p)) > a.Size {
			p = p[:a.Size-off]
		}
		return fr.ReadAt(p, off)
	}
	attr.WalkFn = func(a *types.Attribute, flags types.WalkFlag, cb types.AttrWalkFunc) error {
		return fs.walkForkAttr(a, fr, flags, cb)
	}
}

// walkForkAttr delivers fork content in block-size lumps with physical
// block addresses.
func (fs *HFSPlus) walkForkAttr(attr *types.Attribute, fr *forkReader, flags types.WalkFlag, cb types.AttrWalkFunc) error {
	bs := uint64(fs.blockSize)
	size := uint64(attr.Size)
	var logical uint64
	for _, ext := range fr.extents {
		for i := uint64(0); i < uint64(ext.BlockCount); i++ {
			off := logical + i*bs
			if off >= size {
				return nil
			}
			n := bs
			if rem := size - off; rem < n {
				n = rem
			}
			var lump []byte
			if flags&types.WalkFlagAonly == 0 {
				lump = make([]byte, n)
				if _, err := fr.ReadAt(lump, int64(off)); err != nil {
					return err
				}
			}
			addr := uint64(ext.StartBlock) + i
			switch cb(attr, int64(off), addr, lump, flags|types.WalkFlagAlloc|types.WalkFlagCont|types.WalkFlagRaw) {
			case types.WalkStop:
				return nil
			case types.WalkError:
				return types.Errorf(types.ErrFileWalk, "attribute walk aborted at %d", off)
			}
		}
		logical += uint64(ext.BlockCount) * bs
	}
	return nil
}

// readSymlinkTarget reads the link target from the DATA attribute.
func (fs *HFSPlus) readSymlinkTarget(in *types.Inode) error {
	if in.Size > maxSymlinkLen {
		return types.Errorf(types.ErrInodeCorrupt, "symlink %d target is %d bytes", in.Addr, in.Size)
	}
	data := in.Attrs.Default()
	if data == nil {
		return types.Errorf(types.ErrInodeCorrupt, "symlink %d has no data attribute", in.Addr)
	}
	buf := make([]byte, in.Size)
	switch {
	case data.ReadFn != nil:
		if _, err := data.ReadFn(data, 0, buf); err != nil {
			return types.AppendContext(err, "reading symlink %d target", in.Addr)
		}
	case data.Flags&types.AttrFlagRes != 0:
		copy(buf, data.Resident)
	default:
		return types.Errorf(types.ErrInodeCorrupt, "symlink %d data attribute is unreadable", in.Addr)
	}
	in.Link = string(buf)
	return nil
}

// specialInode synthesizes an inode for one of the B-tree special
// files. The bad block file exists only as overflow extent records.
func (fs *HFSPlus) specialInode(cnid CatalogNodeID) (*types.Inode, error) {
	in := &types.Inode{
		Addr:  uint64(cnid),
		Type:  types.TypeVirtual,
		Flags: types.MetaAlloc | types.MetaUsed,
	}

	var fork *ForkData
	switch cnid {
	case HFSExtentsFileID:
		fork = &fs.vh.ExtentsFile
	case HFSCatalogFileID:
		fork = &fs.vh.CatalogFile
	case HFSBadBlockFileID:
		return fs.badBlockInode(in)
	case HFSAllocationFileID:
		fork = &fs.vh.AllocationFile
	case HFSStartupFileID:
		fork = &fs.vh.StartupFile
	case HFSAttributesFileID:
		fork = &fs.vh.AttributesFile
	default:
		return nil, types.Errorf(types.ErrInodeNum, "cnid %d is not a special file", cnid)
	}

	if !fork.HasContent() {
		in.Attrs.Add(types.NewResident(types.AttrTypeData, 0, "", nil))
		return in, nil
	}
	in.Size = int64(fork.LogicalSize)
	attr, err := fs.forkAttr(types.AttrTypeData, cnid, ForkTypeData, fork)
	if err != nil {
		return nil, types.AppendContext(err, "mapping special file %d", cnid)
	}
	in.Attrs.Add(attr)
	return in, nil
}

// badBlockInode assembles the bad block file from its overflow extents.
func (fs *HFSPlus) badBlockInode(in *types.Inode) (*types.Inode, error) {
	exts, err := fs.overflowExtents(HFSBadBlockFileID, ForkTypeData, 0)
	if err != nil {
		return nil, types.AppendContext(err, "loading bad block extents")
	}
	fr := &forkReader{fs: fs}
	for _, ext := range exts {
		if ext.BlockCount == 0 {
			continue
		}
		fr.extents = append(fr.extents, ext)
	}
	fr.size = fr.blocks() * uint64(fs.blockSize)
	in.Size = int64(fr.size)

	if len(fr.extents) == 0 {
		in.Attrs.Add(types.NewResident(types.AttrTypeData, 0, "", nil))
		return in, nil
	}
	attr := types.NewNonResident(types.AttrTypeData, 0, "", in.Size, in.Size, in.Size)
	for _, run := range fr.runs() {
		attr.AddRun(run)
	}
	fs.installForkFuncs(attr, fr)
	in.Attrs.Add(attr)
	return in, nil
}

// InodeWalk visits inodes in [start, end] in ascending CNID order.
// CNIDs with no catalog record are skipped.
func (fs *HFSPlus) InodeWalk(start, end uint64, cb types.InodeWalkFunc) error {
	if start > end || start < fs.firstInum || end > fs.lastInum {
		return types.Errorf(types.ErrWalkRange, "inode walk range [%d, %d] outside [%d, %d]",
			start, end, fs.firstInum, fs.lastInum)
	}
	for inum := start; inum <= end; inum++ {
		in, err := fs.GetInode(inum)
		if err != nil {
			if types.CodeOf(err) == types.ErrInodeNum {
				continue
			}
			return err
		}
		switch cb(in) {
		case types.WalkStop:
			return nil
		case types.WalkError:
			return types.Errorf(types.ErrFileWalk, "inode walk callback aborted at %d", inum)
		}
	}
	return nil
}
