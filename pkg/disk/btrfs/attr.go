package btrfs

import (
	"github.com/blacktop/go-fskit/types"
)

func roundUp(n, unit uint64) uint64 {
	if unit == 0 {
		return n
	}
	return (n + unit - 1) / unit * unit
}

// extentEntry is one step of the EXTENT_DATA walk: an on-disk extent or a
// synthesized hole (Addr 0, sparse) covering a gap.
type extentEntry struct {
	fileOff uint64
	ed      *ExtentData
}

func sparseHole(length uint64) *ExtentData {
	return &ExtentData{Type: FileExtentRegular, DiskBytenr: 0, NumBytes: length}
}

// extentDataEntries walks the EXTENT_DATA items of one inode in file
// order, emulating holes between items and after the last item up to the
// block-rounded file size.
func (fs *Btrfs) extentDataEntries(sv *Subvolume, inum uint64, size uint64) ([]extentEntry, error) {
	bs := uint64(fs.blockSize)
	rounded := roundUp(size, bs)
	if rounded == 0 {
		return nil, nil
	}

	var out []extentEntry
	key := Key{ObjectID: inum, Type: ItemTypeExtentData}
	path, found, err := fs.searchLowest(sv.Root.Bytenr, key, CmpIgnoreOffset)
	if err != nil {
		return nil, err
	}

	var expected uint64
	for found && expected < rounded {
		fileOff := path.Key().Offset
		if fileOff > expected {
			out = append(out, extentEntry{fileOff: expected, ed: sparseHole(fileOff - expected)})
			expected = fileOff
		}
		data, err := path.Data()
		if err != nil {
			return nil, err
		}
		ed, err := parseExtentData(data)
		if err != nil {
			return nil, err
		}
		out = append(out, extentEntry{fileOff: fileOff, ed: ed})
		expected = fileOff + roundUp(ed.SpanBytes(), bs)

		found, err = fs.treeStep(path, key, CmpIgnoreOffset, stepFwd, stepInitial)
		if err != nil {
			return nil, err
		}
	}
	if expected < rounded {
		out = append(out, extentEntry{fileOff: expected, ed: sparseHole(rounded - expected)})
	}
	return out, nil
}

// loadAttrs populates the attribute list: xattrs first, then the DATA
// attribute assembled from the extent walk. Regular files and symlinks
// always receive a DATA attribute, empty forks included.
func (fs *Btrfs) loadAttrs(in *types.Inode, sv *Subvolume, inum uint64, item *InodeItem) error {
	if err := fs.loadXattrs(in, sv, inum); err != nil {
		return err
	}

	if in.Type != types.TypeRegular && in.Type != types.TypeSymlink {
		return nil
	}

	entries, err := fs.extentDataEntries(sv, inum, item.Size)
	if err != nil {
		return types.AppendContext(err, "walking extent data of inum %d", inum)
	}
	if len(entries) == 0 {
		in.Attrs.Add(types.NewResident(types.AttrTypeData, 0, "", nil))
		return nil
	}

	// an inline first extent makes the whole attribute resident
	if first := entries[0].ed; first.Type == FileExtentInline {
		if first.IsRaw() {
			data := first.Data
			if uint64(len(data)) > item.Size {
				data = data[:item.Size]
			}
			in.Attrs.Add(types.NewResident(types.AttrTypeData, 0, "", data))
			return nil
		}
		// compressed inline payload is surfaced through the decoding reader
		attr := types.NewResident(types.AttrTypeData, 0, "", nil)
		attr.Size = int64(item.Size)
		attr.InitSize = int64(item.Size)
		in.Flags |= types.MetaComp
		fs.installDataFuncs(attr, entries, item.Size)
		attr.Flags |= types.AttrFlagComp
		in.Attrs.Add(attr)
		return nil
	}

	bs := uint64(fs.blockSize)
	attr := types.NewNonResident(types.AttrTypeData, 0, "",
		int64(item.Size), int64(item.Size), int64(roundUp(item.Size, bs)))

	for _, e := range entries {
		ed := e.ed
		if !ed.IsRaw() {
			// runs stop at the first encoded extent; the decoding
			// reader takes over for the whole stream
			in.Flags |= types.MetaComp
			attr.Flags |= types.AttrFlagComp
			attr.Runs = nil
			break
		}
		if ed.Type == FileExtentInline {
			return types.Errorf(types.ErrInodeCorrupt, "inum %d has an inline extent past offset 0", inum)
		}
		if e.fileOff%bs != 0 || ed.NumBytes%bs != 0 {
			return types.Errorf(types.ErrInodeCorrupt,
				"inum %d extent at %d (len %d) not block aligned", inum, e.fileOff, ed.NumBytes)
		}
		if ed.DiskBytenr == 0 {
			attr.AddRun(types.Run{
				Offset: e.fileOff / bs,
				Addr:   0,
				Len:    ed.NumBytes / bs,
				Flags:  types.RunFlagSparse,
			})
			continue
		}
		if err := fs.appendMappedRuns(attr, e.fileOff, ed.DiskBytenr+ed.ExtentOffset, ed.NumBytes); err != nil {
			return types.AppendContext(err, "mapping extent of inum %d at %d", inum, e.fileOff)
		}
	}

	fs.installDataFuncs(attr, entries, item.Size)
	in.Attrs.Add(attr)
	return nil
}

// appendMappedRuns translates one logical extent into physical runs,
// splitting at chunk boundaries.
func (fs *Btrfs) appendMappedRuns(attr *types.Attribute, fileOff, logAddr, length uint64) error {
	bs := uint64(fs.blockSize)
	if logAddr%bs != 0 {
		return types.Errorf(types.ErrInodeCorrupt, "extent logical address 0x%x not block aligned", logAddr)
	}
	for length > 0 {
		fs.chunksMu.Lock()
		c, _ := fs.log2phys.find(logAddr)
		fs.chunksMu.Unlock()
		if c == nil {
			return types.Errorf(types.ErrBlockNum, "logical address 0x%x not covered by any chunk", logAddr)
		}
		n := c.Source + c.Size - logAddr
		if n > length {
			n = length
		}
		phys := c.Target + (logAddr - c.Source)
		if phys%bs != 0 || n%bs != 0 {
			return types.Errorf(types.ErrInodeCorrupt,
				"mapped run 0x%x (len %d) not block aligned", phys, n)
		}
		attr.AddRun(types.Run{
			Offset: fileOff / bs,
			Addr:   phys / bs,
			Len:    n / bs,
		})
		fileOff += n
		logAddr += n
		length -= n
	}
	return nil
}

// loadXattrs attaches one resident attribute per XATTR_ITEM entry.
func (fs *Btrfs) loadXattrs(in *types.Inode, sv *Subvolume, inum uint64) error {
	key := Key{ObjectID: inum, Type: ItemTypeXattrItem}
	path, found, err := fs.searchLowest(sv.Root.Bytenr, key, CmpIgnoreOffset)
	if err != nil {
		return err
	}
	var id uint16
	for found {
		data, err := path.Data()
		if err != nil {
			return err
		}
		for len(data) > 0 {
			de, n, err := parseDirEntry(data)
			if err != nil {
				return types.AppendContext(err, "parsing xattr item of inum %d", inum)
			}
			in.Attrs.Add(types.NewResident(types.AttrTypeXattr, id, string(de.Name), de.Data))
			id++
			data = data[n:]
		}
		found, err = fs.treeStep(path, key, CmpIgnoreOffset, stepFwd, stepInitial)
		if err != nil {
			return err
		}
	}
	return nil
}
