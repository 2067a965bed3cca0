package hfsplus

import (
	"fmt"
	"io"

	"github.com/blacktop/go-fskit/types"
)

// FileSystemStat writes the fsstat report.
func (fs *HFSPlus) FileSystemStat(w io.Writer) error {
	vh := &fs.vh

	fmt.Fprintf(w, "FILE SYSTEM INFORMATION\n")
	fmt.Fprintf(w, "--------------------------------------------\n")
	if vh.Signature == HFSXSigWord {
		fmt.Fprintf(w, "File System Type: HFSX\n")
	} else {
		fmt.Fprintf(w, "File System Type: HFS+\n")
	}
	if name, err := fs.volumeName(); err == nil {
		fmt.Fprintf(w, "File System Name (label): %s\n", name)
	}
	fmt.Fprintf(w, "Signature: %s\n", vh.SignatureString())
	fmt.Fprintf(w, "Case Sensitive: %t\n", fs.caseSensitive)
	if fs.wrapped {
		fmt.Fprintf(w, "Volume is embedded in an HFS wrapper\n")
	}
	fmt.Fprintf(w, "Last Mounted By: %s\n", string(vh.LastMountedVersion[:]))
	fmt.Fprintf(w, "Volume Attributes: %s\n", vh.Attributes)
	fmt.Fprintf(w, "Created (local time):\t%s\n", vh.CreateDate)
	fmt.Fprintf(w, "Modified:\t%s\n", vh.ModifyDate)
	fmt.Fprintf(w, "Backed Up:\t%s\n", vh.BackupDate)
	fmt.Fprintf(w, "Checked:\t%s\n", vh.CheckedDate)
	fmt.Fprintf(w, "Files: %d   Folders: %d\n\n", vh.FileCount, vh.FolderCount)

	fmt.Fprintf(w, "METADATA INFORMATION\n")
	fmt.Fprintf(w, "--------------------------------------------\n")
	fmt.Fprintf(w, "Inode Range: %d - %d\n", fs.firstInum, fs.lastInum)
	fmt.Fprintf(w, "Root Directory: %d\n", fs.rootInum)
	fmt.Fprintf(w, "Next Catalog Node ID: %d\n", vh.NextCatalogID)
	fmt.Fprintf(w, "Catalog Tree: node size %d, depth %d, %d leaf records\n",
		fs.catalog.nodeSize, fs.catalog.hdr.TreeDepth, fs.catalog.hdr.LeafRecords)
	if fs.extents != nil {
		fmt.Fprintf(w, "Extents Tree: node size %d, depth %d, %d leaf records\n",
			fs.extents.nodeSize, fs.extents.hdr.TreeDepth, fs.extents.hdr.LeafRecords)
	}
	if fs.attributes != nil {
		fmt.Fprintf(w, "Attributes Tree: node size %d, depth %d, %d leaf records\n",
			fs.attributes.nodeSize, fs.attributes.hdr.TreeDepth, fs.attributes.hdr.LeafRecords)
	}
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "CONTENT INFORMATION\n")
	fmt.Fprintf(w, "--------------------------------------------\n")
	fmt.Fprintf(w, "Block Range: %d - %d\n", fs.firstBlock, fs.lastBlock)
	if fs.lastBlockAct != fs.lastBlock {
		fmt.Fprintf(w, "Actual Block Range: %d - %d (image truncated)\n", fs.firstBlock, fs.lastBlockAct)
	}
	fmt.Fprintf(w, "Block Size: %d\n", fs.blockSize)
	fmt.Fprintf(w, "Free Blocks: %d\n", vh.FreeBlocks)
	return nil
}

// InodeStat writes the istat report for one catalog node ID.
func (fs *HFSPlus) InodeStat(w io.Writer, inum uint64) error {
	in, err := fs.GetInode(inum)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Catalog Record: %d\n", inum)
	fmt.Fprintf(w, "%sAllocated\n", map[bool]string{true: "", false: "Not "}[in.Flags&types.MetaAlloc != 0])
	if in.Flags&types.MetaComp != 0 {
		fmt.Fprintf(w, "Compressed\n")
	}
	if in.Link != "" {
		fmt.Fprintf(w, "Symlink Target: %s\n", in.Link)
	}
	fmt.Fprintf(w, "uid / gid: %d / %d\n", in.UID, in.GID)
	fmt.Fprintf(w, "mode: %s%04o\n", in.Type, in.Mode)
	fmt.Fprintf(w, "size: %d\n", in.Size)
	fmt.Fprintf(w, "num of links: %d\n\n", in.NLink)

	fmt.Fprintf(w, "Inode Times:\n")
	fmt.Fprintf(w, "Accessed:\t%s\n", in.Accessed)
	fmt.Fprintf(w, "File Modified:\t%s\n", in.Modified)
	fmt.Fprintf(w, "Inode Modified:\t%s\n", in.Changed)
	fmt.Fprintf(w, "Created:\t%s\n\n", in.Created)

	var xattrs []*types.Attribute
	for _, a := range in.Attrs.All() {
		if a.Type == types.AttrTypeXattr {
			xattrs = append(xattrs, a)
		}
	}
	if len(xattrs) > 0 {
		fmt.Fprintf(w, "Extended Attributes:\n")
		for _, a := range xattrs {
			fmt.Fprintf(w, "  %s (%d bytes)\n", a.Name, a.Size)
		}
		fmt.Fprintf(w, "\n")
	}

	for _, a := range in.Attrs.All() {
		if a.Flags&types.AttrFlagNonRes == 0 || len(a.Runs) == 0 {
			continue
		}
		switch a.Type {
		case types.AttrTypeData:
			fmt.Fprintf(w, "Data Fork Blocks:\n")
		case types.AttrTypeRsrc:
			fmt.Fprintf(w, "Resource Fork Blocks:\n")
		default:
			continue
		}
		col := 0
		for _, run := range a.Runs {
			for i := uint64(0); i < run.Len; i++ {
				fmt.Fprintf(w, "%d ", run.Addr+i)
				col++
				if col%8 == 0 {
					fmt.Fprintf(w, "\n")
				}
			}
		}
		if col%8 != 0 {
			fmt.Fprintf(w, "\n")
		}
	}
	return nil
}
