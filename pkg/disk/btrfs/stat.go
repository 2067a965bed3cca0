package btrfs

import (
	"fmt"
	"io"
	"strings"

	"github.com/blacktop/go-fskit/types"
)

func flagNames(flags uint64, table []struct {
	Bit  uint64
	Name string
}) string {
	var names []string
	for _, e := range table {
		if flags&e.Bit != 0 {
			names = append(names, e.Name)
		}
	}
	return strings.Join(names, ", ")
}

// FileSystemStat writes the fsstat report.
func (fs *Btrfs) FileSystemStat(w io.Writer) error {
	sb := fs.sb

	fmt.Fprintf(w, "FILE SYSTEM INFORMATION\n")
	fmt.Fprintf(w, "--------------------------------------------\n")
	fmt.Fprintf(w, "File System Type: Btrfs\n")
	fmt.Fprintf(w, "File System Name (label): %s\n", sb.LabelString())
	fmt.Fprintf(w, "File System ID: %s\n", sb.UUIDString())
	fmt.Fprintf(w, "Superblock mirror used: %d (offset 0x%x)\n", fs.sbMirror, SuperblockMirrorOffset(fs.sbMirror))
	fmt.Fprintf(w, "Generation: %d\n\n", sb.Generation)

	fmt.Fprintf(w, "Compat flags: 0x%x\n", sb.CompatFlags)
	fmt.Fprintf(w, "Compat RO flags: 0x%x\n", sb.CompatROFlags)
	fmt.Fprintf(w, "Incompat flags: 0x%x", sb.IncompatFlags)
	if names := flagNames(sb.IncompatFlags, IncompatFlagNames); names != "" {
		fmt.Fprintf(w, " (%s)", names)
	}
	fmt.Fprintf(w, "\n\n")

	fmt.Fprintf(w, "METADATA INFORMATION\n")
	fmt.Fprintf(w, "--------------------------------------------\n")
	fmt.Fprintf(w, "Inode Range: %d - %d\n", fs.firstInum, fs.lastInum)
	rootSv, rootInum, err := fs.vinumToReal(fs.rootInum)
	if err == nil {
		fmt.Fprintf(w, "Root Directory: %d (subvolume %d, inum %d)\n", fs.rootInum, rootSv.ID, rootInum)
	}
	fmt.Fprintf(w, "Default subvolume: %d\n\n", fs.defaultSubvolume())

	fmt.Fprintf(w, "CONTENT INFORMATION\n")
	fmt.Fprintf(w, "--------------------------------------------\n")
	fmt.Fprintf(w, "Block Range: %d - %d\n", fs.firstBlock, fs.lastBlock)
	if fs.lastBlockAct != fs.lastBlock {
		fmt.Fprintf(w, "Actual Block Range: %d - %d (image truncated)\n", fs.firstBlock, fs.lastBlockAct)
	}
	fmt.Fprintf(w, "Block Size: %d\n", fs.blockSize)
	fmt.Fprintf(w, "Total Bytes: %d\n", sb.TotalBytes)
	fmt.Fprintf(w, "Bytes Used: %d\n\n", sb.BytesUsed)

	fmt.Fprintf(w, "TREE INFORMATION\n")
	fmt.Fprintf(w, "--------------------------------------------\n")
	fmt.Fprintf(w, "Root tree: address 0x%x, level %d\n", sb.Root, sb.RootLevel)
	fmt.Fprintf(w, "Chunk tree: address 0x%x, level %d\n", sb.ChunkRoot, sb.ChunkRootLevel)
	fmt.Fprintf(w, "Log tree: address 0x%x, level %d\n", sb.LogRoot, sb.LogRootLevel)
	fmt.Fprintf(w, "Extent tree: address 0x%x, level %d\n\n", fs.extentTreeRoot, fs.extentTreeLevel)

	fmt.Fprintf(w, "DEVICE INFORMATION\n")
	fmt.Fprintf(w, "--------------------------------------------\n")
	fmt.Fprintf(w, "Device ID: %d\n", sb.DevItem.DevID)
	fmt.Fprintf(w, "Device Total Bytes: %d\n", sb.DevItem.TotalBytes)
	fmt.Fprintf(w, "Device Bytes Used: %d\n", sb.DevItem.BytesUsed)
	fmt.Fprintf(w, "Number of Devices: %d\n\n", sb.NumDevices)

	fmt.Fprintf(w, "SUBVOLUME INFORMATION\n")
	fmt.Fprintf(w, "--------------------------------------------\n")
	for _, id := range fs.subvolOrder {
		sv := fs.subvolumes[id]
		virt, verr := fs.realToVinum(id, sv.Root.RootDirID)
		if verr != nil {
			continue
		}
		fmt.Fprintf(w, "Subvolume %d: root dir inum %d (virtual %d), tree address 0x%x, %d inodes\n",
			id, sv.Root.RootDirID, virt, sv.Root.Bytenr, len(sv.real2virt))
	}
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "CHUNK INFORMATION\n")
	fmt.Fprintf(w, "--------------------------------------------\n")
	fs.chunksMu.Lock()
	fmt.Fprintf(w, "Logical -> Physical:\n")
	for _, c := range fs.log2phys.all() {
		fmt.Fprintf(w, "  0x%012x + 0x%09x -> 0x%012x\n", c.Source, c.Size, c.Target)
	}
	fmt.Fprintf(w, "Physical -> Logical:\n")
	for _, c := range fs.phys2log.all() {
		fmt.Fprintf(w, "  0x%012x + 0x%09x -> 0x%012x\n", c.Source, c.Size, c.Target)
	}
	fs.chunksMu.Unlock()
	return nil
}

// InodeStat writes the istat report for one virtual inode.
func (fs *Btrfs) InodeStat(w io.Writer, vinum uint64) error {
	in, err := fs.GetInode(vinum)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Inode: %d\n", vinum)
	if sv, inum, err := fs.vinumToReal(vinum); err == nil {
		fmt.Fprintf(w, "Subvolume: %d\n", sv.ID)
		fmt.Fprintf(w, "Real Inum: %d\n", inum)
	}
	fmt.Fprintf(w, "%sAllocated\n", map[bool]string{true: "", false: "Not "}[in.Flags&types.MetaAlloc != 0])
	if in.Flags&types.MetaComp != 0 {
		fmt.Fprintf(w, "Compressed\n")
	}

	var item *InodeItem
	if len(in.Raw) == InodeItemSize {
		item, _ = parseInodeItem(in.Raw)
	}
	if item != nil {
		fmt.Fprintf(w, "Generation: %d\n", item.Generation)
		if names := flagNames(item.Flags, InodeFlagNames); names != "" {
			fmt.Fprintf(w, "Flags: %s\n", names)
		}
	}
	if in.Link != "" {
		fmt.Fprintf(w, "Symlink Target: %s\n", in.Link)
	}
	fmt.Fprintf(w, "uid / gid: %d / %d\n", in.UID, in.GID)
	fmt.Fprintf(w, "mode: %s%04o\n", in.Type, in.Mode)
	if item != nil && (in.Type == types.TypeBlockDevice || in.Type == types.TypeCharDevice) {
		fmt.Fprintf(w, "Device Major: %d   Minor: %d\n", item.RDev>>20, item.RDev&0xFFFFF)
	}
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

	if data := in.Attrs.Default(); data != nil && data.Flags&types.AttrFlagNonRes != 0 {
		fmt.Fprintf(w, "Blocks:\n")
		col := 0
		for _, run := range data.Runs {
			for i := uint64(0); i < run.Len; i++ {
				if run.Flags&types.RunFlagSparse != 0 {
					fmt.Fprintf(w, "- ")
				} else {
					fmt.Fprintf(w, "%d ", run.Addr+i)
				}
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
