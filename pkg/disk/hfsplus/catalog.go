package hfsplus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
	"unicode"

	"github.com/blacktop/go-fskit/types"
)

// parseCatalogKey decodes a catalog key including its length prefix.
func parseCatalogKey(key []byte) (*CatalogKey, error) {
	if len(key) < 8 {
		return nil, types.Errorf(types.ErrCorrupt, "catalog key too short (%d bytes)", len(key))
	}
	ck := &CatalogKey{
		ParentID: CatalogNodeID(binary.BigEndian.Uint32(key[2:])),
	}
	ck.NodeName.Length = binary.BigEndian.Uint16(key[6:])
	if 8+2*int(ck.NodeName.Length) > len(key) {
		return nil, types.Errorf(types.ErrCorrupt,
			"catalog key name length %d outside key", ck.NodeName.Length)
	}
	ck.NodeName.UniChar = make([]uint16, ck.NodeName.Length)
	for i := range ck.NodeName.UniChar {
		ck.NodeName.UniChar[i] = binary.BigEndian.Uint16(key[8+2*i:])
	}
	return ck, nil
}

// foldUnit lowercases one UTF-16 unit for case-insensitive ordering.
func foldUnit(u uint16) uint16 {
	if u < 0xD800 || u > 0xDFFF {
		if r := unicode.ToLower(rune(u)); r <= 0xFFFF {
			return uint16(r)
		}
	}
	return u
}

// compareUniNames orders two UTF-16 names the way the catalog does.
func compareUniNames(a, b []uint16, caseSensitive bool) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ua, ub := a[i], b[i]
		if !caseSensitive {
			ua, ub = foldUnit(ua), foldUnit(ub)
		}
		if ua != ub {
			if ua < ub {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// compareCatalogKey orders an on-disk key against a (parent, name) target.
func (fs *HFSPlus) compareCatalogKey(key []byte, parent CatalogNodeID, name []uint16) (int, error) {
	ck, err := parseCatalogKey(key)
	if err != nil {
		return 0, err
	}
	switch {
	case ck.ParentID < parent:
		return -1, nil
	case ck.ParentID > parent:
		return 1, nil
	}
	return compareUniNames(ck.NodeName.UniChar, name, fs.caseSensitive), nil
}

// catalogEntry is one decoded catalog leaf record with its key.
type catalogEntry struct {
	key    *CatalogKey
	record RecordType
	folder *CatalogFolder
	file   *CatalogFile
	raw    []byte
}

// cnid is the entry's own catalog node ID.
func (e *catalogEntry) cnid() CatalogNodeID {
	if e.folder != nil {
		return e.folder.FolderID
	}
	if e.file != nil {
		return e.file.FileID
	}
	return 0
}

func parseCatalogRecord(key *CatalogKey, data []byte) (*catalogEntry, error) {
	if len(data) < 2 {
		return nil, types.Errorf(types.ErrCorrupt, "catalog record too short (%d bytes)", len(data))
	}
	e := &catalogEntry{key: key, record: RecordType(int16(binary.BigEndian.Uint16(data)))}
	switch e.record {
	case HFSPlusFolderRecord:
		e.folder = &CatalogFolder{}
		if err := binary.Read(bytes.NewReader(data), binary.BigEndian, e.folder); err != nil {
			return nil, types.Errorf(types.ErrCorrupt, "short folder record: %v", err)
		}
	case HFSPlusFileRecord:
		e.file = &CatalogFile{}
		if err := binary.Read(bytes.NewReader(data), binary.BigEndian, e.file); err != nil {
			return nil, types.Errorf(types.ErrCorrupt, "short file record: %v", err)
		}
	case HFSPlusFolderThreadRecord, HFSPlusFileThreadRecord:
		// threads are decoded separately
	default:
		return nil, types.Errorf(types.ErrCorrupt, "unknown catalog record type %d", e.record)
	}
	if n := len(data); n > 0 {
		e.raw = make([]byte, n)
		copy(e.raw, data)
	}
	return e, nil
}

func parseThreadRecord(data []byte) (*CatalogThread, error) {
	if len(data) < 10 {
		return nil, types.Errorf(types.ErrCorrupt, "thread record too short (%d bytes)", len(data))
	}
	th := &CatalogThread{
		RecordType: RecordType(int16(binary.BigEndian.Uint16(data))),
		ParentID:   CatalogNodeID(binary.BigEndian.Uint32(data[4:])),
	}
	th.NodeName.Length = binary.BigEndian.Uint16(data[8:])
	if 10+2*int(th.NodeName.Length) > len(data) {
		return nil, types.Errorf(types.ErrCorrupt,
			"thread name length %d outside record", th.NodeName.Length)
	}
	th.NodeName.UniChar = make([]uint16, th.NodeName.Length)
	for i := range th.NodeName.UniChar {
		th.NodeName.UniChar[i] = binary.BigEndian.Uint16(data[10+2*i:])
	}
	return th, nil
}

// recordData slices the record body following a key.
func (b *btree) recordData(node []byte, key []byte, recOff int) []byte {
	return node[recOff+len(key):]
}

// lookupThread finds the thread record of one CNID. Threads key on
// (cnid, empty name) and sort first among the CNID's records.
func (fs *HFSPlus) lookupThread(cnid CatalogNodeID) (*CatalogThread, bool, error) {
	var (
		out   *CatalogThread
		found bool
	)
	err := fs.catalog.traverse(
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
			if ck.ParentID > cnid || ck.NodeName.Length != 0 {
				return leafStop, nil
			}
			th, err := parseThreadRecord(fs.catalog.recordData(node, key, recOff))
			if err != nil {
				return 0, types.AppendContext(err, "parsing thread record of cnid %d", cnid)
			}
			if th.RecordType != HFSPlusFolderThreadRecord && th.RecordType != HFSPlusFileThreadRecord {
				return 0, types.Errorf(types.ErrCorrupt,
					"cnid %d: empty-name record is %s, expected a thread", cnid, th.RecordType)
			}
			out, found = th, true
			return leafStop, nil
		})
	return out, found, err
}

// lookupExact finds the file or folder record keyed (parent, name).
func (fs *HFSPlus) lookupExact(parent CatalogNodeID, name []uint16) (*catalogEntry, bool, error) {
	var (
		out   *catalogEntry
		found bool
	)
	err := fs.catalog.traverse(
		func(key []byte) (idxVerdict, error) {
			c, err := fs.compareCatalogKey(key, parent, name)
			if err != nil {
				return 0, err
			}
			if c < 0 {
				return idxLT, nil
			}
			return idxEQGT, nil
		},
		func(node []byte, key []byte, recOff int) (leafVerdict, error) {
			c, err := fs.compareCatalogKey(key, parent, name)
			if err != nil {
				return 0, err
			}
			if c < 0 {
				return leafGo, nil
			}
			if c > 0 {
				return leafStop, nil
			}
			ck, err := parseCatalogKey(key)
			if err != nil {
				return 0, err
			}
			e, err := parseCatalogRecord(ck, fs.catalog.recordData(node, key, recOff))
			if err != nil {
				return 0, err
			}
			out, found = e, true
			return leafStop, nil
		})
	return out, found, err
}

// catalogRecord resolves one CNID to its file or folder record through
// the thread record.
func (fs *HFSPlus) catalogRecord(cnid CatalogNodeID) (*catalogEntry, bool, error) {
	th, found, err := fs.lookupThread(cnid)
	if err != nil || !found {
		return nil, false, err
	}
	e, found, err := fs.lookupExact(th.ParentID, th.NodeName.UniChar)
	if err != nil || !found {
		return nil, false, err
	}
	if e.record == HFSPlusFolderThreadRecord || e.record == HFSPlusFileThreadRecord {
		return nil, false, types.Errorf(types.ErrCorrupt,
			"cnid %d: thread points at another thread", cnid)
	}
	if got := e.cnid(); got != cnid {
		return nil, false, types.Errorf(types.ErrCorrupt,
			"cnid %d: thread resolves to record of cnid %d", cnid, got)
	}
	return e, true, nil
}

// crtimeMatches reports whether a create date equals any known store
// date. Sentinels are stamped with the root folder's, the file store's
// or the directory store's create date, whichever existed at link time.
func (fs *HFSPlus) crtimeMatches(t time.Time) bool {
	for _, c := range []time.Time{fs.rootCrtime, fs.metaCrtime, fs.metaDirCrtime} {
		if !c.IsZero() && t.Equal(c) {
			return true
		}
	}
	return false
}

// isFileHardLink reports a file-type hard link sentinel. The create
// date must match a store date so plain files that merely reuse the
// finder type are not misread.
func (fs *HFSPlus) isFileHardLink(file *CatalogFile) bool {
	return fs.metaDirID != 0 &&
		file.UserInfo.FileType == HardLinkFileType &&
		file.UserInfo.FileCreator == HardLinkFileCreator &&
		fs.crtimeMatches(file.CreateDate.Time())
}

// isDirHardLink reports a directory-type hard link sentinel.
func (fs *HFSPlus) isDirHardLink(file *CatalogFile) bool {
	return fs.metaDirDirID != 0 &&
		file.UserInfo.FileType == HardLinkDirType &&
		file.UserInfo.FileCreator == HardLinkDirCreator &&
		fs.crtimeMatches(file.CreateDate.Time())
}

// followHardLink resolves a hard link sentinel to its target record,
// one hop. Non-links come back unchanged; a sentinel whose target is
// missing from the private store fails the lookup.
func (fs *HFSPlus) followHardLink(e *catalogEntry) (*catalogEntry, error) {
	if e.file == nil {
		return e, nil
	}
	var (
		dir  CatalogNodeID
		name string
	)
	switch {
	case fs.isFileHardLink(e.file):
		dir = fs.metaDirID
		name = fmt.Sprintf("iNode%d", e.file.Permissions.Special)
	case fs.isDirHardLink(e.file):
		dir = fs.metaDirDirID
		name = fmt.Sprintf("dir_%d", e.file.Permissions.Special)
	default:
		return e, nil
	}
	target, found, err := fs.lookupExact(dir, utf8ToUni(name))
	if err != nil {
		return nil, types.AppendContext(err, "following hard link to %s", name)
	}
	if !found {
		return nil, types.Errorf(types.ErrInodeNum,
			"hard link target %s missing from private directory %d", name, dir)
	}
	return target, nil
}

// findHighestInum determines the largest CNID in use. When the volume
// reuses CNIDs the next-ID hint is stale and the catalog is scanned.
func (fs *HFSPlus) findHighestInum() (uint64, error) {
	if !fs.vh.Attributes.Has(HFSCatalogNodeIDsReusedBit) {
		return uint64(fs.vh.NextCatalogID) - 1, nil
	}
	var highest CatalogNodeID
	err := fs.catalog.walkLeaves(func(node []byte, key []byte, recOff int) (leafVerdict, error) {
		ck, err := parseCatalogKey(key)
		if err != nil {
			return 0, err
		}
		data := fs.catalog.recordData(node, key, recOff)
		e, err := parseCatalogRecord(ck, data)
		if err != nil {
			return 0, err
		}
		if id := e.cnid(); id > highest {
			highest = id
		}
		return leafGo, nil
	})
	if err != nil {
		return 0, err
	}
	return uint64(highest), nil
}

// volumeName is the root folder's name, held by its thread record.
func (fs *HFSPlus) volumeName() (string, error) {
	th, found, err := fs.lookupThread(HFSRootFolderID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", types.Errorf(types.ErrCorrupt, "catalog has no root thread record")
	}
	return uniToUTF8(th.NodeName.UniChar, true)
}
