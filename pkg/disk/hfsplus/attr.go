package hfsplus

import (
	"encoding/binary"

	"github.com/apex/log"
	"github.com/blacktop/go-fskit/types"
)

// parseAttributesKey decodes an attributes tree key including its
// length prefix.
func parseAttributesKey(key []byte) (*AttributesKey, error) {
	if len(key) < 14 {
		return nil, types.Errorf(types.ErrCorrupt, "attributes key too short (%d bytes)", len(key))
	}
	ak := &AttributesKey{
		FileID:     CatalogNodeID(binary.BigEndian.Uint32(key[4:])),
		StartBlock: binary.BigEndian.Uint32(key[8:]),
	}
	ak.Name.Length = binary.BigEndian.Uint16(key[12:])
	if ak.Name.Length > attrMaxNameLen || 14+2*int(ak.Name.Length) > len(key) {
		return nil, types.Errorf(types.ErrCorrupt,
			"attributes key name length %d outside key", ak.Name.Length)
	}
	ak.Name.UniChar = make([]uint16, ak.Name.Length)
	for i := range ak.Name.UniChar {
		ak.Name.UniChar[i] = binary.BigEndian.Uint16(key[14+2*i:])
	}
	return ak, nil
}

// compareAttributesKey orders an on-disk key against a target.
// Attribute names compare case sensitively regardless of the catalog's
// key compare type.
func compareAttributesKey(ak *AttributesKey, fileID CatalogNodeID, name []uint16, startBlock uint32) int {
	switch {
	case ak.FileID < fileID:
		return -1
	case ak.FileID > fileID:
		return 1
	}
	if c := compareUniNames(ak.Name.UniChar, name, true); c != 0 {
		return c
	}
	switch {
	case ak.StartBlock < startBlock:
		return -1
	case ak.StartBlock > startBlock:
		return 1
	default:
		return 0
	}
}

// inlineAttrData extracts an inline attribute's value bytes. Fork-based
// records are reported so callers can skip or reject them.
func inlineAttrData(data []byte) ([]byte, uint32, error) {
	if len(data) < 4 {
		return nil, 0, types.Errorf(types.ErrCorrupt, "attribute record too short (%d bytes)", len(data))
	}
	recType := binary.BigEndian.Uint32(data)
	if recType != AttrRecordInlineData {
		return nil, recType, nil
	}
	if len(data) < 16 {
		return nil, recType, types.Errorf(types.ErrCorrupt,
			"inline attribute record too short (%d bytes)", len(data))
	}
	size := binary.BigEndian.Uint32(data[12:])
	if 16+int(size) > len(data) {
		return nil, recType, types.Errorf(types.ErrCorrupt,
			"inline attribute size %d outside record", size)
	}
	return data[16 : 16+size], recType, nil
}

type xattrEntry struct {
	name string
	data []byte
}

// listXattrs collects the inline extended attributes of one file.
// Fork-based attribute records cannot be decoded and are skipped.
func (fs *HFSPlus) listXattrs(cnid CatalogNodeID) ([]xattrEntry, error) {
	if fs.attributes == nil {
		return nil, nil
	}
	var out []xattrEntry
	err := fs.attributes.traverse(
		func(key []byte) (idxVerdict, error) {
			ak, err := parseAttributesKey(key)
			if err != nil {
				return 0, err
			}
			if compareAttributesKey(ak, cnid, nil, 0) < 0 {
				return idxLT, nil
			}
			return idxEQGT, nil
		},
		func(node []byte, key []byte, recOff int) (leafVerdict, error) {
			ak, err := parseAttributesKey(key)
			if err != nil {
				return 0, err
			}
			if ak.FileID < cnid {
				return leafGo, nil
			}
			if ak.FileID > cnid {
				return leafStop, nil
			}
			name, err := uniToUTF8(ak.Name.UniChar, false)
			if err != nil {
				return 0, types.AppendContext(err, "decoding xattr name of cnid %d", cnid)
			}
			data, recType, err := inlineAttrData(fs.attributes.recordData(node, key, recOff))
			if err != nil {
				return 0, types.AppendContext(err, "decoding xattr %q of cnid %d", name, cnid)
			}
			if recType != AttrRecordInlineData {
				log.WithFields(log.Fields{
					"cnid": uint32(cnid),
					"name": name,
					"type": recType,
				}).Debug("skipping fork-based attribute record")
				return leafGo, nil
			}
			buf := make([]byte, len(data))
			copy(buf, data)
			out = append(out, xattrEntry{name: name, data: buf})
			return leafGo, nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// getXattr reads one named extended attribute. Fork-based records are
// rejected as unsupported.
func (fs *HFSPlus) getXattr(cnid CatalogNodeID, name string) ([]byte, bool, error) {
	if fs.attributes == nil {
		return nil, false, nil
	}
	target := utf8ToUni(name)
	var (
		out   []byte
		found bool
		ferr  error
	)
	err := fs.attributes.traverse(
		func(key []byte) (idxVerdict, error) {
			ak, err := parseAttributesKey(key)
			if err != nil {
				return 0, err
			}
			if compareAttributesKey(ak, cnid, target, 0) < 0 {
				return idxLT, nil
			}
			return idxEQGT, nil
		},
		func(node []byte, key []byte, recOff int) (leafVerdict, error) {
			ak, err := parseAttributesKey(key)
			if err != nil {
				return 0, err
			}
			c := compareAttributesKey(ak, cnid, target, 0)
			if c < 0 {
				return leafGo, nil
			}
			if ak.FileID != cnid || compareUniNames(ak.Name.UniChar, target, true) != 0 {
				return leafStop, nil
			}
			data, recType, err := inlineAttrData(fs.attributes.recordData(node, key, recOff))
			if err != nil {
				return 0, err
			}
			if recType != AttrRecordInlineData {
				ferr = types.Errorf(types.ErrUnsupported,
					"xattr %q of cnid %d uses fork-based record type 0x%x", name, cnid, recType)
				return leafStop, nil
			}
			out = make([]byte, len(data))
			copy(out, data)
			found = true
			return leafStop, nil
		})
	if err != nil {
		return nil, false, err
	}
	return out, found, ferr
}
