package types

import "io"

// Attribute and run flags. An attribute is either resident (inline bytes)
// or non-resident (a run list); compressed attributes additionally carry
// AttrFlagComp and delegate Read/Walk to installed strategies.
type AttrFlag uint32

const (
	AttrFlagInUse   AttrFlag = 0x1
	AttrFlagNonRes  AttrFlag = 0x2
	AttrFlagRes     AttrFlag = 0x4
	AttrFlagEnc     AttrFlag = 0x10
	AttrFlagComp    AttrFlag = 0x20
	AttrFlagSparse  AttrFlag = 0x40
	AttrFlagRecover AttrFlag = 0x80
)

// AttrType tags the stream an attribute carries.
type AttrType uint32

const (
	AttrTypeNotFound AttrType = 0x00
	AttrTypeDefault  AttrType = 0x01
	AttrTypeData     AttrType = 0x100 // primary byte stream
	AttrTypeRsrc     AttrType = 0x101 // HFS+ resource fork
	AttrTypeXattr    AttrType = 0x102 // extended attribute
)

func (t AttrType) String() string {
	switch t {
	case AttrTypeDefault:
		return "DFLT"
	case AttrTypeData:
		return "DATA"
	case AttrTypeRsrc:
		return "RSRC"
	case AttrTypeXattr:
		return "XATTR"
	default:
		return "NONE"
	}
}

// Run flags mark how one non-resident segment is stored.
type RunFlag uint8

const (
	RunFlagNone   RunFlag = 0x0
	RunFlagFiller RunFlag = 0x1
	RunFlagSparse RunFlag = 0x2
)

// Run is one non-resident attribute segment in block units.
type Run struct {
	Offset uint64 // logical block offset within the attribute
	Addr   uint64 // physical block address, 0 when sparse
	Len    uint64 // block count
	Flags  RunFlag
}

// WalkFlag controls and annotates attribute walks.
type WalkFlag uint32

const (
	WalkFlagAlloc    WalkFlag = 0x1
	WalkFlagUnalloc  WalkFlag = 0x2
	WalkFlagCont     WalkFlag = 0x4
	WalkFlagMeta     WalkFlag = 0x8
	WalkFlagRaw      WalkFlag = 0x10
	WalkFlagBadSect  WalkFlag = 0x20
	WalkFlagAonly    WalkFlag = 0x40
	WalkFlagComp     WalkFlag = 0x80
	WalkFlagSparse   WalkFlag = 0x100
	WalkFlagNoSparse WalkFlag = 0x200
	WalkFlagRes      WalkFlag = 0x400
	WalkFlagNoID     WalkFlag = 0x800
)

// WalkAction is a walk callback's verdict for one delivered lump.
type WalkAction int

const (
	WalkCont WalkAction = iota
	WalkStop
	WalkError
)

// AttrWalkFunc receives one lump of attribute content. addr is the physical
// block address of the lump, or 0 when it has none (resident, sparse,
// compressed output).
type AttrWalkFunc func(attr *Attribute, off int64, addr uint64, buf []byte, flags WalkFlag) WalkAction

// Attribute is one named, typed byte stream attached to an inode.
// Compressed attributes carry ReadFn/WalkFn strategies installed by the
// decompression layer; plain attributes leave them nil and are served by
// the owning decoder.
type Attribute struct {
	Type AttrType
	ID   uint16
	Name string

	Size      int64 // logical size in bytes
	InitSize  int64 // initialized size
	AllocSize int64 // allocated (block-rounded) size

	Flags AttrFlag

	Resident []byte // inline bytes when AttrFlagRes
	Runs     []Run  // segments when AttrFlagNonRes

	ReadFn func(a *Attribute, off int64, p []byte) (int, error)
	WalkFn func(a *Attribute, flags WalkFlag, cb AttrWalkFunc) error
}

// NewResident builds a resident attribute owning a copy of data.
func NewResident(typ AttrType, id uint16, name string, data []byte) *Attribute {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Attribute{
		Type:      typ,
		ID:        id,
		Name:      name,
		Size:      int64(len(buf)),
		InitSize:  int64(len(buf)),
		AllocSize: int64(len(buf)),
		Flags:     AttrFlagInUse | AttrFlagRes,
		Resident:  buf,
	}
}

// NewNonResident builds an empty non-resident attribute; runs are appended
// with AddRun.
func NewNonResident(typ AttrType, id uint16, name string, size, initSize, allocSize int64) *Attribute {
	return &Attribute{
		Type:      typ,
		ID:        id,
		Name:      name,
		Size:      size,
		InitSize:  initSize,
		AllocSize: allocSize,
		Flags:     AttrFlagInUse | AttrFlagNonRes,
	}
}

// AddRun appends one segment.
func (a *Attribute) AddRun(r Run) {
	a.Runs = append(a.Runs, r)
}

// ReadAt reads attribute content through the installed strategy, or
// straight from the resident bytes.
func (a *Attribute) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, Errorf(ErrArg, "negative offset %d", off)
	}
	if a.ReadFn != nil {
		return a.ReadFn(a, off, p)
	}
	if a.Flags&AttrFlagRes != 0 {
		if off >= int64(len(a.Resident)) {
			return 0, io.EOF
		}
		return copy(p, a.Resident[off:]), nil
	}
	return 0, Errorf(ErrUnsupported, "attribute %s has no read strategy", a.Type)
}

// Walk delivers attribute content through the installed strategy;
// resident attributes are delivered as a single lump.
func (a *Attribute) Walk(flags WalkFlag, cb AttrWalkFunc) error {
	if a.WalkFn != nil {
		return a.WalkFn(a, flags, cb)
	}
	if a.Flags&AttrFlagRes != 0 {
		var lump []byte
		if flags&WalkFlagAonly == 0 {
			lump = a.Resident
		}
		switch cb(a, 0, 0, lump, flags|WalkFlagAlloc|WalkFlagCont|WalkFlagRes) {
		case WalkError:
			return Errorf(ErrFileWalk, "attribute walk aborted at 0")
		}
		return nil
	}
	return Errorf(ErrUnsupported, "attribute %s has no walk strategy", a.Type)
}

// AttrList holds the attributes of one inode. Entries are distinct on
// (Type, ID).
type AttrList struct {
	attrs []*Attribute
}

// Add appends attr, assigning the next free ID within its type when the
// caller passed zero and the slot is taken.
func (l *AttrList) Add(attr *Attribute) *Attribute {
	l.attrs = append(l.attrs, attr)
	return attr
}

// GetType returns the first attribute of the given type, or nil.
func (l *AttrList) GetType(typ AttrType) *Attribute {
	for _, a := range l.attrs {
		if a.Type == typ {
			return a
		}
	}
	return nil
}

// GetTypeID returns the attribute with the exact (type, id) pair, or nil.
func (l *AttrList) GetTypeID(typ AttrType, id uint16) *Attribute {
	for _, a := range l.attrs {
		if a.Type == typ && a.ID == id {
			return a
		}
	}
	return nil
}

// Default returns the attribute served by plain content reads: DATA when
// present, else DFLT.
func (l *AttrList) Default() *Attribute {
	if a := l.GetType(AttrTypeData); a != nil {
		return a
	}
	return l.GetType(AttrTypeDefault)
}

// All returns the attributes in insertion order.
func (l *AttrList) All() []*Attribute {
	return l.attrs
}

// Len reports the number of attributes.
func (l *AttrList) Len() int {
	return len(l.attrs)
}
