package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCode classifies decoder failures. The set is closed; callers select on
// it with errors.Is against the sentinel values below.
type ErrCode uint32

const (
	ErrGeneric ErrCode = iota
	ErrArg
	ErrMagic
	ErrCorrupt
	ErrRead
	ErrWalkRange
	ErrInodeNum
	ErrInodeCorrupt
	ErrBlockNum
	ErrFileWalk
	ErrUnicode
	ErrUnsupported
	ErrAuxGeneric
	ErrAuxAlloc
)

func (c ErrCode) String() string {
	switch c {
	case ErrArg:
		return "invalid argument"
	case ErrMagic:
		return "invalid magic value"
	case ErrCorrupt:
		return "corrupt file system"
	case ErrRead:
		return "read error"
	case ErrWalkRange:
		return "walk range error"
	case ErrInodeNum:
		return "invalid inode number"
	case ErrInodeCorrupt:
		return "corrupt inode"
	case ErrBlockNum:
		return "invalid block number"
	case ErrFileWalk:
		return "file walk error"
	case ErrUnicode:
		return "unicode conversion error"
	case ErrUnsupported:
		return "unsupported function"
	case ErrAuxGeneric:
		return "auxiliary error"
	case ErrAuxAlloc:
		return "allocation error"
	default:
		return "general error"
	}
}

// FsError carries a classified primary cause plus a context chain appended
// as the error climbs back out of the decoder. The first classified code
// sticks; later codes are folded into the primary string instead of
// clobbering it.
type FsError struct {
	Code    ErrCode
	Primary string
	Context []string
}

// Errorf builds a classified error.
func Errorf(code ErrCode, format string, a ...interface{}) *FsError {
	return &FsError{Code: code, Primary: fmt.Sprintf(format, a...)}
}

// Detected folds a second detection into an existing error: the original
// code is kept and the new code is recorded hex-inline in the primary
// string. A nil receiver starts a fresh error.
func (e *FsError) Detected(code ErrCode, format string, a ...interface{}) *FsError {
	if e == nil {
		return Errorf(code, format, a...)
	}
	e.Primary += fmt.Sprintf(" (0x%x: %s)", uint32(code), fmt.Sprintf(format, a...))
	return e
}

// Returned appends caller context while the error propagates up.
func (e *FsError) Returned(format string, a ...interface{}) *FsError {
	if e == nil {
		e = &FsError{Code: ErrAuxGeneric}
	}
	e.Context = append(e.Context, fmt.Sprintf(format, a...))
	return e
}

func (e *FsError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	if e.Primary != "" {
		b.WriteString(": ")
		b.WriteString(e.Primary)
	}
	for i := len(e.Context) - 1; i >= 0; i-- {
		b.WriteString(" - ")
		b.WriteString(e.Context[i])
	}
	return b.String()
}

// Is matches another FsError by code so callers can probe the taxonomy with
// errors.Is(err, types.Errorf(types.ErrCorrupt, "")).
func (e *FsError) Is(target error) bool {
	var fe *FsError
	if errors.As(target, &fe) {
		return fe.Code == e.Code
	}
	return false
}

// CodeOf extracts the classification of err, or ErrGeneric for foreign
// errors.
func CodeOf(err error) ErrCode {
	var fe *FsError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ErrGeneric
}

// AppendContext wraps any error into the channel, preserving an existing
// classification.
func AppendContext(err error, format string, a ...interface{}) *FsError {
	var fe *FsError
	if errors.As(err, &fe) {
		return fe.Returned(format, a...)
	}
	return (&FsError{Code: ErrAuxGeneric, Primary: err.Error()}).Returned(format, a...)
}
