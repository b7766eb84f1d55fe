// Package content serializes a mounted filesystem tree into a flat stream of
// fixed-size records followed by payload, and restores such a stream onto
// another mounted filesystem.
//
// The stream is a depth-first walk. Each directory's children follow the
// directory's own record and are closed by an EOD record:
//
//	[child record][payload]... [EOD]
//
// A sub-directory's record is immediately followed by its own children and
// EOD, so the reader needs no lookahead.
package content

import (
	"errors"
	"fmt"
	"time"

	"github.com/bamsammich/diskbeam/internal/wire"
)

// Format selects the record variant of a stream.
type Format int

const (
	// Unix records carry ownership, an SELinux context and device numbers.
	Unix Format = iota + 1
	// DOS records carry only name, mode, size and times.
	DOS
)

func (f Format) String() string {
	switch f {
	case Unix:
		return "unix"
	case DOS:
		return "dos"
	default:
		return "unknown"
	}
}

const (
	NameSize       = 512
	SecContextSize = 128

	UnixRecordSize = 1177
	DOSRecordSize  = 1036

	unixReserved = UnixRecordSize - (NameSize + 4 + 4 + 4 + 8 + 8 + 8 + SecContextSize + 4 + 4)
	dosReserved  = DOSRecordSize - (NameSize + 4 + 8 + 8 + 8)

	// maxLinkPayload bounds symlink and hardlink payloads read from a stream.
	maxLinkPayload = 4096
)

// File type bits. ModeEOD and ModeHardlink use type values POSIX leaves
// unassigned.
const (
	TypeMask     uint32 = 0o170000
	ModeSocket   uint32 = 0o140000
	ModeSymlink  uint32 = 0o120000
	ModeRegular  uint32 = 0o100000
	ModeBlock    uint32 = 0o060000
	ModeDir      uint32 = 0o040000
	ModeChar     uint32 = 0o020000
	ModeFIFO     uint32 = 0o010000
	ModeHardlink uint32 = 0o150000
	ModeEOD      uint32 = 0o170000
)

// ErrCorruptStream is returned when a record cannot be trusted.
var ErrCorruptStream = errors.New("corrupt content stream")

// ErrOutsideTree is the warning for a hard link whose target resolves,
// through symlinks, outside the restored tree.
var ErrOutsideTree = errors.New("link target outside the tree")

// Record is the metadata block of one filesystem entry.
type Record struct {
	Mtime      time.Time
	Atime      time.Time
	Name       string
	SecContext string
	Size       uint64
	Mode       uint32
	UID        uint32
	GID        uint32
	Major      uint32
	Minor      uint32
}

// EOD returns the end-of-directory marker.
func EOD() Record { return Record{Mode: ModeEOD} }

// Type returns the file type bits of the record.
func (r Record) Type() uint32 { return r.Mode & TypeMask }

// Perm returns the permission and special bits of the record.
func (r Record) Perm() uint32 { return r.Mode &^ TypeMask }

func (r Record) IsEOD() bool { return r.Type() == ModeEOD }

// RecordSize returns the encoded size of one record in format f.
func (f Format) RecordSize() int {
	if f == DOS {
		return DOSRecordSize
	}
	return UnixRecordSize
}

// Marshal encodes r in format f.
func (r Record) Marshal(f Format) ([]byte, error) {
	enc := wire.NewEncoder(f.RecordSize())
	enc.String(r.Name, NameSize)
	enc.U32(r.Mode)
	if f == Unix {
		enc.U32(r.UID)
		enc.U32(r.GID)
	}
	enc.U64(r.Size)
	enc.U64(timeToWire(r.Atime))
	enc.U64(timeToWire(r.Mtime))
	switch f {
	case Unix:
		enc.String(r.SecContext, SecContextSize)
		enc.U32(r.Major)
		enc.U32(r.Minor)
		enc.Zero(unixReserved)
	case DOS:
		enc.Zero(dosReserved)
	default:
		return nil, fmt.Errorf("unknown content format %d", f)
	}
	if err := enc.Err(); err != nil {
		return nil, fmt.Errorf("encode record %q: %w", r.Name, err)
	}
	return enc.Bytes(), nil
}

// Unmarshal decodes one record in format f. p must hold exactly one record.
func Unmarshal(f Format, p []byte) (Record, error) {
	if len(p) != f.RecordSize() {
		return Record{}, fmt.Errorf("%w: record is %d bytes, want %d", ErrCorruptStream, len(p), f.RecordSize())
	}
	dec := wire.NewDecoder(p)
	var r Record
	r.Name = dec.String(NameSize)
	r.Mode = dec.U32()
	if f == Unix {
		r.UID = dec.U32()
		r.GID = dec.U32()
	}
	r.Size = dec.U64()
	r.Atime = timeFromWire(dec.U64())
	r.Mtime = timeFromWire(dec.U64())
	if f == Unix {
		r.SecContext = dec.String(SecContextSize)
		r.Major = dec.U32()
		r.Minor = dec.U32()
	}
	if err := dec.Err(); err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrCorruptStream, err)
	}
	return r, nil
}

// validate rejects records a restore must not act on.
func (r Record) validate() error {
	if r.IsEOD() {
		return nil
	}
	if r.Name == "" || r.Name == "." || r.Name == ".." {
		return fmt.Errorf("%w: invalid name %q", ErrCorruptStream, r.Name)
	}
	for i := range len(r.Name) {
		if r.Name[i] == '/' {
			return fmt.Errorf("%w: name %q contains a separator", ErrCorruptStream, r.Name)
		}
	}
	switch r.Type() {
	case ModeSymlink, ModeHardlink:
		if r.Size == 0 || r.Size > maxLinkPayload {
			return fmt.Errorf("%w: link %q has payload of %d bytes", ErrCorruptStream, r.Name, r.Size)
		}
	case ModeRegular:
	case ModeDir, ModeBlock, ModeChar, ModeFIFO, ModeSocket:
		if r.Size != 0 {
			return fmt.Errorf("%w: %q of type %o carries %d payload bytes", ErrCorruptStream, r.Name, r.Type(), r.Size)
		}
	default:
		return fmt.Errorf("%w: %q has unknown type %o", ErrCorruptStream, r.Name, r.Type())
	}
	return nil
}

func timeToWire(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano()) //nolint:gosec // G115: pre-1970 times wrap and round-trip
}

func timeFromWire(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v)) //nolint:gosec // G115: inverse of timeToWire
}
