// Package image is the disk and partition image container: a fixed header,
// one record per partition, then each partition's payload in order.
//
// A payload is either a content stream (see package content), the raw
// bytes of a partition, or nothing. Which one follows a record is encoded
// in the top two bits of the record's flags so a reader never has to guess.
package image

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/bamsammich/diskbeam/internal/disk"
	"github.com/bamsammich/diskbeam/internal/wire"
)

const (
	HeaderSize = 1 + 8 + 1 + disk.BootSectorSize + 1 + reservedSize
	RecordSize = 2 + 8 + 8 + 1 + 8 + FSNameSize + LabelSize + UUIDSize

	FSNameSize = 32
	LabelSize  = 28
	UUIDSize   = 37

	// MaxPartitions is what the one-byte partition count can express.
	MaxPartitions = math.MaxUint8

	reservedSize = 512
	flagHasData  = 1 << 0

	payloadShift = 14
)

var (
	ErrInvalidImage          = errors.New("invalid image")
	ErrImageTooLarge         = errors.New("image does not fit the target")
	ErrTooManyPartitions     = errors.New("too many partitions")
	ErrKindMismatch          = errors.New("image kind does not match the target")
	ErrUnsupportedFilesystem = errors.New("unsupported filesystem")
)

// Kind says whether an image holds a whole disk or one partition.
type Kind uint8

const (
	KindDisk Kind = iota + 1
	KindPartition
)

func (k Kind) String() string {
	switch k {
	case KindDisk:
		return "disk"
	case KindPartition:
		return "partition"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Payload is what follows a partition record in the data section.
type Payload uint8

const (
	// PayloadNone: swap, extended and unformatted partitions.
	PayloadNone Payload = iota
	// PayloadUnix and PayloadDOS: a content stream of that record format.
	PayloadUnix
	PayloadDOS
	// PayloadRaw: exactly MinSize bytes of the partition device.
	PayloadRaw
)

func (p Payload) String() string {
	switch p {
	case PayloadNone:
		return "none"
	case PayloadUnix:
		return "unix"
	case PayloadDOS:
		return "dos"
	case PayloadRaw:
		return "raw"
	default:
		return fmt.Sprintf("payload(%d)", uint8(p))
	}
}

// PartitionRecord describes one partition of an image. Positions are
// fractions of the source disk so a restore can scale them to a disk of a
// different size.
type PartitionRecord struct {
	FSName        string
	Label         string
	UUID          string
	StartFraction float64
	UsedFraction  float64
	MinSize       uint64
	Flags         disk.Flags
	Kind          disk.PartitionKind
	Payload       Payload
}

// Image is the header of an image and its partition records.
type Image struct {
	Partitions []PartitionRecord
	Size       uint64
	Kind       Kind
	Label      disk.LabelKind
	HasData    bool
	BootSector [disk.BootSectorSize]byte
}

// Validate checks that the partitions' minimum sizes add up to the image
// size. An image failing it must not be restored.
func (img *Image) Validate() error {
	if img.Kind == KindPartition && len(img.Partitions) != 1 {
		return fmt.Errorf("%w: partition image with %d records", ErrInvalidImage, len(img.Partitions))
	}
	var sum, carry uint64
	for _, p := range img.Partitions {
		sum, carry = bits.Add64(sum, p.MinSize, 0)
		if carry != 0 {
			return fmt.Errorf("%w: partition sizes overflow", ErrInvalidImage)
		}
	}
	if sum != img.Size {
		return fmt.Errorf("%w: partitions hold %d bytes, header says %d", ErrInvalidImage, sum, img.Size)
	}
	return nil
}

// MetadataSize is the size of the header and records.
func (img *Image) MetadataSize() uint64 {
	return HeaderSize + uint64(len(img.Partitions))*RecordSize
}

// MarshalBinary encodes the header followed by every partition record.
func (img *Image) MarshalBinary() ([]byte, error) {
	if len(img.Partitions) > MaxPartitions {
		return nil, fmt.Errorf("%w: %d", ErrTooManyPartitions, len(img.Partitions))
	}
	enc := wire.NewEncoder(int(img.MetadataSize())) //nolint:gosec // G115: at most 255 records
	enc.U8(uint8(len(img.Partitions)))
	enc.U64(img.Size)
	enc.U8(uint8(img.Kind))
	enc.Fixed(img.BootSector[:], disk.BootSectorSize)
	enc.U8(uint8(img.Label))
	var flags uint8
	if img.HasData {
		flags |= flagHasData
	}
	enc.U8(flags)
	enc.Zero(reservedSize - 1)

	for _, p := range img.Partitions {
		enc.U16(uint16(p.Flags&disk.FlagMask) | uint16(p.Payload)<<payloadShift)
		enc.F64(p.StartFraction)
		enc.F64(p.UsedFraction)
		enc.U8(uint8(p.Kind))
		enc.U64(p.MinSize)
		enc.String(p.FSName, FSNameSize)
		enc.String(p.Label, LabelSize)
		enc.String(p.UUID, UUIDSize)
	}
	if err := enc.Err(); err != nil {
		return nil, fmt.Errorf("encode image header: %w", err)
	}
	return enc.Bytes(), nil
}

// UnmarshalHeader decodes the fixed header. It returns the number of
// partition records that follow; the caller bounds it before reading them.
func UnmarshalHeader(p []byte) (*Image, int, error) {
	if len(p) != HeaderSize {
		return nil, 0, fmt.Errorf("%w: header is %d bytes, want %d", ErrInvalidImage, len(p), HeaderSize)
	}
	dec := wire.NewDecoder(p)
	n := int(dec.U8())
	img := &Image{Size: dec.U64(), Kind: Kind(dec.U8())}
	copy(img.BootSector[:], dec.Fixed(disk.BootSectorSize))
	img.Label = disk.LabelKind(dec.U8())
	img.HasData = dec.U8()&flagHasData != 0
	dec.Skip(reservedSize - 1)
	if err := dec.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}

	if img.Kind != KindDisk && img.Kind != KindPartition {
		return nil, 0, fmt.Errorf("%w: unknown image kind %d", ErrInvalidImage, img.Kind)
	}
	if img.Label > disk.LabelGPT {
		return nil, 0, fmt.Errorf("%w: unknown disk label %d", ErrInvalidImage, img.Label)
	}
	return img, n, nil
}

// UnmarshalRecord decodes one partition record.
func UnmarshalRecord(p []byte) (PartitionRecord, error) {
	if len(p) != RecordSize {
		return PartitionRecord{}, fmt.Errorf("%w: record is %d bytes, want %d", ErrInvalidImage, len(p), RecordSize)
	}
	dec := wire.NewDecoder(p)
	flags := dec.U16()
	r := PartitionRecord{
		Flags:         disk.Flags(flags) & disk.FlagMask,
		Payload:       Payload(flags >> payloadShift),
		StartFraction: dec.F64(),
		UsedFraction:  dec.F64(),
		Kind:          disk.PartitionKind(dec.U8()),
		MinSize:       dec.U64(),
		FSName:        dec.String(FSNameSize),
		Label:         dec.String(LabelSize),
		UUID:          dec.String(UUIDSize),
	}
	if err := dec.Err(); err != nil {
		return PartitionRecord{}, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	if err := r.validate(); err != nil {
		return PartitionRecord{}, err
	}
	return r, nil
}

func (r PartitionRecord) validate() error {
	if !validFraction(r.StartFraction) || !validFraction(r.UsedFraction) || r.StartFraction+r.UsedFraction > 1+1e-9 {
		return fmt.Errorf("%w: partition at %g+%g is outside the disk", ErrInvalidImage, r.StartFraction, r.UsedFraction)
	}
	if r.Kind > disk.Extended {
		return fmt.Errorf("%w: unknown partition kind %d", ErrInvalidImage, r.Kind)
	}
	if r.Kind == disk.Extended && (r.Payload != PayloadNone || r.MinSize != 0) {
		return fmt.Errorf("%w: extended partition carries data", ErrInvalidImage)
	}
	return nil
}

func validFraction(f float64) bool {
	return !math.IsNaN(f) && f >= 0 && f <= 1
}
