// Package disk models partitioned block devices: the partition table, its
// flags and the boot sector. Device is the Linux implementation backed by
// sfdisk and lsblk.
package disk

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	// BootSectorSize is the boot code area of the first sector.
	BootSectorSize = 440
	SectorSize     = 512
	// MiB is the partition alignment used when laying out a table.
	MiB = 1 << 20
)

var (
	ErrNoPartitionTable = errors.New("no partition table")
	ErrNoPartition      = errors.New("no such partition")
)

// LabelKind is the partition table type.
type LabelKind uint8

const (
	LabelNone LabelKind = iota
	LabelDOS
	LabelGPT
)

func (l LabelKind) String() string {
	switch l {
	case LabelDOS:
		return "dos"
	case LabelGPT:
		return "gpt"
	default:
		return "none"
	}
}

// ParseLabel maps an sfdisk label name to a LabelKind.
func ParseLabel(s string) LabelKind {
	switch s {
	case "dos", "msdos", "mbr":
		return LabelDOS
	case "gpt":
		return LabelGPT
	default:
		return LabelNone
	}
}

// PartitionKind is where a partition lives in a DOS table. GPT partitions
// are always Primary.
type PartitionKind uint8

const (
	Primary PartitionKind = iota
	Logical
	Extended
)

func (k PartitionKind) String() string {
	switch k {
	case Primary:
		return "primary"
	case Logical:
		return "logical"
	case Extended:
		return "extended"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Flags is the partition flag bitset.
type Flags uint16

const (
	FlagBoot Flags = 1 << iota
	FlagRoot
	FlagSwap
	FlagHidden
	FlagRAID
	FlagLVM
	FlagLBA
	FlagHPService
	FlagPALO
	FlagPREP
	FlagMSFTReserved
	FlagBIOSGrub
	FlagAppleTVRecovery
	FlagDiag

	// FlagMask covers every defined flag.
	FlagMask Flags = 1<<14 - 1
)

var flagNames = [...]string{ //nolint:gochecknoglobals // indexed by bit
	"boot", "root", "swap", "hidden", "raid", "lvm", "lba", "hp-service",
	"palo", "prep", "msftres", "bios_grub", "atvrecv", "diag",
}

func (f Flags) Has(flag Flags) bool { return f&flag == flag }

func (f Flags) String() string {
	var names []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// Partition is one entry of a partition table. Start and Size are bytes.
type Partition struct {
	Path   string
	FSName string
	Label  string
	UUID   string
	Type   string
	Start  uint64
	Size   uint64
	Number int
	Kind   PartitionKind
	Flags  Flags
}

// Table is a partition table.
type Table struct {
	Partitions []Partition
	Label      LabelKind
}

// Find returns the partition with the given number.
func (t Table) Find(number int) (Partition, error) {
	for _, p := range t.Partitions {
		if p.Number == number {
			return p, nil
		}
	}
	return Partition{}, fmt.Errorf("%w: %d", ErrNoPartition, number)
}

// Disk is a partitionable block device.
type Disk interface {
	Path() string
	Size() uint64
	// MaxPartitions is the number of partitions the device driver can
	// expose, from the minor numbers it reserves.
	MaxPartitions() int
	PartitionPath(number int) string
	ReadPartitionTable(ctx context.Context) (Table, error)
	WritePartitionTable(ctx context.Context, t Table) error
	BootSector() ([BootSectorSize]byte, error)
	SetBootSector(code [BootSectorSize]byte) error
}

// PartitionPath returns the device node of partition number on device.
// Devices whose name ends in a digit (nvme0n1, mmcblk0, loop0) take a "p"
// separator.
func PartitionPath(device string, number int) string {
	if device != "" {
		if last := device[len(device)-1]; last >= '0' && last <= '9' {
			return fmt.Sprintf("%sp%d", device, number)
		}
	}
	return fmt.Sprintf("%s%d", device, number)
}
