package image

import (
	"fmt"

	"github.com/bamsammich/diskbeam/internal/disk"
)

// gptReserve keeps the backup GPT at the end of the disk free.
const gptReserve = disk.MiB

// Layout scales the partitions of img onto a disk of size bytes. Each
// partition keeps its relative start and length but never shrinks below
// its minimum size; everything is aligned to 1 MiB. Partitions that no
// longer fit end the layout with ErrImageTooLarge.
//
//nolint:revive // cyclomatic: primary and logical cursors are tracked together
func Layout(img *Image, size uint64) (disk.Table, error) {
	limit := size
	if img.Label == disk.LabelGPT {
		limit -= min(limit, gptReserve)
	}

	t := disk.Table{Label: img.Label}
	cursor := uint64(disk.MiB)
	nextPrimary, nextLogical := 1, 5
	var extendedEnd, logicalCursor uint64

	for i, rec := range img.Partitions {
		start, length := scaled(rec, size)

		p := disk.Partition{
			FSName: rec.FSName,
			Label:  rec.Label,
			UUID:   rec.UUID,
			Flags:  rec.Flags,
			Kind:   rec.Kind,
		}

		if rec.Kind == disk.Logical {
			if extendedEnd == 0 {
				return disk.Table{}, fmt.Errorf("%w: logical partition %d outside an extended partition", ErrInvalidImage, i)
			}
			// Each logical partition is preceded by its EBR.
			p.Start = max(start, logicalCursor)
			p.Size = length
			if p.Start+p.Size > extendedEnd {
				return disk.Table{}, fmt.Errorf("%w: logical partition %d needs %d bytes", ErrImageTooLarge, i, p.Size)
			}
			logicalCursor = p.Start + p.Size + disk.MiB
			p.Number = nextLogical
			nextLogical++
		} else {
			p.Start = max(start, cursor)
			p.Size = length
			if rec.Kind == disk.Extended {
				// Grown to hold its logicals at their minimum sizes.
				p.Size = max(p.Size, logicalEnd(img.Partitions[i+1:], size, p.Start)-p.Start)
			}
			cursor = p.Start + p.Size
			if img.Label == disk.LabelGPT {
				p.Number = i + 1
			} else {
				p.Number = nextPrimary
				nextPrimary++
			}
		}

		if p.Start+p.Size > limit {
			return disk.Table{}, fmt.Errorf("%w: partition %d ends at %d, disk has %d bytes", ErrImageTooLarge, i, p.Start+p.Size, limit)
		}
		t.Partitions = append(t.Partitions, p)

		if rec.Kind == disk.Extended {
			extendedEnd = p.Start + p.Size
			logicalCursor = p.Start + disk.MiB
		}
	}
	return t, nil
}

// scaled returns the aligned start and length of rec on a disk of size
// bytes. The length never falls below the record's minimum size.
func scaled(rec PartitionRecord, size uint64) (start, length uint64) {
	start = alignUp(uint64(rec.StartFraction * float64(size)))
	length = alignDown(uint64(rec.UsedFraction * float64(size)))
	if floor := alignUp(rec.MinSize); length < floor {
		length = floor
	}
	if length == 0 {
		length = disk.MiB
	}
	return start, length
}

// logicalEnd places the logical partitions at the head of recs inside an
// extended partition starting at extStart and returns where the last one
// ends. Placement matches Layout: each logical follows a 1 MiB EBR.
func logicalEnd(recs []PartitionRecord, size, extStart uint64) uint64 {
	cursor := extStart + disk.MiB
	end := cursor
	for _, rec := range recs {
		if rec.Kind != disk.Logical {
			break
		}
		start, length := scaled(rec, size)
		end = max(start, cursor) + length
		cursor = end + disk.MiB
	}
	return end
}

func alignUp(n uint64) uint64 {
	return (n + disk.MiB - 1) / disk.MiB * disk.MiB
}

func alignDown(n uint64) uint64 {
	return n / disk.MiB * disk.MiB
}
