package image

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bamsammich/diskbeam/internal/content"
	"github.com/bamsammich/diskbeam/internal/disk"
	"github.com/bamsammich/diskbeam/internal/event"
	"github.com/bamsammich/diskbeam/internal/filesystem"
	"github.com/bamsammich/diskbeam/internal/transfer"
)

// ReadImage reads and validates the header and partition records. The
// partition count is checked against the target disk before any record is
// read.
func (e *Engine) ReadImage(ctx context.Context, src io.Reader) (*Image, error) {
	hdr := make([]byte, HeaderSize)
	if err := e.Transfer.ReadFull(ctx, src, hdr); err != nil {
		return nil, fmt.Errorf("read image header: %w", err)
	}
	img, n, err := UnmarshalHeader(hdr)
	if err != nil {
		return nil, err
	}
	if limit := e.maxPartitions(img.Kind); n > limit {
		return nil, fmt.Errorf("%w: image has %d, target supports %d", ErrTooManyPartitions, n, limit)
	}

	records := make([]byte, n*RecordSize)
	if err := e.Transfer.ReadFull(ctx, src, records); err != nil {
		return nil, fmt.Errorf("read partition records: %w", err)
	}
	for i := range n {
		rec, err := UnmarshalRecord(records[i*RecordSize : (i+1)*RecordSize])
		if err != nil {
			return nil, fmt.Errorf("partition record %d: %w", i, err)
		}
		img.Partitions = append(img.Partitions, rec)
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	return img, nil
}

func (e *Engine) maxPartitions(kind Kind) int {
	if kind == KindDisk && e.Disk != nil {
		return min(MaxPartitions, e.Disk.MaxPartitions())
	}
	return MaxPartitions
}

// target is where each partition of an image is restored.
type target struct {
	table disk.Table
	paths []string
	size  uint64
}

// CanRestore checks that img can be restored onto the engine's target.
// Missing format or mount support is an error; missing label or UUID
// support only a warning.
func (e *Engine) CanRestore(ctx context.Context, img *Image) error {
	_, err := e.restoreTarget(ctx, img)
	return err
}

// restoreTarget runs the CanRestore checks and lays out where each
// partition goes.
func (e *Engine) restoreTarget(ctx context.Context, img *Image) (*target, error) {
	tgt := &target{}
	switch img.Kind {
	case KindDisk:
		if e.Partition != 0 {
			return nil, fmt.Errorf("%w: disk image onto partition %d", ErrKindMismatch, e.Partition)
		}
		tgt.size = e.Disk.Size()
	case KindPartition:
		if e.Partition == 0 {
			return nil, fmt.Errorf("%w: partition image onto whole disk %s", ErrKindMismatch, e.Disk.Path())
		}
		table, err := e.Disk.ReadPartitionTable(ctx)
		if err != nil {
			return nil, err
		}
		p, err := table.Find(e.Partition)
		if err != nil {
			return nil, err
		}
		if p.Kind == disk.Extended {
			return nil, fmt.Errorf("%w: %s is an extended partition", ErrKindMismatch, p.Path)
		}
		tgt.size = p.Size
		tgt.paths = []string{p.Path}
	}

	if !e.Force && img.Size >= tgt.size {
		return nil, fmt.Errorf("%w: image holds %d bytes, target has %d", ErrImageTooLarge, img.Size, tgt.size)
	}

	for _, rec := range img.Partitions {
		if err := e.checkCaps(rec, img.HasData); err != nil {
			return nil, err
		}
	}

	if img.Kind == KindDisk {
		table, err := Layout(img, tgt.size)
		if err != nil {
			return nil, err
		}
		tgt.table = table
		for _, p := range table.Partitions {
			tgt.paths = append(tgt.paths, e.Disk.PartitionPath(p.Number))
		}
	}
	return tgt, nil
}

func (e *Engine) checkCaps(rec PartitionRecord, hasData bool) error {
	if rec.Kind == disk.Extended || rec.FSName == "" || rec.Payload == PayloadRaw {
		return nil
	}
	fs := e.lookup(rec.FSName)
	if fs == nil {
		return fmt.Errorf("%w: %q", ErrUnsupportedFilesystem, rec.FSName)
	}
	caps := fs.Caps()
	if !caps.Format {
		return fmt.Errorf("%w: %s cannot be formatted", ErrUnsupportedFilesystem, rec.FSName)
	}
	if hasData && rec.Payload != PayloadNone && !caps.Mount {
		return fmt.Errorf("%w: %s cannot be mounted", ErrUnsupportedFilesystem, rec.FSName)
	}
	if rec.Label != "" && !caps.Label {
		e.warn("label will not be restored", rec.FSName, filesystem.ErrUnsupported)
	}
	if rec.UUID != "" && !caps.UUID {
		e.warn("UUID will not be restored", rec.FSName, filesystem.ErrUnsupported)
	}
	return nil
}

// Restore reads an image from src and writes it onto the engine's target.
// Nothing is written before the image is validated and checked against the
// target.
func (e *Engine) Restore(ctx context.Context, src io.Reader) (*Image, error) {
	img, err := e.ReadImage(ctx, src)
	if err != nil {
		return nil, err
	}
	tgt, err := e.restoreTarget(ctx, img)
	if err != nil {
		return img, err
	}
	e.registerRestore(img, tgt)

	if img.Kind == KindDisk {
		if err := e.writeTable(ctx, img, tgt); err != nil {
			return img, err
		}
	}
	if err := e.writePartitionsData(ctx, src, img, tgt); err != nil {
		return img, err
	}
	if e.BootLoader != nil && img.Kind == KindDisk {
		if err := e.installBootLoader(ctx, img, tgt); err != nil {
			return img, err
		}
	}
	return img, nil
}

// registerRestore adds every operation of the restore up front.
func (e *Engine) registerRestore(img *Image, tgt *target) {
	ops := e.ops()
	if img.Kind == KindDisk {
		ops.Add(event.MakeDiskLabel, e.Disk.Path())
		for i, p := range tgt.table.Partitions {
			ops.Add(event.CreatePartition, tgt.paths[i])
			if p.Flags != 0 {
				ops.Add(event.WritePartitionFlags, tgt.paths[i])
			}
		}
	}
	for i, rec := range img.Partitions {
		path := tgt.paths[i]
		fs := e.lookup(rec.FSName)
		if fs != nil && rec.Payload != PayloadRaw && rec.Kind != disk.Extended {
			caps := fs.Caps()
			ops.Add(event.FormatPartition, path)
			if rec.Label != "" && caps.Label {
				ops.Add(event.WriteFsLabel, path)
			}
			if rec.UUID != "" && caps.UUID {
				ops.Add(event.WriteFsUUID, path)
			}
		}
		if img.HasData && rec.Payload != PayloadNone {
			ops.Add(event.WriteData, path)
		}
	}
	if e.BootLoader != nil && img.Kind == KindDisk {
		ops.Add(event.GrubInstall, e.Disk.Path())
	}
}

func (e *Engine) writeTable(ctx context.Context, img *Image, tgt *target) error {
	if err := e.Disk.WritePartitionTable(ctx, tgt.table); err != nil {
		return err
	}
	ops := e.ops()
	ops.Complete(event.MakeDiskLabel, e.Disk.Path())
	for i, p := range tgt.table.Partitions {
		ops.Complete(event.CreatePartition, tgt.paths[i])
		if p.Flags != 0 {
			ops.Complete(event.WritePartitionFlags, tgt.paths[i])
		}
	}
	return e.Disk.SetBootSector(img.BootSector)
}

// writePartitionsData restores partitions in record order. On a disk image
// with several partitions a partition whose destination fails is skipped,
// as long as the stream itself is intact.
func (e *Engine) writePartitionsData(ctx context.Context, src io.Reader, img *Image, tgt *target) error {
	tolerant := img.Kind == KindDisk && len(img.Partitions) > 1
	for i, rec := range img.Partitions {
		path := tgt.paths[i]
		err := e.writePartition(ctx, src, img.HasData, rec, path)
		if err == nil {
			continue
		}
		if !tolerant || streamBroken(err) {
			return fmt.Errorf("%s: %w", path, err)
		}
		e.warn("partition not restored", path, err)
	}
	return nil
}

func (e *Engine) writePartition(ctx context.Context, src io.Reader, hasData bool, rec PartitionRecord, path string) error {
	fs := e.lookup(rec.FSName)
	prepErr := e.prepare(ctx, fs, rec, path)
	if !hasData || rec.Payload == PayloadNone {
		return prepErr
	}

	var err error
	if rec.Payload == PayloadRaw {
		err = e.writeRaw(ctx, src, rec, path)
	} else {
		err = e.writeContent(ctx, src, fs, rec, path, prepErr)
	}
	if err != nil {
		return err
	}
	e.ops().Complete(event.WriteData, path)
	return nil
}

// prepare formats the partition and writes its label and UUID.
func (e *Engine) prepare(ctx context.Context, fs filesystem.Filesystem, rec PartitionRecord, path string) error {
	if fs == nil || rec.Payload == PayloadRaw || rec.Kind == disk.Extended {
		return nil
	}
	caps := fs.Caps()
	if err := fs.Format(ctx, path); err != nil {
		return err
	}
	e.ops().Complete(event.FormatPartition, path)

	if rec.Label != "" && caps.Label {
		if err := fs.WriteLabel(ctx, path, rec.Label); err != nil {
			e.warn("cannot write label", path, err)
		} else {
			e.ops().Complete(event.WriteFsLabel, path)
		}
	}
	if rec.UUID != "" && caps.UUID {
		if err := fs.WriteUUID(ctx, path, rec.UUID); err != nil {
			e.warn("cannot write UUID", path, err)
		} else {
			e.ops().Complete(event.WriteFsUUID, path)
		}
	}
	return nil
}

// writeContent restores a content stream onto the mounted partition. When
// the partition is unusable the stream is still consumed.
func (e *Engine) writeContent(ctx context.Context, src io.Reader, fs filesystem.Filesystem, rec PartitionRecord, path string, prepErr error) error {
	opts := e.contentOptions(rec.Payload)
	skip := func(cause error) error {
		if err := content.NewRestorer(opts).Skip(ctx, src); err != nil {
			return err
		}
		return cause
	}
	if prepErr != nil {
		return skip(prepErr)
	}

	mnt, err := fs.Mount(ctx, path, false)
	if err != nil {
		return skip(err)
	}
	res, err := content.NewRestorer(opts).Restore(ctx, mnt, src)
	if uerr := fs.Unmount(ctx, mnt); uerr != nil {
		e.log().Warn("unmount failed", "partition", path, "error", uerr)
	}
	if err != nil {
		return err
	}
	e.log().Info("partition restored", "partition", path,
		"entries", res.Entries, "bytes", res.Bytes, "warnings", len(res.Warnings))
	return nil
}

// writeRaw copies MinSize bytes onto the partition device, discarding what
// cannot be written.
func (e *Engine) writeRaw(ctx context.Context, src io.Reader, rec PartitionRecord, path string) error {
	size := int64(rec.MinSize) //nolint:gosec // G115: partition sizes fit int64
	f, err := openForWrite(path)
	if err != nil {
		if _, derr := e.Transfer.Discard(ctx, src, size); derr != nil {
			return derr
		}
		return err
	}

	n, err := e.Transfer.Copy(ctx, src, size, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil && errors.Is(err, transfer.ErrWriteFailed) && n < size {
		if _, derr := e.Transfer.Discard(ctx, src, size-n); derr != nil {
			return derr
		}
	}
	return err
}
