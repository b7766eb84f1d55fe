package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bamsammich/diskbeam/internal/content"
	"github.com/bamsammich/diskbeam/internal/disk"
	"github.com/bamsammich/diskbeam/internal/event"
	"github.com/bamsammich/diskbeam/internal/filesystem"
	"github.com/bamsammich/diskbeam/internal/transfer"
)

type source struct {
	fs    filesystem.Filesystem
	mount string
	part  disk.Partition
	rec   PartitionRecord
}

// Plan is an image ready to be written: the header is known and the
// partitions with content are mounted read-only. Close unmounts them.
type Plan struct {
	Image   *Image
	eng     *Engine
	sources []source
}

// SizeHint is the expected stream size, used as the progress total.
// Content streams add record overhead on top of it.
func (p *Plan) SizeHint() uint64 {
	if !p.Image.HasData {
		return p.Image.MetadataSize()
	}
	return p.Image.MetadataSize() + p.Image.Size
}

// CanCreate selects the partitions an image of the source would hold.
func (e *Engine) CanCreate(t disk.Table) ([]disk.Partition, Kind, error) {
	if e.Partition == 0 {
		if len(t.Partitions) == 0 {
			return nil, 0, fmt.Errorf("%w: %s has no partitions", ErrInvalidImage, e.Disk.Path())
		}
		if len(t.Partitions) > MaxPartitions {
			return nil, 0, fmt.Errorf("%w: %d", ErrTooManyPartitions, len(t.Partitions))
		}
		return t.Partitions, KindDisk, nil
	}

	p, err := t.Find(e.Partition)
	if err != nil {
		return nil, 0, err
	}
	if p.Kind == disk.Extended {
		return nil, 0, fmt.Errorf("%w: %s is an extended partition", ErrKindMismatch, p.Path)
	}
	return []disk.Partition{p}, KindPartition, nil
}

// PlanCreate reads the partition table, measures every partition and
// registers the operations of the image. On success the caller must Close
// the plan.
func (e *Engine) PlanCreate(ctx context.Context) (*Plan, error) {
	e.ops().Add(event.ReadPartitionTable, e.Disk.Path())
	table, err := e.Disk.ReadPartitionTable(ctx)
	if err != nil {
		return nil, err
	}
	e.ops().Complete(event.ReadPartitionTable, e.Disk.Path())

	parts, kind, err := e.CanCreate(table)
	if err != nil {
		return nil, err
	}

	img := &Image{Kind: kind, Label: table.Label, HasData: !e.NoData}
	if kind == KindDisk {
		if img.BootSector, err = e.Disk.BootSector(); err != nil {
			return nil, err
		}
	}

	plan := &Plan{Image: img, eng: e}
	for _, p := range parts {
		src, err := e.measure(ctx, p, kind, len(parts) == 1)
		if err != nil {
			_ = plan.Close(ctx) //nolint:errcheck // already failing
			return nil, err
		}
		plan.sources = append(plan.sources, src)
		img.Partitions = append(img.Partitions, src.rec)
		img.Size += src.rec.MinSize
	}

	if img.HasData {
		for _, src := range plan.sources {
			if src.rec.Payload != PayloadNone {
				e.ops().Add(event.ReadData, src.part.Path)
			}
		}
	}
	return plan, nil
}

// measure builds the record of one partition and decides its payload.
// Content partitions stay mounted until the plan is closed.
func (e *Engine) measure(ctx context.Context, p disk.Partition, kind Kind, only bool) (source, error) {
	src := source{part: p, fs: e.lookup(p.FSName)}
	src.rec = PartitionRecord{
		FSName: p.FSName,
		Label:  e.fitField("label", p.Path, p.Label, LabelSize),
		UUID:   e.fitField("uuid", p.Path, p.UUID, UUIDSize),
		Flags:  p.Flags,
		Kind:   p.Kind,
	}
	if kind == KindDisk {
		size := float64(e.Disk.Size())
		src.rec.StartFraction = float64(p.Start) / size
		src.rec.UsedFraction = float64(p.Size) / size
	} else {
		src.rec.UsedFraction = 1
		src.rec.Kind = disk.Primary
	}

	switch {
	case p.Kind == disk.Extended, p.FSName == "", p.FSName == "swap", p.Flags.Has(disk.FlagSwap):
		src.rec.Payload = PayloadNone
		return src, nil

	case src.fs != nil && src.fs.Caps().Mount:
		mnt, err := src.fs.Mount(ctx, p.Path, true)
		if err == nil {
			used, uerr := e.usage(mnt)
			if uerr == nil {
				src.mount = mnt
				src.rec.Payload = payloadFor(src.fs.ContentFormat())
				src.rec.MinSize = used
				return src, nil
			}
			if err := src.fs.Unmount(ctx, mnt); err != nil {
				e.log().Warn("unmount failed", "partition", p.Path, "error", err)
			}
			err = uerr
		}
		if only {
			return source{}, fmt.Errorf("%s: %w", p.Path, err)
		}
		e.warn("cannot read filesystem, imaging raw bytes", p.Path, err)
	}

	src.rec.Payload = PayloadRaw
	src.rec.MinSize = p.Size
	return src, nil
}

// fitField drops a label or UUID that the image record cannot hold.
func (e *Engine) fitField(name, target, value string, width int) string {
	if len(value) < width {
		return value
	}
	e.warn(fmt.Sprintf("%s %q is too long for the image and is dropped", name, value), target, nil)
	return ""
}

// Write writes the image to every sink.
func (p *Plan) Write(ctx context.Context, sinks ...io.Writer) error {
	hdr, err := p.Image.MarshalBinary()
	if err != nil {
		return err
	}
	if err := p.eng.Transfer.Write(ctx, hdr, sinks...); err != nil {
		return err
	}
	if !p.Image.HasData {
		return nil
	}
	return p.readPartitionsData(ctx, sinks)
}

// readPartitionsData streams each partition's payload in record order.
func (p *Plan) readPartitionsData(ctx context.Context, sinks []io.Writer) error {
	e := p.eng
	for _, src := range p.sources {
		var err error
		switch src.rec.Payload {
		case PayloadNone:
			continue
		case PayloadUnix, PayloadDOS:
			var res content.Result
			res, err = content.NewDumper(e.contentOptions(src.rec.Payload), e.Exclude...).Dump(ctx, src.mount, sinks...)
			if err == nil {
				e.log().Info("partition read", "partition", src.part.Path,
					"entries", res.Entries, "bytes", res.Bytes, "warnings", len(res.Warnings))
			}
		case PayloadRaw:
			err = e.readRaw(ctx, src, len(p.sources) == 1, sinks)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", src.part.Path, err)
		}
		e.ops().Complete(event.ReadData, src.part.Path)
	}
	return nil
}

// readRaw copies MinSize bytes of a partition device. A source that cannot
// be read is padded with zeros so the stream stays framed, unless it is the
// only partition of the image.
func (e *Engine) readRaw(ctx context.Context, src source, only bool, sinks []io.Writer) error {
	size := src.rec.MinSize
	f, err := os.Open(src.part.Path)
	if err != nil {
		if only {
			return err
		}
		e.warn("cannot open partition, writing zeros", src.part.Path, err)
		return e.writeZeros(ctx, size, sinks)
	}
	defer f.Close()

	n, err := e.Transfer.Copy(ctx, f, int64(size), sinks...) //nolint:gosec // G115: partition sizes fit int64
	if err == nil {
		return nil
	}
	if only || !errors.Is(err, transfer.ErrReadFailed) {
		return err
	}
	e.warn("partition read failed, padding with zeros", src.part.Path, err)
	return e.writeZeros(ctx, size-uint64(n), sinks) //nolint:gosec // G115: n <= size
}

// Close unmounts the partitions mounted by PlanCreate.
func (p *Plan) Close(ctx context.Context) error {
	var errs []error
	for i := range p.sources {
		src := &p.sources[i]
		if src.mount == "" {
			continue
		}
		if err := src.fs.Unmount(ctx, src.mount); err != nil {
			errs = append(errs, fmt.Errorf("unmount %s: %w", src.part.Path, err))
		}
		src.mount = ""
	}
	return errors.Join(errs...)
}

// Create writes an image of the disk, or of the selected partition, to
// every sink.
func (e *Engine) Create(ctx context.Context, sinks ...io.Writer) (*Image, error) {
	plan, err := e.PlanCreate(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := plan.Close(ctx); err != nil {
			e.log().Warn("cleanup failed", "error", err)
		}
	}()

	e.Transfer.SetTotalSize(plan.SizeHint())
	return plan.Image, plan.Write(ctx, sinks...)
}
