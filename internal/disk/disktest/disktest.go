// Package disktest provides a file-backed disk.Disk for tests. Each
// partition is a regular file in a directory.
package disktest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/bamsammich/diskbeam/internal/disk"
)

// Disk is a fake disk whose partitions are files under Dir.
type Disk struct {
	// ReadErr and WriteErr, when set, are returned by the table calls.
	ReadErr  error
	WriteErr error

	Dir      string
	table    disk.Table
	MaxParts int
	size     uint64
	boot     [disk.BootSectorSize]byte
	writes   int
	mu       sync.Mutex
}

var _ disk.Disk = (*Disk)(nil)

// New returns an empty disk of size bytes backed by dir.
func New(dir string, size uint64) *Disk {
	return &Disk{Dir: dir, size: size, MaxParts: 15}
}

func (d *Disk) Path() string       { return filepath.Join(d.Dir, "disk") }
func (d *Disk) Size() uint64       { return d.size }
func (d *Disk) MaxPartitions() int { return d.MaxParts }

func (d *Disk) PartitionPath(number int) string {
	return filepath.Join(d.Dir, fmt.Sprintf("part%d", number))
}

func (d *Disk) ReadPartitionTable(context.Context) (disk.Table, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ReadErr != nil {
		return disk.Table{}, d.ReadErr
	}
	if d.table.Label == disk.LabelNone {
		return disk.Table{}, disk.ErrNoPartitionTable
	}
	t := d.table
	t.Partitions = slices.Clone(d.table.Partitions)
	return t, nil
}

// WritePartitionTable records t and creates one sparse file per partition,
// like a kernel re-reading the table. Filesystem fields are not kept; a
// real table does not store them either.
func (d *Disk) WritePartitionTable(_ context.Context, t disk.Table) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.WriteErr != nil {
		return d.WriteErr
	}
	d.writes++
	d.table = disk.Table{Label: t.Label}
	for _, p := range t.Partitions {
		p.Path = d.PartitionPath(p.Number)
		p.FSName, p.Label, p.UUID = "", "", ""
		if p.Kind != disk.Extended {
			if err := createSized(p.Path, p.Size); err != nil {
				return err
			}
		}
		d.table.Partitions = append(d.table.Partitions, p)
	}
	return nil
}

// AddPartition appends p as if it had been created and formatted outside
// the program.
func (d *Disk) AddPartition(label disk.LabelKind, p disk.Partition) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.table.Label = label
	p.Path = d.PartitionPath(p.Number)
	if p.Kind != disk.Extended {
		if err := createSized(p.Path, p.Size); err != nil {
			return err
		}
	}
	d.table.Partitions = append(d.table.Partitions, p)
	return nil
}

// SetFilesystem updates the probed filesystem fields of a partition.
func (d *Disk) SetFilesystem(number int, fsName, label, uuid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.table.Partitions {
		if p := &d.table.Partitions[i]; p.Number == number {
			p.FSName, p.Label, p.UUID = fsName, label, uuid
		}
	}
}

// TableWrites returns how many times the table was written.
func (d *Disk) TableWrites() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

func (d *Disk) BootSector() ([disk.BootSectorSize]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.boot, nil
}

func (d *Disk) SetBootSector(code [disk.BootSectorSize]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.boot = code
	return nil
}

func createSized(path string, size uint64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if err := f.Truncate(int64(size)); err != nil { //nolint:gosec // G115: test sizes
		f.Close()
		return err
	}
	return f.Close()
}
