package disk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bamsammich/diskbeam/internal/platform"
)

// DefaultMaxPartitions is used when sysfs does not report a minor range.
const DefaultMaxPartitions = 128

// Device is a Linux block device partitioned with sfdisk.
type Device struct {
	run      platform.Runner
	log      *slog.Logger
	path     string
	size     uint64
	maxParts int
}

var _ Disk = (*Device)(nil)

// Open returns the Device at path.
func Open(path string, run platform.Runner, log *slog.Logger) (*Device, error) {
	if log == nil {
		log = slog.Default()
	}
	size, err := platform.DeviceSize(path)
	if err != nil {
		return nil, err
	}
	return &Device{
		run:      run,
		log:      log,
		path:     path,
		size:     size,
		maxParts: maxPartitions(path),
	}, nil
}

func (d *Device) Path() string                    { return d.path }
func (d *Device) Size() uint64                    { return d.size }
func (d *Device) MaxPartitions() int              { return d.maxParts }
func (d *Device) PartitionPath(number int) string { return PartitionPath(d.path, number) }

// maxPartitions reads the extended minor range the driver reserved for the
// device; the first minor is the whole disk.
func maxPartitions(path string) int {
	name := filepath.Base(path)
	raw, err := os.ReadFile(filepath.Join("/sys/class/block", name, "ext_range"))
	if err != nil {
		return DefaultMaxPartitions
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || n <= 1 {
		return DefaultMaxPartitions
	}
	return n - 1
}

// sfdiskDump is the sfdisk --json output format.
type sfdiskDump struct {
	PartitionTable sfdiskTable `json:"partitiontable"`
}

type sfdiskTable struct {
	Label      string            `json:"label"`
	Device     string            `json:"device"`
	Unit       string            `json:"unit"`
	Partitions []sfdiskPartition `json:"partitions"`
	SectorSize uint64            `json:"sectorsize"`
}

type sfdiskPartition struct {
	Node     string `json:"node"`
	Type     string `json:"type"`
	Attrs    string `json:"attrs"`
	Start    uint64 `json:"start"`
	Size     uint64 `json:"size"`
	Bootable bool   `json:"bootable"`
}

// lsblkInfo is the lsblk --fs --json output format.
type lsblkInfo struct {
	BlockDevices []struct {
		FSType string `json:"fstype"`
		Label  string `json:"label"`
		UUID   string `json:"uuid"`
	} `json:"blockdevices"`
}

func (d *Device) ReadPartitionTable(ctx context.Context) (Table, error) {
	out, err := d.run.Run(ctx, platform.Command{Name: "sfdisk", Args: []string{"--json", d.path}})
	if err != nil {
		return Table{}, fmt.Errorf("%w on %s: %w", ErrNoPartitionTable, d.path, err)
	}
	t, err := parseSfdisk(out)
	if err != nil {
		return Table{}, err
	}

	for i := range t.Partitions {
		p := &t.Partitions[i]
		if p.Kind == Extended {
			continue
		}
		fs, err := d.filesystemInfo(ctx, p.Path)
		if err != nil {
			d.log.Warn("cannot probe filesystem", "partition", p.Path, "error", err)
			continue
		}
		if len(fs.BlockDevices) > 0 {
			bd := fs.BlockDevices[0]
			p.FSName, p.Label, p.UUID = bd.FSType, bd.Label, bd.UUID
		}
	}
	return t, nil
}

func (d *Device) filesystemInfo(ctx context.Context, node string) (lsblkInfo, error) {
	var info lsblkInfo
	out, err := d.run.Run(ctx, platform.Command{Name: "lsblk", Args: []string{"--fs", "--json", "--nodeps", node}})
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(out, &info); err != nil {
		return info, fmt.Errorf("cannot parse lsblk output: %w", err)
	}
	return info, nil
}

func parseSfdisk(out []byte) (Table, error) {
	var dump sfdiskDump
	if err := json.Unmarshal(out, &dump); err != nil {
		return Table{}, fmt.Errorf("cannot parse sfdisk output: %w", err)
	}
	pt := dump.PartitionTable
	if pt.Unit != "" && pt.Unit != "sectors" {
		return Table{}, fmt.Errorf("unknown sfdisk unit %q", pt.Unit)
	}
	sector := pt.SectorSize
	if sector == 0 {
		sector = SectorSize
	}

	t := Table{Label: ParseLabel(pt.Label)}
	if t.Label == LabelNone {
		return Table{}, fmt.Errorf("%w: unsupported label %q", ErrNoPartitionTable, pt.Label)
	}
	for _, sp := range pt.Partitions {
		number, err := partitionNumber(sp.Node)
		if err != nil {
			return Table{}, err
		}
		p := Partition{
			Path:   sp.Node,
			Type:   sp.Type,
			Start:  sp.Start * sector,
			Size:   sp.Size * sector,
			Number: number,
			Flags:  flagsFromType(t.Label, sp.Type, sp.Bootable, sp.Attrs),
		}
		switch {
		case t.Label == LabelDOS && isExtendedType(sp.Type):
			p.Kind = Extended
		case t.Label == LabelDOS && number > 4:
			p.Kind = Logical
		}
		t.Partitions = append(t.Partitions, p)
	}
	return t, nil
}

func partitionNumber(node string) (int, error) {
	i := len(node)
	for i > 0 && node[i-1] >= '0' && node[i-1] <= '9' {
		i--
	}
	n, err := strconv.Atoi(node[i:])
	if err != nil {
		return 0, fmt.Errorf("partition node %q has no number", node)
	}
	return n, nil
}

func (d *Device) WritePartitionTable(ctx context.Context, t Table) error {
	script := tableScript(d.path, t)
	d.log.Debug("writing partition table", "device", d.path, "script", script)

	_, err := d.run.Run(ctx, platform.Command{
		Name:  "sfdisk",
		Args:  []string{"--wipe", "always", "--wipe-partitions", "always", d.path},
		Stdin: strings.NewReader(script),
	})
	if err != nil {
		return fmt.Errorf("write partition table on %s: %w", d.path, err)
	}
	// Partition nodes appear asynchronously.
	if _, err := d.run.Run(ctx, platform.Command{Name: "udevadm", Args: []string{"settle"}}); err != nil {
		d.log.Warn("udevadm settle failed", "error", err)
	}
	return nil
}

// tableScript renders t in the sfdisk script format. Nodes are named so
// that DOS logical partitions keep their numbers.
func tableScript(device string, t Table) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "label: %s\nunit: sectors\n\n", t.Label)
	for _, p := range t.Partitions {
		fmt.Fprintf(&buf, "%s : start=%d, size=%d, type=%s",
			PartitionPath(device, p.Number), p.Start/SectorSize, p.Size/SectorSize, typeCode(t.Label, p))
		if t.Label == LabelDOS && p.Flags.Has(FlagBoot) {
			buf.WriteString(", bootable")
		}
		if t.Label == LabelGPT && p.Flags.Has(FlagHidden) {
			buf.WriteString(", attrs=RequiredPartition")
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}

func (d *Device) BootSector() ([BootSectorSize]byte, error) {
	var code [BootSectorSize]byte
	f, err := os.Open(d.path)
	if err != nil {
		return code, err
	}
	defer f.Close()
	if _, err := io.ReadFull(f, code[:]); err != nil {
		return code, fmt.Errorf("read boot sector of %s: %w", d.path, err)
	}
	return code, nil
}

func (d *Device) SetBootSector(code [BootSectorSize]byte) error {
	f, err := os.OpenFile(d.path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(code[:], 0); err != nil {
		f.Close()
		return fmt.Errorf("write boot sector of %s: %w", d.path, err)
	}
	return f.Close()
}
