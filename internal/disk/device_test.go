package disk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/diskbeam/internal/platform"
)

const dosDump = `{
   "partitiontable": {
      "label": "dos",
      "id": "0x5452574f",
      "device": "/dev/sdb",
      "unit": "sectors",
      "sectorsize": 512,
      "partitions": [
         {"node": "/dev/sdb1", "start": 2048, "size": 1048576, "type": "c", "bootable": true},
         {"node": "/dev/sdb2", "start": 1050624, "size": 4194304, "type": "83"},
         {"node": "/dev/sdb3", "start": 5244928, "size": 2097152, "type": "5"},
         {"node": "/dev/sdb5", "start": 5246976, "size": 2095104, "type": "82"}
      ]
   }
}`

type fakeRunner struct {
	outputs map[string]string
	calls   []platform.Command
	stdin   []string
}

func (f *fakeRunner) Run(_ context.Context, c platform.Command) ([]byte, error) {
	f.calls = append(f.calls, c)
	if c.Stdin != nil {
		b, _ := io.ReadAll(c.Stdin) //nolint:errcheck // strings.Reader
		f.stdin = append(f.stdin, string(b))
	}
	out, ok := f.outputs[c.String()]
	if !ok && c.Name != "udevadm" && c.Name != "sfdisk" {
		return nil, errors.New("unexpected command: " + c.String())
	}
	return []byte(out), nil
}

func TestReadPartitionTable(t *testing.T) {
	t.Parallel()

	run := &fakeRunner{outputs: map[string]string{
		"sfdisk --json /dev/sdb":               dosDump,
		"lsblk --fs --json --nodeps /dev/sdb1": `{"blockdevices":[{"name":"sdb1","fstype":"vfat","label":"EFI","uuid":"1234-ABCD"}]}`,
		"lsblk --fs --json --nodeps /dev/sdb2": `{"blockdevices":[{"name":"sdb2","fstype":"ext4","label":"root","uuid":"0b6ce2b5-6f04-4c71-9e1f-2a7a5d4e5a01"}]}`,
		"lsblk --fs --json --nodeps /dev/sdb5": `{"blockdevices":[{"name":"sdb5","fstype":"swap","label":null,"uuid":null}]}`,
	}}
	d := &Device{run: run, log: slog.Default(), path: "/dev/sdb", size: 8 << 30, maxParts: 15}

	table, err := d.ReadPartitionTable(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LabelDOS, table.Label)
	require.Len(t, table.Partitions, 4)

	efi := table.Partitions[0]
	assert.Equal(t, 1, efi.Number)
	assert.Equal(t, uint64(2048*512), efi.Start)
	assert.Equal(t, uint64(512<<20), efi.Size)
	assert.Equal(t, "vfat", efi.FSName)
	assert.Equal(t, "EFI", efi.Label)
	assert.True(t, efi.Flags.Has(FlagBoot))
	assert.True(t, efi.Flags.Has(FlagLBA))
	assert.Equal(t, Primary, efi.Kind)

	assert.Equal(t, "ext4", table.Partitions[1].FSName)
	assert.Equal(t, Extended, table.Partitions[2].Kind)
	assert.Empty(t, table.Partitions[2].FSName, "extended partitions are not probed")

	swap := table.Partitions[3]
	assert.Equal(t, 5, swap.Number)
	assert.Equal(t, Logical, swap.Kind)
	assert.True(t, swap.Flags.Has(FlagSwap))
	assert.Equal(t, "swap", swap.FSName)

	p, err := table.Find(5)
	require.NoError(t, err)
	assert.Equal(t, "/dev/sdb5", p.Path)
	_, err = table.Find(9)
	require.ErrorIs(t, err, ErrNoPartition)
}

func TestReadPartitionTableUnlabeled(t *testing.T) {
	t.Parallel()

	d := &Device{run: failingRunner{}, log: slog.Default(), path: "/dev/sdc"}
	_, err := d.ReadPartitionTable(context.Background())
	require.ErrorIs(t, err, ErrNoPartitionTable)
}

type failingRunner struct{}

func (failingRunner) Run(context.Context, platform.Command) ([]byte, error) {
	return nil, errors.New("sfdisk: /dev/sdc: does not contain a recognized partition table")
}

func TestWritePartitionTable(t *testing.T) {
	t.Parallel()

	run := &fakeRunner{}
	d := &Device{run: run, log: slog.Default(), path: "/dev/nvme0n1"}
	table := Table{Label: LabelDOS, Partitions: []Partition{
		{Number: 1, Start: 1 << 20, Size: 256 << 20, FSName: "vfat", Flags: FlagBoot | FlagLBA},
		{Number: 2, Start: 257 << 20, Size: 1 << 30, Kind: Extended},
		{Number: 5, Start: 258 << 20, Size: 512 << 20, Kind: Logical, FSName: "ext4"},
	}}
	require.NoError(t, d.WritePartitionTable(context.Background(), table))

	require.Len(t, run.stdin, 1)
	assert.Equal(t, `label: dos
unit: sectors

/dev/nvme0n1p1 : start=2048, size=524288, type=c, bootable
/dev/nvme0n1p2 : start=526336, size=2097152, type=5
/dev/nvme0n1p5 : start=528384, size=1048576, type=83
`, run.stdin[0])
	assert.Equal(t, "udevadm", run.calls[len(run.calls)-1].Name)
}

func TestTypeCodeGPT(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		part Partition
		want string
	}{
		{"esp", Partition{FSName: "vfat", Flags: FlagBoot}, gptESP},
		{"fat data", Partition{FSName: "vfat"}, gptMSFTData},
		{"swap", Partition{FSName: "swap"}, gptSwap},
		{"bios grub", Partition{Flags: FlagBIOSGrub}, gptBIOSBoot},
		{"linux", Partition{FSName: "ext4"}, gptLinux},
		{"kept", Partition{FSName: "ext4", Type: gptLVM}, gptLVM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, typeCode(LabelGPT, tt.part))
		})
	}
}

func TestFlagsRoundTripThroughType(t *testing.T) {
	t.Parallel()

	for _, flag := range []Flags{FlagSwap, FlagLVM, FlagRAID, FlagBIOSGrub, FlagMSFTReserved, FlagPREP} {
		for _, label := range []LabelKind{LabelDOS, LabelGPT} {
			if label == LabelDOS && (flag == FlagBIOSGrub || flag == FlagMSFTReserved) {
				continue
			}
			code := typeCode(label, Partition{Flags: flag})
			assert.True(t, flagsFromType(label, code, false, "").Has(flag), "%s on %s", flag, label)
		}
	}
}

func TestFlagsString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "none", Flags(0).String())
	assert.Equal(t, "boot,lba", (FlagBoot | FlagLBA).String())
	assert.Equal(t, "diag", FlagDiag.String())
	assert.Equal(t, Flags(0x3fff), FlagMask)
}

func TestPartitionPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/dev/sda1", PartitionPath("/dev/sda", 1))
	assert.Equal(t, "/dev/nvme0n1p2", PartitionPath("/dev/nvme0n1", 2))
	assert.Equal(t, "/dev/mmcblk0p5", PartitionPath("/dev/mmcblk0", 5))
}

func TestParseLabel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, LabelDOS, ParseLabel("dos"))
	assert.Equal(t, LabelGPT, ParseLabel("gpt"))
	assert.Equal(t, LabelNone, ParseLabel("sun"))
}

func TestBootSector(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))
	d := &Device{path: path}

	var code [BootSectorSize]byte
	copy(code[:], strings.Repeat("\xeb\x63\x90", 100))
	require.NoError(t, d.SetBootSector(code))

	got, err := d.BootSector()
	require.NoError(t, err)
	assert.Equal(t, code, got)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, raw, 4096, "boot code write must not truncate the device")
	assert.Equal(t, make([]byte, 4096-BootSectorSize), raw[BootSectorSize:])
}
