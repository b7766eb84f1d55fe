package image_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/diskbeam/internal/content"
	"github.com/bamsammich/diskbeam/internal/disk"
	"github.com/bamsammich/diskbeam/internal/disk/disktest"
	"github.com/bamsammich/diskbeam/internal/event"
	"github.com/bamsammich/diskbeam/internal/filesystem"
	"github.com/bamsammich/diskbeam/internal/filesystem/filesystemtest"
	"github.com/bamsammich/diskbeam/internal/image"
	"github.com/bamsammich/diskbeam/internal/transfer"
)

const rootUUID = "0b6ce2b5-6f04-4c71-9e1f-2a7a5d4e5a01"

// fakes is one set of filesystem fakes, registered by name.
type fakes struct {
	reg  *filesystem.Registry
	vfat *filesystemtest.FS
	ext4 *filesystemtest.FS
	swap *filesystemtest.FS
	ntfs *filesystemtest.FS
}

func newFakes() fakes {
	f := fakes{
		vfat: filesystemtest.New("vfat", filesystem.Caps{Format: true, Mount: true, Label: true}, content.DOS),
		ext4: filesystemtest.New("ext4", filesystemtest.All(), content.Unix),
		swap: filesystemtest.New("swap", filesystem.Caps{Format: true, Label: true, UUID: true}, 0),
		ntfs: filesystemtest.New("ntfs", filesystem.Caps{Format: true, Label: true}, content.DOS),
	}
	f.reg = filesystem.NewRegistry(f.vfat, f.ext4, f.swap, f.ntfs)
	return f
}

func (f fakes) mounted() int {
	return f.vfat.Mounted() + f.ext4.Mounted() + f.swap.Mounted() + f.ntfs.Mounted()
}

// treeSize stands in for statfs: the bytes of regular files below dir.
func treeSize(dir string) (uint64, error) {
	var n uint64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			n += uint64(info.Size()) //nolint:gosec // G115: test sizes
		}
		return nil
	})
	return n, err
}

type sourceDisk struct {
	disk *disktest.Disk
	raw  []byte
	boot [disk.BootSectorSize]byte
}

// newSourceDisk builds a 64 MiB DOS disk:
//
//	1  vfat  EFI   boot,lba  EFI/BOOT/BOOTX64.EFI
//	2  ext4  root            etc/hostname, home/user/notes.txt, big.bin
//	3  swap
//	4  ntfs                  4 MiB of random bytes (raw)
func newSourceDisk(t *testing.T) sourceDisk {
	t.Helper()

	d := disktest.New(t.TempDir(), 64*mib)
	parts := []disk.Partition{
		{Number: 1, Start: 1 * mib, Size: 8 * mib, FSName: "vfat", Label: "EFI", Flags: disk.FlagBoot | disk.FlagLBA},
		{Number: 2, Start: 9 * mib, Size: 32 * mib, FSName: "ext4", Label: "root", UUID: rootUUID},
		{Number: 3, Start: 41 * mib, Size: 8 * mib, FSName: "swap", Flags: disk.FlagSwap},
		{Number: 4, Start: 49 * mib, Size: 4 * mib, FSName: "ntfs", Label: "DATA"},
	}
	for _, p := range parts {
		require.NoError(t, d.AddPartition(disk.LabelDOS, p))
	}

	efi := filesystemtest.MountDir(d.PartitionPath(1))
	require.NoError(t, os.MkdirAll(filepath.Join(efi, "EFI", "BOOT"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(efi, "EFI", "BOOT", "BOOTX64.EFI"), []byte("MZ loader"), 0o644))

	root := filesystemtest.MountDir(d.PartitionPath(2))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "home", "user"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc", "hostname"), []byte("node1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "home", "user", "notes.txt"), []byte("remember"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.bin"), bytes.Repeat([]byte("0123456789abcdef"), 40000), 0o644))

	raw := make([]byte, 4*mib)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(d.PartitionPath(4), raw, 0o644))

	var boot [disk.BootSectorSize]byte
	copy(boot[:], "\xeb\x63\x90GRUB")
	require.NoError(t, d.SetBootSector(boot))

	return sourceDisk{disk: d, raw: raw, boot: boot}
}

func newEngine(d disk.Disk, f fakes, bus *event.Bus) *image.Engine {
	return &image.Engine{
		Disk:        d,
		Filesystems: f.reg,
		Transfer:    transfer.New(transfer.Options{Bus: bus, ChunkSize: 64 << 10}),
		Operations:  event.NewOperations(bus),
		Bus:         bus,
		Usage:       treeSize,
	}
}

func assertAllCompleted(t *testing.T, ops *event.Operations) {
	t.Helper()
	for _, op := range ops.List() {
		assert.True(t, op.Completed, "%s %s", op.Kind, op.Target)
	}
}

func TestCreateRestoreDisk(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := newSourceDisk(t)
	srcFakes := newFakes()
	creator := newEngine(src.disk, srcFakes, nil)

	var stream bytes.Buffer
	img, err := creator.Create(ctx, &stream)
	require.NoError(t, err)
	require.NoError(t, img.Validate())
	assert.Equal(t, image.KindDisk, img.Kind)
	require.Len(t, img.Partitions, 4)
	assert.Equal(t, image.PayloadDOS, img.Partitions[0].Payload)
	assert.Equal(t, image.PayloadUnix, img.Partitions[1].Payload)
	assert.Equal(t, image.PayloadNone, img.Partitions[2].Payload)
	assert.Equal(t, image.PayloadRaw, img.Partitions[3].Payload)
	assert.Equal(t, uint64(4*mib), img.Partitions[3].MinSize)
	assert.Zero(t, srcFakes.mounted(), "create unmounts what it mounted")
	assertAllCompleted(t, creator.Operations)
	assert.Equal(t, uint64(stream.Len()), creator.Transfer.Transferred()) //nolint:gosec // G115: test sizes

	dst := disktest.New(t.TempDir(), 128*mib)
	dstFakes := newFakes()
	restorer := newEngine(dst, dstFakes, nil)

	got, err := restorer.Restore(ctx, &stream)
	require.NoError(t, err)
	assert.Zero(t, stream.Len(), "the whole image is consumed")
	assert.Equal(t, img.Size, got.Size)
	assert.Equal(t, 1, dst.TableWrites())
	assert.Zero(t, dstFakes.mounted())
	assertAllCompleted(t, restorer.Operations)

	boot, err := dst.BootSector()
	require.NoError(t, err)
	assert.Equal(t, src.boot, boot)

	table, err := dst.ReadPartitionTable(ctx)
	require.NoError(t, err)
	assert.Equal(t, disk.LabelDOS, table.Label)
	require.Len(t, table.Partitions, 4)
	assert.True(t, table.Partitions[0].Flags.Has(disk.FlagBoot))

	efi := filesystemtest.MountDir(dst.PartitionPath(1))
	loader, err := os.ReadFile(filepath.Join(efi, "EFI", "BOOT", "BOOTX64.EFI"))
	require.NoError(t, err)
	assert.Equal(t, "MZ loader", string(loader))

	root := filesystemtest.MountDir(dst.PartitionPath(2))
	for _, rel := range []string{"etc/hostname", "home/user/notes.txt", "big.bin"} {
		want, err := os.ReadFile(filepath.Join(filesystemtest.MountDir(src.disk.PartitionPath(2)), rel))
		require.NoError(t, err)
		gotData, err := os.ReadFile(filepath.Join(root, rel))
		require.NoError(t, err, rel)
		assert.Equal(t, want, gotData, rel)
	}

	raw, err := os.ReadFile(dst.PartitionPath(4))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), len(src.raw))
	assert.Equal(t, src.raw, raw[:len(src.raw)])

	assert.Equal(t, "EFI", dstFakes.vfat.Labels[dst.PartitionPath(1)])
	assert.Equal(t, "root", dstFakes.ext4.Labels[dst.PartitionPath(2)])
	assert.Equal(t, rootUUID, dstFakes.ext4.UUIDs[dst.PartitionPath(2)])
	assert.Equal(t, 1, dstFakes.swap.Formatted[dst.PartitionPath(3)])
	assert.Zero(t, dstFakes.ntfs.Formatted[dst.PartitionPath(4)], "raw partitions are written, not formatted")
}

func TestRestorePlansOperationsUpFront(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := newSourceDisk(t)
	var stream bytes.Buffer
	_, err := newEngine(src.disk, newFakes(), nil).Create(ctx, &stream)
	require.NoError(t, err)

	bus := event.NewBus()
	rec := &event.Recorder{}
	bus.Subscribe(rec)
	dst := disktest.New(t.TempDir(), 128*mib)
	_, err = newEngine(dst, newFakes(), bus).Restore(ctx, &stream)
	require.NoError(t, err)

	// Every Added precedes the first Completed.
	seenCompleted := false
	added := 0
	for _, ev := range rec.Events() {
		op, ok := ev.(event.OperationEvent)
		if !ok {
			continue
		}
		if op.Change == event.Completed {
			seenCompleted = true
			continue
		}
		added++
		assert.False(t, seenCompleted, "operation %s %s added after work started", op.Kind, op.Target)
	}
	assert.Positive(t, added)
}

func TestCreateNoData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := newSourceDisk(t)
	creator := newEngine(src.disk, newFakes(), nil)
	creator.NoData = true

	var stream bytes.Buffer
	img, err := creator.Create(ctx, &stream)
	require.NoError(t, err)
	assert.False(t, img.HasData)
	assert.Equal(t, int(img.MetadataSize()), stream.Len(), "structure only")
	assert.Positive(t, img.Size, "minimum sizes are still measured")

	dst := disktest.New(t.TempDir(), 128*mib)
	dstFakes := newFakes()
	_, err = newEngine(dst, dstFakes, nil).Restore(ctx, &stream)
	require.NoError(t, err)
	assert.Equal(t, 1, dstFakes.ext4.Formatted[dst.PartitionPath(2)])
	entries, err := os.ReadDir(filesystemtest.MountDir(dst.PartitionPath(2)))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreatePartitionImage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := newSourceDisk(t)
	creator := newEngine(src.disk, newFakes(), nil)
	creator.Partition = 2

	var stream bytes.Buffer
	img, err := creator.Create(ctx, &stream)
	require.NoError(t, err)
	assert.Equal(t, image.KindPartition, img.Kind)
	require.Len(t, img.Partitions, 1)
	assert.InDelta(t, 1.0, img.Partitions[0].UsedFraction, 0)

	dst := disktest.New(t.TempDir(), 64*mib)
	require.NoError(t, dst.AddPartition(disk.LabelGPT, disk.Partition{Number: 1, Start: mib, Size: 16 * mib}))
	restorer := newEngine(dst, newFakes(), nil)
	restorer.Partition = 1

	_, err = restorer.Restore(ctx, &stream)
	require.NoError(t, err)
	assert.Zero(t, dst.TableWrites(), "a partition image leaves the table alone")

	hostname, err := os.ReadFile(filepath.Join(filesystemtest.MountDir(dst.PartitionPath(1)), "etc", "hostname"))
	require.NoError(t, err)
	assert.Equal(t, "node1\n", string(hostname))
}

func TestRestoreKindMismatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := newSourceDisk(t)
	var stream bytes.Buffer
	_, err := newEngine(src.disk, newFakes(), nil).Create(ctx, &stream)
	require.NoError(t, err)

	dst := disktest.New(t.TempDir(), 128*mib)
	restorer := newEngine(dst, newFakes(), nil)
	restorer.Partition = 1
	_, err = restorer.Restore(ctx, &stream)
	require.ErrorIs(t, err, image.ErrKindMismatch)
	assert.Zero(t, dst.TableWrites())
}

func TestRestoreTooLarge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := newSourceDisk(t)
	var stream bytes.Buffer
	img, err := newEngine(src.disk, newFakes(), nil).Create(ctx, &stream)
	require.NoError(t, err)

	dst := disktest.New(t.TempDir(), img.Size)
	_, err = newEngine(dst, newFakes(), nil).Restore(ctx, &stream)
	require.ErrorIs(t, err, image.ErrImageTooLarge)
	assert.Zero(t, dst.TableWrites())
}

func TestRestoreUnsupportedFilesystem(t *testing.T) {
	t.Parallel()

	img := &image.Image{Kind: image.KindDisk, Label: disk.LabelGPT, HasData: true, Partitions: []image.PartitionRecord{
		{FSName: "zfs", UsedFraction: 0.5, Payload: image.PayloadUnix},
	}}
	p, err := img.MarshalBinary()
	require.NoError(t, err)

	dst := disktest.New(t.TempDir(), 64*mib)
	_, err = newEngine(dst, newFakes(), nil).Restore(context.Background(), bytes.NewReader(p))
	require.ErrorIs(t, err, image.ErrUnsupportedFilesystem)
	assert.Zero(t, dst.TableWrites())
}

func TestRestoreMissingLabelSupportWarns(t *testing.T) {
	t.Parallel()

	img := &image.Image{Kind: image.KindDisk, Label: disk.LabelGPT, Partitions: []image.PartitionRecord{
		{FSName: "vfat", UsedFraction: 0.5, UUID: rootUUID},
	}}
	p, err := img.MarshalBinary()
	require.NoError(t, err)

	bus := event.NewBus()
	rec := &event.Recorder{}
	bus.Subscribe(rec)
	dst := disktest.New(t.TempDir(), 64*mib)
	_, err = newEngine(dst, newFakes(), bus).Restore(context.Background(), bytes.NewReader(p))
	require.NoError(t, err)

	var notes []string
	for _, ev := range rec.Events() {
		if n, ok := ev.(event.Notification); ok {
			notes = append(notes, n.Message)
		}
	}
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "UUID will not be restored")
}

func TestRestoreSkipsFailedPartition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := newSourceDisk(t)
	var stream bytes.Buffer
	_, err := newEngine(src.disk, newFakes(), nil).Create(ctx, &stream)
	require.NoError(t, err)

	bus := event.NewBus()
	rec := &event.Recorder{}
	bus.Subscribe(rec)
	dst := disktest.New(t.TempDir(), 128*mib)
	dstFakes := newFakes()
	dstFakes.vfat.MountErr = errors.New("mount: wrong fs type")

	_, err = newEngine(dst, dstFakes, bus).Restore(ctx, &stream)
	require.NoError(t, err)
	assert.Zero(t, stream.Len())

	hostname, err := os.ReadFile(filepath.Join(filesystemtest.MountDir(dst.PartitionPath(2)), "etc", "hostname"))
	require.NoError(t, err, "the partition after the failed one is restored")
	assert.Equal(t, "node1\n", string(hostname))

	var notified bool
	for _, ev := range rec.Events() {
		if n, ok := ev.(event.Notification); ok && strings.Contains(n.Message, "partition not restored") {
			notified = true
		}
	}
	assert.True(t, notified)
}

func TestRestoreSinglePartitionFailureIsFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := newSourceDisk(t)
	creator := newEngine(src.disk, newFakes(), nil)
	creator.Partition = 2
	var stream bytes.Buffer
	_, err := creator.Create(ctx, &stream)
	require.NoError(t, err)

	dst := disktest.New(t.TempDir(), 64*mib)
	require.NoError(t, dst.AddPartition(disk.LabelGPT, disk.Partition{Number: 1, Start: mib, Size: 16 * mib}))
	dstFakes := newFakes()
	dstFakes.ext4.MountErr = errors.New("mount: bad superblock")
	restorer := newEngine(dst, dstFakes, nil)
	restorer.Partition = 1

	_, err = restorer.Restore(ctx, &stream)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad superblock")
}

func TestCreateFallsBackToRawWhenMountFails(t *testing.T) {
	t.Parallel()

	src := newSourceDisk(t)
	f := newFakes()
	f.vfat.MountErr = errors.New("mount: unknown filesystem")

	img, err := newEngine(src.disk, f, nil).Create(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, image.PayloadRaw, img.Partitions[0].Payload)
	assert.Equal(t, uint64(8*mib), img.Partitions[0].MinSize)
	assert.Equal(t, image.PayloadUnix, img.Partitions[1].Payload)
}

func TestCreateExcludesImageFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := newSourceDisk(t)
	root := filesystemtest.MountDir(src.disk.PartitionPath(2))
	imagePath := filepath.Join(root, "backup.img")
	out, err := os.Create(imagePath)
	require.NoError(t, err)
	defer out.Close()

	creator := newEngine(src.disk, newFakes(), nil)
	creator.Exclude = []string{imagePath}
	_, err = creator.Create(ctx, out)
	require.NoError(t, err)
	require.NoError(t, out.Close())

	in, err := os.Open(imagePath)
	require.NoError(t, err)
	defer in.Close()
	dst := disktest.New(t.TempDir(), 128*mib)
	_, err = newEngine(dst, newFakes(), nil).Restore(ctx, in)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(filesystemtest.MountDir(dst.PartitionPath(2)), "backup.img"))
	assert.FileExists(t, filepath.Join(filesystemtest.MountDir(dst.PartitionPath(2)), "etc", "hostname"))
}

type recordingBootLoader struct {
	device  string
	bootDir string
}

func (r *recordingBootLoader) Install(_ context.Context, device, bootDir string) error {
	r.device, r.bootDir = device, bootDir
	return nil
}

func TestRestoreInstallsBootLoader(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := newSourceDisk(t)
	grub := filepath.Join(filesystemtest.MountDir(src.disk.PartitionPath(2)), "boot", "grub")
	require.NoError(t, os.MkdirAll(grub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(grub, "grub.cfg"), []byte("set timeout=5\n"), 0o644))

	var stream bytes.Buffer
	_, err := newEngine(src.disk, newFakes(), nil).Create(ctx, &stream)
	require.NoError(t, err)

	dst := disktest.New(t.TempDir(), 128*mib)
	loader := &recordingBootLoader{}
	restorer := newEngine(dst, newFakes(), nil)
	restorer.BootLoader = loader

	_, err = restorer.Restore(ctx, &stream)
	require.NoError(t, err)
	assert.Equal(t, dst.Path(), loader.device)
	assert.Equal(t, filepath.Join(filesystemtest.MountDir(dst.PartitionPath(2)), "boot"), loader.bootDir)
	assertAllCompleted(t, restorer.Operations)
}

func TestCreateCancelled(t *testing.T) {
	t.Parallel()

	src := newSourceDisk(t)
	f := newFakes()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newEngine(src.disk, f, nil).Create(ctx, &bytes.Buffer{})
	require.ErrorIs(t, err, transfer.ErrCancelled)
	assert.Zero(t, f.mounted())
}
