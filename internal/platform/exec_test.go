package platform

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandString(t *testing.T) {
	t.Parallel()

	c := Command{Name: "mkfs.ext4", Args: []string{"-F", "-q", "/dev/sdb1"}}
	assert.Equal(t, "mkfs.ext4 -F -q /dev/sdb1", c.String())
	assert.Equal(t, "sync", Command{Name: "sync"}.String())
}

func TestExecRunnerStdin(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	out, err := ExecRunner{}.Run(context.Background(), Command{
		Name:  "cat",
		Stdin: strings.NewReader("label: dos\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, "label: dos\n", string(out))
}

func TestExecRunnerFoldsStderr(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	_, err := ExecRunner{}.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo device busy >&2; exit 3"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())
}

func TestDeviceSize(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))

	size, err := DeviceSize(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), size)

	_, err = DeviceSize(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestPreallocate(t *testing.T) {
	t.Parallel()

	f, err := os.Create(filepath.Join(t.TempDir(), "recv.img"))
	require.NoError(t, err)
	defer f.Close()

	Preallocate(f, 1<<20)
	info, err := f.Stat()
	require.NoError(t, err)
	// fallocate may be unsupported; it must never shrink or fail loudly.
	assert.True(t, info.Size() == 0 || info.Size() == 1<<20)
}

func TestUsedBytes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fill"), make([]byte, 1<<16), 0o644))

	used, err := UsedBytes(dir)
	if err != nil {
		t.Skipf("statfs unsupported: %v", err)
	}
	assert.Positive(t, used)
}
