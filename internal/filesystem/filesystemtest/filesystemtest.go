// Package filesystemtest provides a directory-backed filesystem.Filesystem
// for tests. The "filesystem" on a device is the directory MountDir(device).
package filesystemtest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/bamsammich/diskbeam/internal/content"
	"github.com/bamsammich/diskbeam/internal/filesystem"
)

var ErrNotFormatted = errors.New("device holds no filesystem")

// MountDir is where the tree of device lives.
func MountDir(device string) string { return device + ".fs" }

// FS is a fake filesystem that records what was done to it.
type FS struct {
	Labels    map[string]string
	UUIDs     map[string]string
	Formatted map[string]int
	// MountErr, when set, fails every Mount.
	MountErr error
	name     string
	caps     filesystem.Caps
	format   content.Format
	mounted  int
	mu       sync.Mutex
}

var _ filesystem.Filesystem = (*FS)(nil)

func New(name string, caps filesystem.Caps, format content.Format) *FS {
	return &FS{
		Labels:    make(map[string]string),
		UUIDs:     make(map[string]string),
		Formatted: make(map[string]int),
		name:      name,
		caps:      caps,
		format:    format,
	}
}

// All returns every capability.
func All() filesystem.Caps {
	return filesystem.Caps{Format: true, Mount: true, Label: true, UUID: true}
}

func (f *FS) Name() string                  { return f.name }
func (f *FS) Caps() filesystem.Caps         { return f.caps }
func (f *FS) ContentFormat() content.Format { return f.format }

func (f *FS) Format(_ context.Context, device string) error {
	if !f.caps.Format {
		return filesystem.ErrUnsupported
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.RemoveAll(MountDir(device)); err != nil {
		return err
	}
	if err := os.Mkdir(MountDir(device), 0o755); err != nil {
		return err
	}
	f.Formatted[device]++
	return nil
}

func (f *FS) WriteLabel(_ context.Context, device, label string) error {
	if !f.caps.Label {
		return filesystem.ErrUnsupported
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Labels[device] = label
	return nil
}

func (f *FS) WriteUUID(_ context.Context, device, id string) error {
	if !f.caps.UUID {
		return filesystem.ErrUnsupported
	}
	if err := filesystem.ValidateUUID(id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UUIDs[device] = id
	return nil
}

func (f *FS) Mount(_ context.Context, device string, _ bool) (string, error) {
	if !f.caps.Mount {
		return "", filesystem.ErrUnsupported
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MountErr != nil {
		return "", f.MountErr
	}
	dir := MountDir(device)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("mount %s: %w", device, ErrNotFormatted)
	}
	f.mounted++
	return dir, nil
}

func (f *FS) Unmount(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mounted--
	return nil
}

// Mounted returns the number of mounts not yet unmounted.
func (f *FS) Mounted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mounted
}
