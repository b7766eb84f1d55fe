// Package filesystem formats, labels and mounts partitions. Each supported
// filesystem is looked up by the name lsblk reports for it.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/bamsammich/diskbeam/internal/content"
	"github.com/bamsammich/diskbeam/internal/platform"
)

var (
	ErrUnsupported = errors.New("operation not supported by filesystem")
	ErrInvalidUUID = errors.New("invalid filesystem UUID")
)

// Caps are the operations a Filesystem supports.
type Caps struct {
	Format bool
	Mount  bool
	Label  bool
	UUID   bool
}

func (c Caps) String() string {
	var s []string
	for _, f := range []struct {
		name string
		ok   bool
	}{{"format", c.Format}, {"mount", c.Mount}, {"label", c.Label}, {"uuid", c.UUID}} {
		if f.ok {
			s = append(s, f.name)
		}
	}
	return strings.Join(s, ",")
}

// Filesystem operates on one filesystem type.
type Filesystem interface {
	Name() string
	Caps() Caps
	// ContentFormat is the record variant used for trees on this
	// filesystem.
	ContentFormat() content.Format
	Format(ctx context.Context, device string) error
	WriteLabel(ctx context.Context, device, label string) error
	WriteUUID(ctx context.Context, device, id string) error
	// Mount returns the directory the filesystem was mounted on.
	Mount(ctx context.Context, device string, readOnly bool) (string, error)
	Unmount(ctx context.Context, mountPoint string) error
}

// Registry maps filesystem names to implementations.
type Registry struct {
	byName map[string]Filesystem
}

func NewRegistry(fss ...Filesystem) *Registry {
	r := &Registry{byName: make(map[string]Filesystem, len(fss))}
	for _, fs := range fss {
		r.Register(fs)
	}
	return r
}

func (r *Registry) Register(fs Filesystem) { r.byName[fs.Name()] = fs }

// Lookup returns the filesystem called name.
func (r *Registry) Lookup(name string) (Filesystem, bool) {
	fs, ok := r.byName[name]
	return fs, ok
}

// Names returns the registered names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ValidateUUID rejects ids that are not RFC 4122 text.
func ValidateUUID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidUUID, id, err)
	}
	return nil
}

// Default returns a registry of the filesystems handled with the usual
// userspace tools.
func Default(run platform.Runner) *Registry {
	return NewRegistry(
		newTool(run, ext("ext2")),
		newTool(run, ext("ext3")),
		newTool(run, ext("ext4")),
		newTool(run, toolSpec{
			name:      "xfs",
			mountType: "xfs",
			format:    content.Unix,
			mkfs:      []string{"mkfs.xfs", "-f", "-q", devArg},
			label:     []string{"xfs_admin", "-L", valArg, devArg},
			uuid:      []string{"xfs_admin", "-U", valArg, devArg},
		}),
		newTool(run, toolSpec{
			name:      "btrfs",
			mountType: "btrfs",
			format:    content.Unix,
			mkfs:      []string{"mkfs.btrfs", "-f", "-q", devArg},
			label:     []string{"btrfs", "filesystem", "label", devArg, valArg},
			uuid:      []string{"btrfstune", "-f", "-U", valArg, devArg},
		}),
		newTool(run, toolSpec{
			name:      "vfat",
			mountType: "vfat",
			format:    content.DOS,
			mkfs:      []string{"mkfs.vfat", devArg},
			label:     []string{"fatlabel", devArg, valArg},
		}),
		newTool(run, toolSpec{
			name:   "ntfs",
			format: content.DOS,
			mkfs:   []string{"mkfs.ntfs", "-f", "-Q", devArg},
			label:  []string{"ntfslabel", devArg, valArg},
		}),
		newTool(run, toolSpec{
			name:  "swap",
			mkfs:  []string{"mkswap", devArg},
			label: []string{"swaplabel", "-L", valArg, devArg},
			uuid:  []string{"swaplabel", "-U", valArg, devArg},
		}),
	)
}

func ext(name string) toolSpec {
	return toolSpec{
		name:      name,
		mountType: name,
		format:    content.Unix,
		mkfs:      []string{"mkfs." + name, "-F", "-q", devArg},
		label:     []string{"e2label", devArg, valArg},
		uuid:      []string{"tune2fs", "-U", valArg, devArg},
	}
}
