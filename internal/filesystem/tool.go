package filesystem

import (
	"context"
	"fmt"

	"github.com/bamsammich/diskbeam/internal/content"
	"github.com/bamsammich/diskbeam/internal/platform"
)

// Placeholders in a toolSpec argv.
const (
	devArg = "{dev}"
	valArg = "{val}"
)

// toolSpec describes a filesystem handled by external tools. A nil argv
// means the operation is unsupported; an empty mountType means the kernel
// cannot mount it directly.
type toolSpec struct {
	name      string
	mountType string
	mkfs      []string
	label     []string
	uuid      []string
	format    content.Format
}

type tool struct {
	run  platform.Runner
	spec toolSpec
}

func newTool(run platform.Runner, spec toolSpec) *tool {
	return &tool{run: run, spec: spec}
}

func (t *tool) Name() string { return t.spec.name }

func (t *tool) Caps() Caps {
	return Caps{
		Format: t.spec.mkfs != nil,
		Mount:  t.spec.mountType != "",
		Label:  t.spec.label != nil,
		UUID:   t.spec.uuid != nil,
	}
}

func (t *tool) ContentFormat() content.Format { return t.spec.format }

func (t *tool) Format(ctx context.Context, device string) error {
	return t.exec(ctx, "format", t.spec.mkfs, device, "")
}

func (t *tool) WriteLabel(ctx context.Context, device, label string) error {
	return t.exec(ctx, "label", t.spec.label, device, label)
}

func (t *tool) WriteUUID(ctx context.Context, device, id string) error {
	if err := ValidateUUID(id); err != nil {
		return err
	}
	return t.exec(ctx, "uuid", t.spec.uuid, device, id)
}

func (t *tool) Mount(_ context.Context, device string, readOnly bool) (string, error) {
	if t.spec.mountType == "" {
		return "", fmt.Errorf("%s: mount: %w", t.spec.name, ErrUnsupported)
	}
	return platform.Mount(device, t.spec.mountType, readOnly)
}

func (t *tool) Unmount(_ context.Context, mountPoint string) error {
	return platform.Unmount(mountPoint)
}

func (t *tool) exec(ctx context.Context, op string, argv []string, device, value string) error {
	if argv == nil {
		return fmt.Errorf("%s: %s: %w", t.spec.name, op, ErrUnsupported)
	}
	args := make([]string, len(argv)-1)
	for i, a := range argv[1:] {
		switch a {
		case devArg:
			args[i] = device
		case valArg:
			args[i] = value
		default:
			args[i] = a
		}
	}
	if _, err := t.run.Run(ctx, platform.Command{Name: argv[0], Args: args}); err != nil {
		return fmt.Errorf("%s %s on %s: %w", t.spec.name, op, device, err)
	}
	return nil
}
