package image

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bamsammich/diskbeam/internal/event"
	"github.com/bamsammich/diskbeam/internal/platform"
)

// ErrNoBootDirectory is returned when no restored partition holds a GRUB
// directory.
var ErrNoBootDirectory = errors.New("no grub directory on restored partitions")

// BootLoader reinstalls a boot loader on a restored disk. bootDir is the
// mounted directory that holds the loader's files.
type BootLoader interface {
	Install(ctx context.Context, device, bootDir string) error
}

// GrubInstaller runs grub-install.
type GrubInstaller struct {
	Run platform.Runner
}

func (g GrubInstaller) Install(ctx context.Context, device, bootDir string) error {
	_, err := g.Run.Run(ctx, platform.Command{
		Name: "grub-install",
		Args: []string{"--boot-directory=" + bootDir, device},
	})
	return err
}

// installBootLoader finds the partition carrying boot/grub (a root
// filesystem) or grub (a separate /boot) and installs from it.
func (e *Engine) installBootLoader(ctx context.Context, img *Image, tgt *target) error {
	for i, rec := range img.Partitions {
		if rec.Payload != PayloadUnix {
			continue
		}
		fs := e.lookup(rec.FSName)
		if fs == nil || !fs.Caps().Mount {
			continue
		}
		mnt, err := fs.Mount(ctx, tgt.paths[i], false)
		if err != nil {
			e.log().Debug("cannot look for boot files", "partition", tgt.paths[i], "error", err)
			continue
		}
		bootDir := ""
		switch {
		case isDir(filepath.Join(mnt, "boot", "grub")):
			bootDir = filepath.Join(mnt, "boot")
		case isDir(filepath.Join(mnt, "grub")):
			bootDir = mnt
		}
		if bootDir != "" {
			err = e.BootLoader.Install(ctx, e.Disk.Path(), bootDir)
		}
		if uerr := fs.Unmount(ctx, mnt); uerr != nil {
			e.log().Warn("unmount failed", "partition", tgt.paths[i], "error", uerr)
		}
		if bootDir == "" {
			continue
		}
		if err != nil {
			return fmt.Errorf("install boot loader on %s: %w", e.Disk.Path(), err)
		}
		e.ops().Complete(event.GrubInstall, e.Disk.Path())
		return nil
	}
	e.warn("boot loader not installed", e.Disk.Path(), ErrNoBootDirectory)
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
