// Package efi updates the boot pointer on the EFI System Partition.
// This is the commit step of an update transaction: until the files
// land here the firmware keeps booting the old slot, which still agrees
// with the old bootloader entries.
package efi

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/basalt-os/basaltctl/internal/constants"
	"github.com/basalt-os/basaltctl/internal/utils"
	"github.com/containerd/containerd/mount"
	"github.com/hashicorp/go-multierror"
	"github.com/moby/sys/mountinfo"
)

// BootUpdateError means the ESP could not be brought to the new
// release. The rootfs partitions may already hold the new images, but
// the old slot plus the old pointer still agree, so the machine remains
// bootable.
type BootUpdateError struct {
	Path string
	Err  error
}

func (e *BootUpdateError) Error() string {
	return fmt.Sprintf("updating boot partition at %s: %v", e.Path, e.Err)
}

func (e *BootUpdateError) Unwrap() error { return e.Err }

// Updater copies boot binaries into the fixed ESP layout.
type Updater struct {
	MountPoint string
	// Verify rejects an artifact before anything is copied. Defaults
	// to the authenticode presence check; tests swap it out.
	Verify func(path string) error
}

func NewUpdater() *Updater {
	return &Updater{
		MountPoint: constants.EspMountPoint,
		Verify:     CheckSigned,
	}
}

// EnsureMounted mounts the ESP device on the mount point when nothing
// is mounted there yet.
func (u *Updater) EnsureMounted(device string) error {
	mounted, err := mountinfo.Mounted(u.MountPoint)
	if err != nil && !os.IsNotExist(err) {
		return &BootUpdateError{Path: u.MountPoint, Err: err}
	}
	if mounted {
		return nil
	}
	if err := utils.CreateIfNotExists(u.MountPoint); err != nil {
		return &BootUpdateError{Path: u.MountPoint, Err: err}
	}
	m := mount.Mount{Type: "vfat", Source: device, Options: []string{"rw"}}
	if err := mount.All([]mount.Mount{m}, u.MountPoint); err != nil {
		return &BootUpdateError{Path: u.MountPoint, Err: fmt.Errorf("mounting %s: %w", device, err)}
	}
	utils.Log.Debug().Str("device", device).Str("where", u.MountPoint).Msg("Mounted ESP")
	return nil
}

// Apply writes the signed bootloader to the canonical and fallback
// paths and the unified boot image to its tagged path, overwriting
// whatever is there. All three copies are attempted so the operator
// sees the full damage on failure.
func (u *Updater) Apply(tag int, bootloader, uki string) error {
	if !SecureBootEnabled() {
		utils.Log.Warn().Msg("Secure Boot is disabled, boot binaries will not be verified by firmware")
	}

	for _, artifact := range []string{bootloader, uki} {
		if err := u.Verify(artifact); err != nil {
			return &BootUpdateError{Path: artifact, Err: err}
		}
	}

	for _, dir := range []string{constants.EspBootDir, constants.EspBasaltDir} {
		if err := utils.CreateIfNotExists(filepath.Join(u.MountPoint, dir)); err != nil {
			return &BootUpdateError{Path: filepath.Join(u.MountPoint, dir), Err: err}
		}
	}

	copies := map[string]string{
		constants.EspCanonicalLoader: bootloader,
		constants.EspFallbackLoader:  bootloader,
		filepath.Join(constants.EspBasaltDir, constants.UKIName(tag)): uki,
	}

	var result *multierror.Error
	for dst, src := range copies {
		target := filepath.Join(u.MountPoint, dst)
		if err := utils.Copy(src, target); err != nil {
			result = multierror.Append(result, fmt.Errorf("copying %s to %s: %w", src, target, err))
			continue
		}
		utils.Log.Info().Str("what", src).Str("where", target).Msg("Installed boot binary")
	}
	if err := result.ErrorOrNil(); err != nil {
		return &BootUpdateError{Path: u.MountPoint, Err: err}
	}

	utils.Sync()
	return nil
}

// Prune removes tagged boot images other than the given tags. The tag
// of the still-bootable old slot must be in the keep set.
func (u *Updater) Prune(keep ...int) error {
	kept := map[string]bool{}
	for _, tag := range keep {
		kept[constants.UKIName(tag)] = true
	}

	dir := filepath.Join(u.MountPoint, constants.EspBasaltDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return &BootUpdateError{Path: dir, Err: err}
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "basalt_") || !strings.HasSuffix(name, ".efi") || kept[name] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return &BootUpdateError{Path: filepath.Join(dir, name), Err: err}
		}
		utils.Log.Debug().Str("what", name).Msg("Pruned old boot image")
	}
	return nil
}
