// Package install provisions a bare disk with the fixed six-partition
// layout and seeds slot A. It is destructive, runs once, and recovers
// from nothing: a failed install means wiping and starting over.
package install

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/basalt-os/basaltctl/internal/constants"
	"github.com/basalt-os/basaltctl/pkg/disk"
	"golang.org/x/sys/unix"
)

// PartitionError is fatal and non-recoverable. No partial-state cleanup
// is attempted on a half-partitioned disk.
type PartitionError struct {
	Device string
	Step   string
	Err    error
}

func (e *PartitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("install: %s on %s: %v", e.Step, e.Device, e.Err)
	}
	return fmt.Sprintf("install: %s on %s", e.Step, e.Device)
}

func (e *PartitionError) Unwrap() error { return e.Err }

// Partition sizes handed to sgdisk. Data takes the rest of the disk.
const (
	espSize    = "+512M"
	rootSize   = "+4G"
	veritySize = "+256M"
)

// Options configures one provisioning run.
type Options struct {
	// Disk is the target block device, wiped completely.
	Disk string
	// ArtifactDir holds the four release artifacts from install media.
	ArtifactDir string
	// EncryptData formats the data partition as a TPM-sealed LUKS2
	// volume instead of plain ext4.
	EncryptData bool
	// DataPassword is the operator password for the encrypted data
	// partition. Ignored unless EncryptData is set.
	DataPassword string
}

var ukiPattern = regexp.MustCompile(`^basalt_(\d+)\.efi$`)

// ValidateDevice refuses anything that is not a block device.
func ValidateDevice(path string) (disk.Disk, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return disk.Disk{}, &PartitionError{Device: path, Step: "stat target", Err: err}
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return disk.Disk{}, &PartitionError{Device: path, Step: "validating target", Err: fmt.Errorf("not a block device")}
	}

	name := filepath.Base(path)
	// disks whose name ends in a digit get p-infixed partition names
	pInfix := name[len(name)-1] >= '0' && name[len(name)-1] <= '9'
	return disk.Disk{Path: path, PInfix: pInfix}, nil
}

// FindArtifacts locates the four artifacts in dir and extracts the
// release tag from the UKI file name.
func FindArtifacts(dir string) (tag int, bootloader, uki, rootfs, verity string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, "", "", "", "", &PartitionError{Device: dir, Step: "reading artifact directory", Err: err}
	}

	tag = -1
	for _, e := range entries {
		if m := ukiPattern.FindStringSubmatch(e.Name()); m != nil {
			n, aerr := strconv.Atoi(m[1])
			if aerr != nil {
				continue
			}
			if n > tag {
				tag = n
				uki = filepath.Join(dir, e.Name())
			}
		}
	}
	if tag < 0 {
		return 0, "", "", "", "", &PartitionError{Device: dir, Step: "locating unified boot image", Err: constants.ErrNoRelease}
	}

	bootloader = filepath.Join(dir, constants.ArtifactBootloader)
	rootfs = filepath.Join(dir, constants.ArtifactRootfs)
	verity = filepath.Join(dir, constants.ArtifactVerity)
	for _, p := range []string{bootloader, rootfs, verity} {
		if _, serr := os.Stat(p); serr != nil {
			return 0, "", "", "", "", &PartitionError{Device: dir, Step: "locating artifacts", Err: serr}
		}
	}
	return tag, bootloader, uki, rootfs, verity, nil
}
