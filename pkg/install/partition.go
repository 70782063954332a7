package install

import (
	"fmt"
	"os"
	"time"

	"github.com/avast/retry-go"
	"github.com/basalt-os/basaltctl/internal/constants"
	"github.com/basalt-os/basaltctl/internal/utils"
	"github.com/basalt-os/basaltctl/pkg/disk"
	"github.com/gofrs/uuid"
)

// partitionSpec is one sgdisk -n/-t/-c/-u quadruple.
type partitionSpec struct {
	Index int
	Size  string // sgdisk size suffix, empty means rest of disk
	Type  string
	Label string
}

// layout is the provisioning-time contract the slot resolver depends
// on. Order and indices never change.
var layout = []partitionSpec{
	{Index: constants.PartEsp, Size: espSize, Type: constants.TypeEsp, Label: constants.LabelEsp},
	{Index: constants.PartRootA, Size: rootSize, Type: constants.TypeRoot, Label: constants.LabelRootA},
	{Index: constants.PartVerityA, Size: veritySize, Type: constants.TypeVerity, Label: constants.LabelVerityA},
	{Index: constants.PartRootB, Size: rootSize, Type: constants.TypeRoot, Label: constants.LabelRootB},
	{Index: constants.PartVerityB, Size: veritySize, Type: constants.TypeVerity, Label: constants.LabelVerityB},
	{Index: constants.PartData, Size: "", Type: constants.TypeData, Label: constants.LabelData},
}

// PartitionGUID derives a stable per-partition GUID from its label, so
// reinstalls produce identical tables and fstab-by-partuuid keeps
// working.
func PartitionGUID(label string) string {
	return uuid.NewV5(uuid.NamespaceURL, label).String()
}

// SgdiskArgs renders the full sgdisk invocation for the layout.
func SgdiskArgs(diskPath string) []string {
	args := []string{"--zap-all"}
	for _, p := range layout {
		size := p.Size
		if size == "" {
			size = "0"
		}
		args = append(args,
			fmt.Sprintf("--new=%d:0:%s", p.Index, size),
			fmt.Sprintf("--typecode=%d:%s", p.Index, p.Type),
			fmt.Sprintf("--change-name=%d:%s", p.Index, p.Label),
			fmt.Sprintf("--partition-guid=%d:%s", p.Index, PartitionGUID(p.Label)),
		)
	}
	return append(args, diskPath)
}

// Partition writes the GPT and waits until the kernel exposes all six
// partition nodes. udev can lag behind sgdisk, hence the retry.
func Partition(d disk.Disk) error {
	args := SgdiskArgs(d.Path)
	cmdline := "sgdisk"
	for _, a := range args {
		cmdline += " " + a
	}
	utils.Log.Info().Str("disk", d.Path).Msg("Writing partition table")
	if out, err := utils.CommandWithPath(cmdline); err != nil {
		return &PartitionError{Device: d.Path, Step: "partitioning", Err: fmt.Errorf("%w: %s", err, out)}
	}

	if out, err := utils.CommandWithPath("partprobe " + d.Path); err != nil {
		utils.Log.Debug().Err(err).Str("out", out).Msg("partprobe failed, relying on udev")
	}
	if out, err := utils.CommandWithPath("udevadm settle"); err != nil {
		utils.Log.Debug().Err(err).Str("out", out).Msg("udevadm settle failed")
	}

	err := retry.Do(
		func() error {
			for i := 1; i <= constants.PartitionCount; i++ {
				if _, err := os.Stat(d.PartitionPath(i)); err != nil {
					return err
				}
			}
			return nil
		},
		retry.Attempts(10),
		retry.Delay(500*time.Millisecond),
	)
	if err != nil {
		return &PartitionError{Device: d.Path, Step: "waiting for partition nodes", Err: err}
	}
	return nil
}

// FormatBoot creates the FAT32 filesystem on the ESP.
func FormatBoot(d disk.Disk) error {
	esp := d.PartitionPath(constants.PartEsp)
	if out, err := utils.CommandWithPath(fmt.Sprintf("mkfs.vfat -F32 -n %s %s", constants.LabelEsp, esp)); err != nil {
		return &PartitionError{Device: esp, Step: "formatting boot partition", Err: fmt.Errorf("%w: %s", err, out)}
	}
	return nil
}

// FormatDataPlain creates the ext4 filesystem used when encryption is
// not requested.
func FormatDataPlain(device string) error {
	if out, err := utils.CommandWithPath(fmt.Sprintf("mkfs.ext4 -q -L %s %s", constants.LabelData, device)); err != nil {
		return &PartitionError{Device: device, Step: "formatting data partition", Err: fmt.Errorf("%w: %s", err, out)}
	}
	return nil
}
