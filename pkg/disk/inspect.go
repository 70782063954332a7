package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/basalt-os/basaltctl/internal/constants"
	"github.com/basalt-os/basaltctl/internal/utils"
	"github.com/jaypipes/ghw"
	"github.com/jaypipes/ghw/pkg/block"
	"github.com/moby/sys/mountinfo"
)

// DetectionError reports a failure to resolve the live disk topology.
type DetectionError struct {
	Device string
	Reason string
	Err    error
}

func (e *DetectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("detecting %s: %s: %v", e.Device, e.Reason, e.Err)
	}
	return fmt.Sprintf("detecting %s: %s", e.Device, e.Reason)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// Root describes where the currently mounted root filesystem lives.
type Root struct {
	Disk           Disk
	PartitionPath  string
	PartitionIndex int
}

// Inspector resolves the partition backing /. The fields exist so tests
// can point it at a fake sysfs tree and canned mount/block data.
type Inspector struct {
	SysBlock string
	Mounts   func() ([]*mountinfo.Info, error)
	Blocks   func() (*block.Info, error)
}

func NewInspector() *Inspector {
	return &Inspector{
		SysBlock: "/sys/class/block",
		Mounts: func() ([]*mountinfo.Info, error) {
			return mountinfo.GetMounts(nil)
		},
		Blocks: func() (*block.Info, error) {
			return ghw.Block()
		},
	}
}

// CurrentRoot resolves the root mount down to its raw partition. A
// verity-protected root is mounted from a device-mapper node, so the
// source is walked through /sys/class/block/<dm>/slaves until a real
// partition is reached.
func (i *Inspector) CurrentRoot() (*Root, error) {
	source, err := i.rootSource()
	if err != nil {
		return nil, err
	}

	name, err := i.resolveMapped(filepath.Base(source))
	if err != nil {
		return nil, err
	}

	d := DiskForPartition(name)
	utils.Log.Debug().Str("partition", name).Str("disk", d.Path).Msg("Resolved root partition")

	if err := i.validateLayout(d); err != nil {
		return nil, err
	}

	idx, err := d.PartitionIndex("/dev/" + name)
	if err != nil {
		return nil, &DetectionError{Device: "/dev/" + name, Reason: "unrecognized partition name", Err: err}
	}

	return &Root{Disk: d, PartitionPath: "/dev/" + name, PartitionIndex: idx}, nil
}

// rootSource returns the device node mounted at /, following symlinks
// such as /dev/disk/by-label/... or /dev/mapper/... aliases.
func (i *Inspector) rootSource() (string, error) {
	mounts, err := i.Mounts()
	if err != nil {
		return "", &DetectionError{Device: "/", Reason: "reading mount table", Err: err}
	}
	for _, m := range mounts {
		if m.Mountpoint != "/" {
			continue
		}
		source := m.Source
		if resolved, err := filepath.EvalSymlinks(source); err == nil {
			source = resolved
		}
		if !strings.HasPrefix(source, "/dev/") {
			return "", &DetectionError{Device: source, Reason: "root mount source is not a block device"}
		}
		return source, nil
	}
	return "", &DetectionError{Device: "/", Reason: "no root mount found"}
}

// resolveMapped walks device-mapper slave links until the name no longer
// has any, i.e. until we are looking at a raw partition.
func (i *Inspector) resolveMapped(name string) (string, error) {
	for depth := 0; depth < 8; depth++ {
		slaves, err := os.ReadDir(filepath.Join(i.SysBlock, name, "slaves"))
		if err != nil || len(slaves) == 0 {
			return name, nil
		}
		// A verity mapping has two slaves, the data partition and the
		// hash partition. The layout contract puts data right before
		// hash, so the lowest-named slave is the root partition.
		names := make([]string, 0, len(slaves))
		for _, s := range slaves {
			names = append(names, s.Name())
		}
		sort.Strings(names)
		name = names[0]
	}
	return "", &DetectionError{Device: name, Reason: "device-mapper chain deeper than expected"}
}

// validateLayout checks the disk carries the six-partition contract.
func (i *Inspector) validateLayout(d Disk) error {
	info, err := i.Blocks()
	if err != nil {
		return &DetectionError{Device: d.Path, Reason: "reading block inventory", Err: err}
	}
	diskName := strings.TrimPrefix(d.Path, "/dev/")
	for _, bd := range info.Disks {
		if bd.Name != diskName {
			continue
		}
		if len(bd.Partitions) != constants.PartitionCount {
			return &DetectionError{
				Device: d.Path,
				Reason: fmt.Sprintf("expected %d partitions, found %d", constants.PartitionCount, len(bd.Partitions)),
			}
		}
		return nil
	}
	return &DetectionError{Device: d.Path, Reason: "disk not present in block inventory"}
}
