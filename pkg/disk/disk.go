// Package disk inspects the live block topology: which partition backs
// the root mount, which physical disk that partition lives on, and how
// that disk names its partitions.
package disk

import (
	"fmt"
	"strconv"
	"strings"
)

// Disk is a physical block device holding the fixed partition layout.
type Disk struct {
	// Path is the device node, e.g. /dev/sda or /dev/nvme0n1.
	Path string
	// PInfix is true when partitions are named with a p separator
	// (nvme0n1p2, mmcblk0p2) instead of a plain suffix (sda2).
	PInfix bool
}

// PartitionPath returns the device node of the n-th partition.
func (d Disk) PartitionPath(n int) string {
	if d.PInfix {
		return fmt.Sprintf("%sp%d", d.Path, n)
	}
	return fmt.Sprintf("%s%d", d.Path, n)
}

// PartitionIndex parses the partition number out of a partition device
// name, given the disk it belongs to.
func (d Disk) PartitionIndex(partPath string) (int, error) {
	name := strings.TrimPrefix(partPath, "/dev/")
	diskName := strings.TrimPrefix(d.Path, "/dev/")
	suffix := strings.TrimPrefix(name, diskName)
	if suffix == name {
		return 0, fmt.Errorf("partition %s is not on disk %s", partPath, d.Path)
	}
	if d.PInfix {
		suffix = strings.TrimPrefix(suffix, "p")
	}
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, fmt.Errorf("partition %s has no numeric suffix on disk %s: %w", partPath, d.Path, err)
	}
	return n, nil
}

// DiskForPartition derives the parent disk of a partition device name,
// e.g. nvme0n1p4 -> nvme0n1 (p-infixed), sda2 -> sda.
func DiskForPartition(partName string) Disk {
	name := strings.TrimPrefix(partName, "/dev/")
	// nvme0n1p4, mmcblk0p2: strip pN where N is the trailing number
	if i := lastPInfix(name); i > 0 {
		return Disk{Path: "/dev/" + name[:i], PInfix: true}
	}
	return Disk{Path: "/dev/" + strings.TrimRight(name, "0123456789"), PInfix: false}
}

// lastPInfix returns the offset of the final pN suffix when the name
// follows the p-infixed convention, 0 otherwise.
func lastPInfix(name string) int {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	// need digits, a preceding p and a digit before that p (nvme0n1p4)
	if i == len(name) || i < 2 || name[i-1] != 'p' {
		return 0
	}
	if name[i-2] < '0' || name[i-2] > '9' {
		return 0
	}
	return i - 1
}
