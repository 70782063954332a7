package constants

import (
	"errors"
	"fmt"
)

// Op names for the update/install graphs.
const (
	OpDetectDisk    = "detect-disk"
	OpResolveSlot   = "resolve-slot"
	OpFetchRelease  = "fetch-release"
	OpVerifyImages  = "verify-images"
	OpWriteImages   = "write-images"
	OpUpdateBoot    = "update-boot"
	OpReboot        = "reboot"
	OpCheckDevice   = "check-device"
	OpPartitionDisk = "partition-disk"
	OpFormatBoot    = "format-boot"
	OpSeedSlotA     = "seed-slot-a"
	OpFormatData    = "format-data"
)

// Fixed six-partition layout. The installer writes it, the updater
// trusts it. Indices are 1-based as in the partition table.
const (
	PartEsp     = 1
	PartRootA   = 2
	PartVerityA = 3
	PartRootB   = 4
	PartVerityB = 5
	PartData    = 6

	PartitionCount = 6
)

// GPT partition labels.
const (
	LabelEsp     = "BASALT_ESP"
	LabelRootA   = "BASALT_ROOT_A"
	LabelVerityA = "BASALT_VERITY_A"
	LabelRootB   = "BASALT_ROOT_B"
	LabelVerityB = "BASALT_VERITY_B"
	LabelData    = "BASALT_DATA"
)

// sgdisk type codes.
const (
	TypeEsp    = "ef00"
	TypeRoot   = "8304"
	TypeVerity = "8310"
	TypeData   = "8309"
)

// Release artifact names as published on the release endpoint.
const (
	ArtifactBootloader = "BOOTX64.EFI"
	ArtifactRootfs     = "rootfs.img"
	ArtifactVerity     = "rootfs.verity"
	ArtifactChecksums  = "SHA256SUMS"
)

// ESP layout. The fallback path is what firmware boots when no boot entry
// exists, the canonical path is what our boot entry points at, and the
// basalt directory also holds one UKI per installed release.
const (
	EspMountPoint      = "/boot/efi"
	EspBootDir         = "EFI/BOOT"
	EspBasaltDir       = "EFI/basalt"
	EspFallbackLoader  = "EFI/BOOT/BOOTX64.EFI"
	EspCanonicalLoader = "EFI/basalt/BOOTX64.EFI"
)

const (
	// TransferBlockSize is the buffer size for raw partition writes.
	TransferBlockSize = 4 * 1024 * 1024

	// UpdateConf carries RELEASE_URL and CHANNEL for the updater.
	UpdateConf = "/etc/basalt/update.conf"

	// ReleaseFile inside the booted image records its own tag.
	ReleaseFile = "/etc/basalt/release"
)

// UKIName returns the file name of the unified boot image for a release
// tag, e.g. basalt_42.efi.
func UKIName(tag int) string {
	return fmt.Sprintf("basalt_%d.efi", tag)
}

var ErrNoRelease = errors.New("no release matching the expected pattern")
