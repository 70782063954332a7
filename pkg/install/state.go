package install

import (
	"context"
	"fmt"
	"os"

	"github.com/basalt-os/basaltctl/internal/constants"
	"github.com/basalt-os/basaltctl/internal/utils"
	"github.com/basalt-os/basaltctl/pkg/crypt"
	"github.com/basalt-os/basaltctl/pkg/disk"
	"github.com/basalt-os/basaltctl/pkg/efi"
	"github.com/basalt-os/basaltctl/pkg/imager"
	"github.com/basalt-os/basaltctl/pkg/slot"
	"github.com/spectrocloud-labs/herd"
)

// State carries one provisioning run through the graph. Steps are
// strictly chained, a destructive operation never starts before the
// previous one finished.
type State struct {
	Opts Options

	disk       disk.Disk
	tag        int
	bootloader string
	uki        string
	rootfs     string
	verity     string
}

func NewState(opts Options) *State {
	return &State{Opts: opts}
}

// Register wires the install steps into the graph as a linear chain.
// Every step is fatal so a failure surfaces from Run instead of only
// skipping dependents.
func (s *State) Register(g *herd.Graph) error {
	if err := g.Add(constants.OpCheckDevice, herd.FatalOp, herd.WithCallback(s.checkDevice)); err != nil {
		return err
	}
	if err := g.Add(constants.OpPartitionDisk,
		herd.WithDeps(constants.OpCheckDevice),
		herd.FatalOp,
		herd.WithCallback(s.partition)); err != nil {
		return err
	}
	if err := g.Add(constants.OpFormatBoot,
		herd.WithDeps(constants.OpPartitionDisk),
		herd.FatalOp,
		herd.WithCallback(s.formatBoot)); err != nil {
		return err
	}
	if err := g.Add(constants.OpSeedSlotA,
		herd.WithDeps(constants.OpFormatBoot),
		herd.FatalOp,
		herd.WithCallback(s.seedSlotA)); err != nil {
		return err
	}
	return g.Add(constants.OpFormatData,
		herd.WithDeps(constants.OpSeedSlotA),
		herd.FatalOp,
		herd.WithCallback(s.formatData))
}

func (s *State) checkDevice(_ context.Context) error {
	d, err := ValidateDevice(s.Opts.Disk)
	if err != nil {
		return err
	}
	s.disk = d

	tag, bootloader, uki, rootfs, verity, err := FindArtifacts(s.Opts.ArtifactDir)
	if err != nil {
		return err
	}
	s.tag, s.bootloader, s.uki, s.rootfs, s.verity = tag, bootloader, uki, rootfs, verity
	utils.Log.Info().Str("disk", s.disk.Path).Int("tag", s.tag).Msg("Target validated")
	return nil
}

func (s *State) partition(_ context.Context) error {
	return Partition(s.disk)
}

func (s *State) formatBoot(_ context.Context) error {
	return FormatBoot(s.disk)
}

// seedSlotA writes the images into slot A and populates the ESP. Slot B
// stays empty until the first update fills it.
func (s *State) seedSlotA(_ context.Context) error {
	w := imager.New()
	// slot B counts as "current" here so the writer's active-slot
	// assertion holds for the pair we are seeding
	if err := w.WriteSlot(s.disk, slot.B, slot.A, s.rootfs, s.verity); err != nil {
		return &PartitionError{Device: s.disk.Path, Step: "seeding slot A", Err: err}
	}

	mnt, err := os.MkdirTemp("", "basalt-esp-")
	if err != nil {
		return &PartitionError{Device: s.disk.Path, Step: "creating ESP mount point", Err: err}
	}
	defer os.RemoveAll(mnt)

	upd := efi.NewUpdater()
	upd.MountPoint = mnt
	if err := upd.EnsureMounted(s.disk.PartitionPath(constants.PartEsp)); err != nil {
		return err
	}
	defer func() {
		if out, uerr := utils.CommandWithPath("umount " + mnt); uerr != nil {
			utils.Log.Warn().Err(uerr).Str("out", out).Msg("Unmounting ESP")
		}
	}()

	return upd.Apply(s.tag, s.bootloader, s.uki)
}

func (s *State) formatData(_ context.Context) error {
	device := s.disk.PartitionPath(constants.PartData)
	if !s.Opts.EncryptData {
		return FormatDataPlain(device)
	}

	tpm, err := crypt.OpenTPM()
	if err != nil {
		return &PartitionError{Device: device, Step: "opening TPM", Err: err}
	}
	defer tpm.Close()

	if err := crypt.Setup(tpm, device, s.Opts.DataPassword); err != nil {
		return &PartitionError{Device: device, Step: "encrypting data partition", Err: err}
	}
	if err := crypt.Unlock(tpm, device, s.Opts.DataPassword, "basalt-data"); err != nil {
		return &PartitionError{Device: device, Step: "opening data partition", Err: err}
	}
	if err := FormatDataPlain("/dev/mapper/basalt-data"); err != nil {
		return err
	}
	if out, cerr := utils.CommandWithPath("cryptsetup close basalt-data"); cerr != nil {
		return &PartitionError{Device: device, Step: "closing data partition", Err: fmt.Errorf("%w: %s", cerr, out)}
	}
	return nil
}

// WriteDAG renders the graph layer by layer for --dry-run output.
func WriteDAG(g *herd.Graph) (out string) {
	for i, layer := range g.Analyze() {
		out += fmt.Sprintf("%d.\n", i+1)
		for _, op := range layer {
			if op.Error != nil {
				out += fmt.Sprintf(" <%s> (error: %s) (run: %t)\n", op.Name, op.Error.Error(), op.Executed)
			} else {
				out += fmt.Sprintf(" <%s> (run: %t)\n", op.Name, op.Executed)
			}
		}
	}
	return
}
