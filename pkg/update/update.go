// Package update runs the A/B update transaction: resolve the booted
// slot, fetch the newest release, write its images into the complement
// slot and re-point the bootloader. The booted slot is never written,
// which is the only thing standing between a failed update and a
// bricked machine.
package update

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/basalt-os/basaltctl/internal/constants"
	"github.com/basalt-os/basaltctl/internal/utils"
	"github.com/basalt-os/basaltctl/pkg/disk"
	"github.com/basalt-os/basaltctl/pkg/efi"
	"github.com/basalt-os/basaltctl/pkg/fetch"
	"github.com/basalt-os/basaltctl/pkg/imager"
	"github.com/basalt-os/basaltctl/pkg/slot"
	"github.com/spectrocloud-labs/herd"
	"golang.org/x/sys/unix"
)

// State carries one update invocation through the graph.
type State struct {
	Config Config
	// Reboot restarts the machine after a successful transaction.
	Reboot bool

	Deps *Inspector

	root     *disk.Root
	current  slot.Slot
	target   slot.Slot
	release  *fetch.Release
	upToDate bool
}

// Inspector bundles the collaborators so tests can substitute them.
type Inspector struct {
	Disk    func() (*disk.Root, error)
	Fetcher *fetch.Fetcher
	Writer  *imager.Writer
	Esp     *efi.Updater
}

func NewState(cfg Config) *State {
	return &State{
		Config: cfg,
		Deps: &Inspector{
			Disk: func() (*disk.Root, error) {
				return disk.NewInspector().CurrentRoot()
			},
			Fetcher: fetch.NewFetcher(cfg.ReleaseURL),
			Writer:  imager.New(),
			Esp:     efi.NewUpdater(),
		},
	}
}

// Register wires the transaction into the graph as a strict chain.
func (s *State) Register(g *herd.Graph) error {
	steps := []struct {
		name string
		deps []string
		fn   func(context.Context) error
	}{
		{constants.OpDetectDisk, nil, s.detectDisk},
		{constants.OpResolveSlot, []string{constants.OpDetectDisk}, s.resolveSlot},
		{constants.OpFetchRelease, []string{constants.OpResolveSlot}, s.fetchRelease},
		{constants.OpVerifyImages, []string{constants.OpFetchRelease}, s.verifyImages},
		{constants.OpWriteImages, []string{constants.OpVerifyImages}, s.writeImages},
		{constants.OpUpdateBoot, []string{constants.OpWriteImages}, s.updateBoot},
		{constants.OpReboot, []string{constants.OpUpdateBoot}, s.maybeReboot},
	}
	for _, step := range steps {
		// every step is fatal so a failure surfaces from Run instead of
		// only skipping dependents
		if err := g.Add(step.name, herd.WithDeps(step.deps...), herd.FatalOp, herd.WithCallback(step.fn)); err != nil {
			return err
		}
	}
	return nil
}

// Close removes the downloaded artifact bundle if one is still held.
// The cmd layer defers it so the scratch directory goes away on
// success, failure and interrupt alike.
func (s *State) Close() error {
	if s.release == nil {
		return nil
	}
	return s.release.Close()
}

func (s *State) detectDisk(_ context.Context) error {
	root, err := s.Deps.Disk()
	if err != nil {
		return err
	}
	s.root = root
	utils.Log.Info().
		Str("disk", root.Disk.Path).
		Str("partition", root.PartitionPath).
		Msg("Resolved booted root")
	return nil
}

func (s *State) resolveSlot(_ context.Context) error {
	current, err := slot.Resolve(s.root.PartitionIndex)
	if err != nil {
		return err
	}
	s.current = current
	s.target = current.Complement()
	utils.Log.Info().
		Str("current", s.current.String()).
		Str("target", s.target.String()).
		Str("targetRoot", s.root.Disk.PartitionPath(s.target.RootIndex())).
		Str("targetVerity", s.root.Disk.PartitionPath(s.target.VerityIndex())).
		Msg("Resolved slots")
	return nil
}

func (s *State) fetchRelease(ctx context.Context) error {
	rel, err := s.Deps.Fetcher.Latest(ctx)
	if err != nil {
		return err
	}

	if current, ok := installedTag(); ok && rel.Tag <= current {
		_ = rel.Close()
		utils.Log.Info().Int("installed", current).Int("available", rel.Tag).Msg("Already up to date")
		s.upToDate = true
		return nil
	}

	s.release = rel
	return nil
}

// verifyImages rejects a release with unsigned boot artifacts before
// anything touches the disk. Apply checks again, this is the early exit.
func (s *State) verifyImages(_ context.Context) error {
	if s.upToDate {
		return nil
	}
	for _, p := range []string{s.release.Bootloader, s.release.UKI} {
		if err := s.Deps.Esp.Verify(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *State) writeImages(_ context.Context) error {
	if s.upToDate {
		return nil
	}
	return s.Deps.Writer.WriteSlot(s.root.Disk, s.current, s.target, s.release.Rootfs, s.release.Verity)
}

func (s *State) updateBoot(_ context.Context) error {
	if s.upToDate {
		return nil
	}
	esp := s.Deps.Esp
	if err := esp.EnsureMounted(s.root.Disk.PartitionPath(constants.PartEsp)); err != nil {
		return err
	}
	if err := esp.Apply(s.release.Tag, s.release.Bootloader, s.release.UKI); err != nil {
		return err
	}

	keep := []int{s.release.Tag}
	if current, ok := installedTag(); ok {
		keep = append(keep, current)
	}
	if err := esp.Prune(keep...); err != nil {
		// old spare images are cosmetic, the transaction is committed
		utils.Log.Warn().Err(err).Msg("Pruning old boot images")
	}

	utils.Log.Info().
		Int("tag", s.release.Tag).
		Str("slot", s.target.String()).
		Msg("Update committed, new slot becomes active on next boot")
	return nil
}

func (s *State) maybeReboot(_ context.Context) error {
	if s.upToDate {
		return nil
	}
	if !s.Reboot {
		utils.Log.Info().Msg("Reboot to switch slots")
		return nil
	}
	utils.Sync()
	utils.Log.Info().Msg("Rebooting")
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return fmt.Errorf("rebooting: %w", err)
	}
	return nil
}

// installedTag reads the release tag the running image was built with.
// Absent or malformed file means we cannot compare, so we update
// unconditionally.
func installedTag() (int, bool) {
	raw, err := os.ReadFile(constants.ReleaseFile)
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, false
	}
	return n, true
}

// WriteDAG renders the graph layer by layer for --dry-run output.
func (s *State) WriteDAG(g *herd.Graph) (out string) {
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
