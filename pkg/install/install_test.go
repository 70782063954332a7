package install_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/basalt-os/basaltctl/internal/constants"
	"github.com/basalt-os/basaltctl/pkg/install"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spectrocloud-labs/herd"
)

var _ = Describe("provisioning", func() {
	Context("ValidateDevice", func() {
		It("rejects a regular file", func() {
			f, err := os.CreateTemp("", "not-a-disk-")
			Expect(err).ToNot(HaveOccurred())
			DeferCleanup(os.Remove, f.Name())
			Expect(f.Close()).To(Succeed())

			_, err = install.ValidateDevice(f.Name())
			var partErr *install.PartitionError
			Expect(errors.As(err, &partErr)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("not a block device"))
		})
		It("rejects a missing path", func() {
			_, err := install.ValidateDevice("/dev/does-not-exist")
			var partErr *install.PartitionError
			Expect(errors.As(err, &partErr)).To(BeTrue())
		})
	})

	Context("SgdiskArgs", func() {
		It("renders the six-partition contract in order", func() {
			args := install.SgdiskArgs("/dev/sda")
			Expect(args[0]).To(Equal("--zap-all"))
			Expect(args[len(args)-1]).To(Equal("/dev/sda"))

			joined := strings.Join(args, " ")
			Expect(joined).To(ContainSubstring("--new=1:0:+512M"))
			Expect(joined).To(ContainSubstring("--typecode=1:ef00"))
			Expect(joined).To(ContainSubstring("--change-name=1:" + constants.LabelEsp))
			Expect(joined).To(ContainSubstring("--new=2:0:+4G"))
			Expect(joined).To(ContainSubstring("--typecode=2:8304"))
			Expect(joined).To(ContainSubstring("--new=3:0:+256M"))
			Expect(joined).To(ContainSubstring("--typecode=3:8310"))
			Expect(joined).To(ContainSubstring("--new=4:0:+4G"))
			Expect(joined).To(ContainSubstring("--new=5:0:+256M"))
			Expect(joined).To(ContainSubstring("--new=6:0:0"))
			Expect(joined).To(ContainSubstring("--change-name=6:" + constants.LabelData))

			// root pairs carry the same type, verity pairs too
			Expect(strings.Count(joined, ":8304")).To(Equal(2))
			Expect(strings.Count(joined, ":8310")).To(Equal(2))
		})
		It("derives stable partition GUIDs", func() {
			Expect(install.PartitionGUID(constants.LabelRootA)).To(Equal(install.PartitionGUID(constants.LabelRootA)))
			Expect(install.PartitionGUID(constants.LabelRootA)).ToNot(Equal(install.PartitionGUID(constants.LabelRootB)))
		})
	})

	Context("FindArtifacts", func() {
		var dir string

		BeforeEach(func() {
			var err error
			dir, err = os.MkdirTemp("", "artifacts-")
			Expect(err).ToNot(HaveOccurred())
			DeferCleanup(os.RemoveAll, dir)
		})

		seed := func(names ...string) {
			for _, n := range names {
				Expect(os.WriteFile(filepath.Join(dir, n), []byte(n), 0644)).To(Succeed())
			}
		}

		It("locates the artifact set and parses the tag", func() {
			seed("BOOTX64.EFI", "basalt_9.efi", "rootfs.img", "rootfs.verity")

			tag, bootloader, uki, rootfs, verity, err := install.FindArtifacts(dir)
			Expect(err).ToNot(HaveOccurred())
			Expect(tag).To(Equal(9))
			Expect(bootloader).To(Equal(filepath.Join(dir, "BOOTX64.EFI")))
			Expect(uki).To(Equal(filepath.Join(dir, "basalt_9.efi")))
			Expect(rootfs).To(Equal(filepath.Join(dir, "rootfs.img")))
			Expect(verity).To(Equal(filepath.Join(dir, "rootfs.verity")))
		})

		It("picks the newest UKI when several are present", func() {
			seed("BOOTX64.EFI", "basalt_9.efi", "basalt_12.efi", "rootfs.img", "rootfs.verity")
			tag, _, uki, _, _, err := install.FindArtifacts(dir)
			Expect(err).ToNot(HaveOccurred())
			Expect(tag).To(Equal(12))
			Expect(uki).To(Equal(filepath.Join(dir, "basalt_12.efi")))
		})

		It("fails without a unified boot image", func() {
			seed("BOOTX64.EFI", "rootfs.img", "rootfs.verity")
			_, _, _, _, _, err := install.FindArtifacts(dir)
			Expect(errors.Is(err, constants.ErrNoRelease)).To(BeTrue())
		})

		It("fails when a companion artifact is missing", func() {
			seed("BOOTX64.EFI", "basalt_9.efi", "rootfs.img")
			_, _, _, _, _, err := install.FindArtifacts(dir)
			var partErr *install.PartitionError
			Expect(errors.As(err, &partErr)).To(BeTrue())
		})
	})

	Context("step graph", func() {
		It("chains the destructive steps strictly", func() {
			s := install.NewState(install.Options{Disk: "/dev/null", ArtifactDir: "/tmp"})
			g := herd.DAG()
			Expect(s.Register(g)).To(Succeed())

			dag := g.Analyze()
			Expect(dag).To(HaveLen(5), install.WriteDAG(g))
			Expect(dag[0][0].Name).To(Equal(constants.OpCheckDevice))
			Expect(dag[1][0].Name).To(Equal(constants.OpPartitionDisk))
			Expect(dag[2][0].Name).To(Equal(constants.OpFormatBoot))
			Expect(dag[3][0].Name).To(Equal(constants.OpSeedSlotA))
			Expect(dag[4][0].Name).To(Equal(constants.OpFormatData))
		})

		It("fails the run when the device check fails", func() {
			f, err := os.CreateTemp("", "not-a-disk-")
			Expect(err).ToNot(HaveOccurred())
			DeferCleanup(os.Remove, f.Name())
			Expect(f.Close()).To(Succeed())

			s := install.NewState(install.Options{Disk: f.Name(), ArtifactDir: "/tmp"})
			g := herd.DAG()
			Expect(s.Register(g)).To(Succeed())

			Expect(g.Run(context.Background())).To(HaveOccurred(), install.WriteDAG(g))

			// nothing destructive ran after the failed check
			for _, layer := range g.Analyze() {
				for _, op := range layer {
					if op.Name != constants.OpCheckDevice {
						Expect(op.Executed).To(BeFalse(), op.Name)
					}
				}
			}
		})
	})
})
