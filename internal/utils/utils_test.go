package utils_test

import (
	"os"
	"path/filepath"

	"github.com/basalt-os/basaltctl/internal/utils"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("utils", func() {
	Context("CommandWithPath", func() {
		It("runs through the shell and captures output", func() {
			out, err := utils.CommandWithPath("echo -n hello")
			Expect(err).ToNot(HaveOccurred())
			Expect(out).To(Equal("hello"))
		})
		It("returns combined output on failure", func() {
			out, err := utils.CommandWithPath("ls /nonexistent-basalt-path")
			Expect(err).To(HaveOccurred())
			Expect(out).ToNot(BeEmpty())
		})
	})

	Context("CreateIfNotExists", func() {
		It("creates nested directories and tolerates rerun", func() {
			tmpDir, err := os.MkdirTemp("", "")
			Expect(err).ToNot(HaveOccurred())
			defer os.RemoveAll(tmpDir)

			target := filepath.Join(tmpDir, "a", "b", "c")
			Expect(utils.CreateIfNotExists(target)).To(Succeed())
			st, err := os.Stat(target)
			Expect(err).ToNot(HaveOccurred())
			Expect(st.IsDir()).To(BeTrue())
			Expect(utils.CreateIfNotExists(target)).To(Succeed())
		})
	})

	Context("Copy", func() {
		It("duplicates content and truncates an existing destination", func() {
			tmpDir, err := os.MkdirTemp("", "")
			Expect(err).ToNot(HaveOccurred())
			defer os.RemoveAll(tmpDir)

			src := filepath.Join(tmpDir, "src")
			dst := filepath.Join(tmpDir, "dst")
			Expect(os.WriteFile(src, []byte("payload"), os.ModePerm)).To(Succeed())
			Expect(os.WriteFile(dst, []byte("previous longer content"), os.ModePerm)).To(Succeed())

			Expect(utils.Copy(src, dst)).To(Succeed())
			got, err := os.ReadFile(dst)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(got)).To(Equal("payload"))
		})
		It("fails on a missing source", func() {
			Expect(utils.Copy("/nonexistent-basalt-src", os.DevNull)).ToNot(Succeed())
		})
	})

	Context("CleanupSlice", func() {
		It("Cleans up the slice of empty values", func() {
			slice := []string{"", " "}
			sliceCleaned := utils.CleanupSlice(slice)
			Expect(len(sliceCleaned)).To(Equal(0))
		})
		It("keeps real entries", func() {
			Expect(utils.CleanupSlice([]string{"a", "", "b"})).To(Equal([]string{"a", "b"}))
		})
	})

	Context("CheckRoot", func() {
		It("matches the effective uid", func() {
			err := utils.CheckRoot()
			if os.Geteuid() == 0 {
				Expect(err).ToNot(HaveOccurred())
			} else {
				Expect(err).To(MatchError(utils.ErrNotRoot))
			}
		})
	})
})
