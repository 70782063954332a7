package utils

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrNotRoot is returned when a destructive command runs without
// administrative privilege.
var ErrNotRoot = errors.New("must run as root")

// CheckRoot refuses to proceed unless we have euid 0. Partition writes
// and ESP updates need it, and failing late is worse than failing here.
func CheckRoot() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("%w: euid %d", ErrNotRoot, os.Geteuid())
	}
	return nil
}

// CommandWithPath runs a command with a sane PATH as we may run early in
// boot or from a minimal environment where PATH is not fully set.
func CommandWithPath(command string) (string, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Env = os.Environ()
	pathAppend := "/usr/bin:/usr/sbin:/bin:/sbin"
	if os.Getenv("PATH") != "" {
		pathAppend = fmt.Sprintf("%s:%s", os.Getenv("PATH"), pathAppend)
	}
	cmd.Env = append(cmd.Env, fmt.Sprintf("PATH=%s", pathAppend))
	o, err := cmd.CombinedOutput()
	return string(o), err
}

// Sync flushes all dirty pages to disk. Errors are not possible here,
// the kernel call has no failure mode.
func Sync() {
	unix.Sync()
}

// CreateIfNotExists makes a directory path unless it is already there.
func CreateIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|os.ModePerm)
	}
	return nil
}

// Copy duplicates src into dst, truncating dst if it exists, and fsyncs
// the result before returning.
func Copy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// CleanupSlice removes empty and whitespace-only entries.
func CleanupSlice(slice []string) []string {
	var cleaned []string
	for _, item := range slice {
		if strings.TrimSpace(item) == "" {
			continue
		}
		cleaned = append(cleaned, item)
	}
	return cleaned
}
