// Package imager copies image files onto block devices. Writes are raw,
// overwrite whatever filesystem was there, and end with an explicit
// durability barrier so a later boot pointer switch never references
// half-written data.
package imager

import (
	"fmt"
	"io"
	"os"

	"github.com/basalt-os/basaltctl/internal/constants"
	"github.com/basalt-os/basaltctl/internal/utils"
	"github.com/basalt-os/basaltctl/pkg/disk"
	"github.com/basalt-os/basaltctl/pkg/slot"
	"golang.org/x/sys/unix"
)

// WriteError is fatal, there is no automatic retry. The currently
// booted slot is untouched by construction, so the operator can rerun
// the update after fixing the cause.
type WriteError struct {
	Device string
	Offset int64
	Err    error
}

func (e *WriteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("writing %s at offset %d: %v", e.Device, e.Offset, e.Err)
	}
	return fmt.Sprintf("writing %s at offset %d", e.Device, e.Offset)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Writer copies images with a fixed transfer block size.
type Writer struct {
	BlockSize int
}

func New() *Writer {
	return &Writer{BlockSize: constants.TransferBlockSize}
}

// WriteSlot writes the rootfs and verity images into the target slot's
// partition pair. The target is always the complement of the current
// slot, but we assert it anyway: this is the one invariant whose
// violation bricks a machine.
func (w *Writer) WriteSlot(d disk.Disk, current, target slot.Slot, rootfs, verity string) error {
	if target == current {
		return &WriteError{
			Device: d.PartitionPath(target.RootIndex()),
			Err:    fmt.Errorf("refusing to write to active slot %s", target),
		}
	}

	if err := w.WriteImage(rootfs, d.PartitionPath(target.RootIndex())); err != nil {
		return err
	}
	return w.WriteImage(verity, d.PartitionPath(target.VerityIndex()))
}

// WriteImage copies the full byte content of src onto the block device
// at dst and flushes it to stable storage before returning. The device
// size is checked up front so an oversized image fails before the first
// byte lands.
func (w *Writer) WriteImage(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return &WriteError{Device: dst, Err: err}
	}
	defer in.Close()

	st, err := in.Stat()
	if err != nil {
		return &WriteError{Device: dst, Err: err}
	}

	out, err := os.OpenFile(dst, os.O_WRONLY, 0)
	if err != nil {
		return &WriteError{Device: dst, Err: err}
	}
	defer out.Close()

	devSize, err := out.Seek(0, io.SeekEnd)
	if err != nil {
		return &WriteError{Device: dst, Err: err}
	}
	if st.Size() > devSize {
		return &WriteError{Device: dst, Err: fmt.Errorf("image %s is %d bytes, device only holds %d", src, st.Size(), devSize)}
	}
	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return &WriteError{Device: dst, Err: err}
	}

	utils.Log.Info().Str("image", src).Str("device", dst).Int64("bytes", st.Size()).Msg("Writing image")

	buf := make([]byte, w.BlockSize)
	var offset int64
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return &WriteError{Device: dst, Offset: offset, Err: werr}
			}
			offset += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return &WriteError{Device: dst, Offset: offset, Err: rerr}
		}
	}

	if err := unix.Fsync(int(out.Fd())); err != nil {
		return &WriteError{Device: dst, Offset: offset, Err: fmt.Errorf("flushing: %w", err)}
	}
	utils.Log.Debug().Str("device", dst).Int64("bytes", offset).Msg("Image flushed")
	return nil
}
