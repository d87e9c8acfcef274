// Package rawcopy streams image files onto block devices with
// write-through and byte progress reporting.
package rawcopy

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/archlive/live-media-writer/pkg/progress"
)

// BlockSize keeps slow USB mass storage streaming while still updating
// the progress bar a few times per second.
const BlockSize = 4 * 1024 * 1024

var blockSize = BlockSize

// Copy writes the whole of srcPath onto dstPath with O_DSYNC
// write-through, reporting byte progress on rep, and ends with an
// fsync. dstPath is opened without truncation, device nodes keep their
// geometry. Returns the number of bytes written, also on error.
func Copy(srcPath, dstPath string, rep progress.Reporter) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("cannot open source image: %w", err)
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return 0, fmt.Errorf("cannot stat source image: %w", err)
	}
	total := fi.Size()

	dst, err := os.OpenFile(dstPath, os.O_WRONLY|unix.O_DSYNC, 0)
	if err != nil {
		return 0, fmt.Errorf("cannot open %s for writing: %w", dstPath, err)
	}

	buf := make([]byte, blockSize)
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				dst.Close()
				return written, fmt.Errorf("cannot write to %s at offset %d: %w", dstPath, written, err)
			}
			written += int64(n)
			rep.SetBytes(written, total)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			dst.Close()
			return written, fmt.Errorf("cannot read %s at offset %d: %w", srcPath, written, readErr)
		}
	}

	if err := dst.Sync(); err != nil {
		dst.Close()
		return written, fmt.Errorf("cannot sync %s: %w", dstPath, err)
	}
	if err := dst.Close(); err != nil {
		return written, fmt.Errorf("cannot close %s: %w", dstPath, err)
	}
	return written, nil
}
