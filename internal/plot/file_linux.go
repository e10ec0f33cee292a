//go:build linux

package plot

import (
	"os"

	"golang.org/x/sys/unix"
)

// openDirect opens path with O_DIRECT. Reads must then use 4 KiB aligned
// buffers and offsets; the reader handles the alignment slack.
func openDirect(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECT, 0)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), path), nil
}
