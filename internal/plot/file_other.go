//go:build !linux

package plot

import (
	"errors"
	"os"
)

// Unbuffered reads need platform flags we only wire up on linux; elsewhere
// the caller falls back to the page cache.
func openDirect(path string) (*os.File, error) {
	return nil, errors.New("direct I/O not supported on this platform")
}
