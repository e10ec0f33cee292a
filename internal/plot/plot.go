// Package plot models on-disk plot files and discovers them under the
// configured directories.
package plot

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shizukutanaka/Karite/internal/poc"
)

// File is one validated plot file. Immutable once discovered; the scanner
// re-validates it on every pass and drops it if missing or malformed.
type File struct {
	Path       string
	AccountID  uint64
	StartNonce uint64
	Nonces     uint64
	Drive      string
	ModTime    time.Time

	// DirectIO is false on removable media even when globally enabled.
	DirectIO bool
}

// Parse validates a candidate plot file. PoC2 files are named
// <accountID>_<startNonce>_<nonces>; the legacy four-part staggered format is
// rejected explicitly so the operator sees why a file was skipped.
func Parse(path string, info fs.FileInfo) (*File, error) {
	name := filepath.Base(path)
	parts := strings.Split(name, "_")
	switch len(parts) {
	case 3:
	case 4:
		return nil, fmt.Errorf("%s: staggered PoC1 format is not supported, re-plot as PoC2", name)
	default:
		return nil, fmt.Errorf("%s: not a plot file name", name)
	}

	fields := make([]uint64, 3)
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: malformed field %q: %w", name, p, err)
		}
		fields[i] = v
	}

	f := &File{
		Path:       path,
		AccountID:  fields[0],
		StartNonce: fields[1],
		Nonces:     fields[2],
		ModTime:    info.ModTime(),
	}
	if f.Nonces == 0 {
		return nil, fmt.Errorf("%s: zero nonces", name)
	}
	want := int64(poc.CapacityBytes(f.Nonces))
	if info.Size() != want {
		return nil, fmt.Errorf("%s: size %d does not match %d nonces (want %d bytes)",
			name, info.Size(), f.Nonces, want)
	}
	return f, nil
}

// ID identifies the plot in logs and tie-breaks: the base file name is unique
// per (account, start, count) triple.
func (f *File) ID() string { return filepath.Base(f.Path) }

// Size returns the file size in bytes.
func (f *File) Size() int64 { return int64(poc.CapacityBytes(f.Nonces)) }

// ScoopOffset returns the byte offset where this round's scoop region starts.
// PoC2 layout is scoop-major: all nonces' data for scoop s is contiguous at
// s * nonces * 64.
func (f *File) ScoopOffset(scoop uint32) int64 {
	return int64(scoop) * int64(f.Nonces) * poc.ScoopSize
}

// ScoopLength returns the byte length of one round's scoop region.
func (f *File) ScoopLength() int64 {
	return int64(f.Nonces) * poc.ScoopSize
}

// Open opens the plot for reading, with O_DIRECT when the file allows it.
// Direct open failures fall back to buffered I/O; some filesystems accept
// the flag and then fail reads, which surfaces later as a plain read error.
func (f *File) Open() (*os.File, bool, error) {
	if f.DirectIO {
		if h, err := openDirect(f.Path); err == nil {
			return h, true, nil
		}
	}
	h, err := os.Open(f.Path)
	return h, false, err
}
