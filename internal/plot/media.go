package plot

import (
	"path/filepath"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/shirou/gopsutil/v3/disk"
)

// deviceForPath maps a path to the block device backing it, by the longest
// matching mountpoint. Readers are grouped per device so each spinning disk
// gets exactly one sequential reader. Falls back to the path's volume root
// when partition data is unavailable.
func deviceForPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	parts, err := disk.Partitions(false)
	if err != nil {
		return filepath.VolumeName(abs) + string(filepath.Separator)
	}

	bestLen := -1
	device := ""
	for _, p := range parts {
		mp := p.Mountpoint
		if mp == "" {
			continue
		}
		if strings.HasPrefix(abs, mp) && len(mp) > bestLen {
			bestLen = len(mp)
			device = p.Device
		}
	}
	if device == "" {
		return filepath.VolumeName(abs) + string(filepath.Separator)
	}
	return device
}

// isRemovable reports whether the directory sits on removable/USB media.
// Direct I/O is disabled there: several USB bridge drivers break the
// alignment contract O_DIRECT relies on. Probe failures (common in
// containers) count as fixed media.
func isRemovable(dir string) bool {
	block, err := ghw.Block()
	if err != nil {
		return false
	}
	device := deviceForPath(dir)
	for _, d := range block.Disks {
		if !d.IsRemovable {
			continue
		}
		for _, p := range d.Partitions {
			if p.Name != "" && strings.Contains(device, p.Name) {
				return true
			}
			if p.MountPoint != "" && strings.HasPrefix(dir, p.MountPoint) {
				return true
			}
		}
	}
	return false
}
