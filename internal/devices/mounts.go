package devices

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

// ErrMountNotFound is returned when a device has no entry in the mount table.
var ErrMountNotFound = errors.New("mount not found")

// partitionsFn is swapped by tests.
var partitionsFn = disk.Partitions

// FindMountForDevice resolves a device node to its mountpoint using the
// kernel mount table. SecureWipe consults it before touching the device.
func FindMountForDevice(devnode string) (string, error) {
	parts, err := partitionsFn(false)
	if err != nil {
		return "", err
	}
	canonical := canonicalDev(devnode)
	for _, p := range parts {
		if canonicalDev(p.Device) == canonical {
			return p.Mountpoint, nil
		}
	}
	return "", ErrMountNotFound
}

// MountUsage reports capacity for a mounted filesystem.
func MountUsage(mountpoint string) (total, free uint64, err error) {
	usage, err := disk.Usage(mountpoint)
	if err != nil {
		return 0, 0, err
	}
	return usage.Total, usage.Free, nil
}

func canonicalDev(devnode string) string {
	if resolved, err := filepath.EvalSymlinks(devnode); err == nil {
		return resolved
	}
	return strings.TrimSuffix(devnode, "/")
}
