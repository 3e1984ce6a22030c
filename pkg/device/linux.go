//go:build linux

package device

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/jaypipes/ghw"

	"github.com/flashpipe/flashpipe/pkg/errors"
)

// rootMountPoints are mount points that mark a disk as hosting the
// running operating system.
var rootMountPoints = map[string]bool{
	"/":         true,
	"/boot":     true,
	"/boot/efi": true,
	"/usr":      true,
	"/var":      true,
}

// LinuxEnumerator lists block devices through ghw and sysfs.
type LinuxEnumerator struct{}

// NewEnumerator creates the Linux device enumerator.
func NewEnumerator() (Enumerator, error) {
	return &LinuxEnumerator{}, nil
}

func (e *LinuxEnumerator) List(ctx context.Context) ([]BlockDevice, error) {
	blockInfo, err := ghw.Block()
	if err != nil {
		slog.Error("block_enumeration_failed", "error", err)
		return nil, errors.Wrap(err, "failed to query block devices")
	}

	devices := make([]BlockDevice, 0, len(blockInfo.Disks))
	for _, disk := range blockInfo.Disks {
		if isVirtualDevice(disk.Name) {
			continue
		}

		// The disk carrying the running OS is excluded outright, not
		// merely flagged: it must never appear as a flash target.
		if hostsRunningOS(disk) {
			slog.Debug("device_skipped_hosts_os", "name", disk.Name)
			continue
		}

		bus := classifyBus(disk.Name, disk.BusPath, disk.StorageController.String())
		removable := classifyRemovable(disk.IsRemovable, bus, disk.Model)

		// System-disk exclusion takes precedence over bus heuristics:
		// anything the OS reports as fixed non-removable storage is
		// protected even if the model string looks like an SD card.
		system := !disk.IsRemovable && fixedBus(bus)

		devices = append(devices, BlockDevice{
			Path:        filepath.Join("/dev", disk.Name),
			Name:        disk.Name,
			SizeBytes:   disk.SizeBytes,
			Model:       disk.Model,
			Bus:         bus,
			IsRemovable: removable && !system,
			IsSystem:    system,
		})
	}

	slog.Info("devices_enumerated", "count", len(devices))
	return devices, nil
}

func hostsRunningOS(disk *ghw.Disk) bool {
	for _, part := range disk.Partitions {
		if rootMountPoints[part.MountPoint] {
			return true
		}
	}
	return false
}

// isVirtualDevice filters kernel devices that are not real disks.
func isVirtualDevice(name string) bool {
	for _, prefix := range []string{"loop", "ram", "zram", "dm-", "sr", "fd", "md"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
