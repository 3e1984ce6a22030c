// Package device enumerates attached block storage and classifies each
// device as system or removable. It is a read-only query layer: nothing
// here opens a device for writing.
package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/flashpipe/flashpipe/pkg/errors"
)

// Enumerator lists attached block devices. One implementation per
// operating system, selected at build time.
type Enumerator interface {
	// List returns a fresh snapshot of attached devices. The device
	// hosting the running OS is never included.
	List(ctx context.Context) ([]BlockDevice, error)
}

// FindByPath re-enumerates and returns the device at path. It is the
// precondition re-check used right before a destructive write: a device
// selected minutes earlier may have been unplugged since.
func FindByPath(ctx context.Context, enum Enumerator, path string) (BlockDevice, error) {
	devices, err := enum.List(ctx)
	if err != nil {
		return BlockDevice{}, errors.Wrap(err, "enumeration failed")
	}
	for _, d := range devices {
		if d.Path == path {
			return d, nil
		}
	}
	return BlockDevice{}, fmt.Errorf("%w: %s", errors.ErrDeviceRemoved, path)
}

// classifyBus maps kernel naming and sysfs bus path onto a BusType.
// The bus path wins for USB because USB-attached disks still show up as
// sd* SCSI devices.
func classifyBus(name, busPath, controller string) BusType {
	busPath = strings.ToLower(busPath)
	switch {
	case strings.Contains(busPath, "usb"):
		return BusUSB
	case strings.Contains(busPath, "sas"):
		return BusSAS
	}

	switch strings.ToLower(controller) {
	case "nvme":
		return BusNVMe
	case "mmc":
		return BusSD
	}

	switch {
	case strings.HasPrefix(name, "nvme"):
		return BusNVMe
	case strings.HasPrefix(name, "mmcblk"):
		return BusSD
	case strings.HasPrefix(name, "sd"), strings.HasPrefix(name, "hd"):
		return BusSATA
	}
	return BusUnknown
}

// fixedBus reports whether the bus type implies fixed internal storage.
func fixedBus(bus BusType) bool {
	switch bus {
	case BusNVMe, BusSATA, BusSAS:
		return true
	}
	return false
}

// classifyRemovable applies the heuristic order from the enumeration
// contract: the OS removable flag is authoritative, then the bus type,
// then model keywords for ambiguous buses.
func classifyRemovable(osRemovable bool, bus BusType, model string) bool {
	if osRemovable {
		return true
	}
	switch bus {
	case BusNVMe, BusSATA, BusSAS:
		return false
	case BusSD, BusUSB:
		return true
	}
	return modelLooksRemovable(model)
}

// modelLooksRemovable is the last-resort keyword match for devices whose
// bus type could not be determined.
func modelLooksRemovable(model string) bool {
	m := strings.ToLower(model)
	if strings.Contains(m, "ssd") {
		return false
	}
	return strings.Contains(m, "sd") || strings.Contains(m, "flash")
}
