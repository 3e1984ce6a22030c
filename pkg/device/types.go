package device

// BusType is the transport a block device is attached over.
type BusType string

const (
	BusSATA    BusType = "sata"
	BusNVMe    BusType = "nvme"
	BusSD      BusType = "sd"
	BusUSB     BusType = "usb"
	BusSAS     BusType = "sas"
	BusUnknown BusType = "unknown"
)

// BlockDevice describes one attached storage device at enumeration time.
// Instances are recreated on every List call and never cached, because
// removable media state changes behind our back.
type BlockDevice struct {
	// Path is the OS-native device node, e.g. /dev/sdb.
	Path string
	// Name is the kernel device name, e.g. sdb.
	Name string
	// SizeBytes is the raw capacity of the device.
	SizeBytes uint64
	// Model is the device model string as reported by the OS.
	Model string
	// Bus is the detected transport.
	Bus BusType
	// IsRemovable is the final removable classification (OS flag first,
	// then bus type, then model keywords).
	IsRemovable bool
	// IsSystem marks devices that must never be flashed: the disk
	// hosting the running OS, or any non-removable fixed disk.
	IsSystem bool
}
