// Package ubi_device defines the lifecycle and volume operations on an MTD partition attached to UBI.
//
// An UbiDevice is bound to exactly one MTD partition. It starts detached, Attach binds the partition
// to UBI and records the UBI device node (e.g. /dev/ubi0), Detach unbinds it. Volume operations
// require the attached state. Implementations hold no locks: callers serialize operations on one device.
package ubi_device

// UBIFS geometry the images flashed into volumes are built for.
const (
	UbifsMinimumIOUnitSize             = 4096
	UbifsLogicalEraseBlockSize         = 253952
	UbifsMaximumLogicalEraseBlockCount = 924
)

type UbiDevice interface {
	// MtdNum returns the MTD partition number the device is bound to.
	MtdNum() int

	// IsAttached reports whether the partition is currently attached to UBI.
	IsAttached() bool

	// DevicePath returns the UBI device node. Empty while detached.
	DevicePath() string

	// Format writes erase counter headers and an empty volume table to the partition.
	// The partition must not be attached.
	Format() error

	Attach() error
	Detach() error

	// MakeVolume creates a dynamic volume. A size of 0 reserves all available bytes.
	MakeVolume(volName string, sizeInBytes int64) error

	// RemoveVolume removes the named volume. printErrors=false suppresses ERROR logs only;
	// the returned error is the same.
	RemoveVolume(volName string, printErrors bool) error

	// UpdateVolume streams an image into the named volume, skipping skipBytes leading bytes of the
	// image. A size of 0 means the rest of the file.
	UpdateVolume(volName string, imagePath string, skipBytes int64, size int64) error

	// GetVolumeBlockPath resolves a volume name to its node, e.g. /dev/ubi0_1.
	GetVolumeBlockPath(volName string) (string, error)

	MountVolume(volName string, targetDir string) error
	UnmountVolume(targetDir string) error

	// Close detaches an attached device. Failures are logged, never returned.
	Close()
}
