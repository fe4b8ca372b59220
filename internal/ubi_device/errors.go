package ubi_device

import (
	"errors"
	"fmt"
)

// ErrorCode is the closed set of failures a device operation can report. It implements error so
// that it can be returned directly or wrapped with context; CodeOf recovers it.
type ErrorCode int32

// CodeDeviceNotCreated is reported by the front end when an operation arrives before Init.
const CodeDeviceNotCreated int32 = -1

const (
	// Resolution errors
	ErrMtdTableUnavailable ErrorCode = iota + 1
	ErrMtdNameNotFound

	// Subsystem availability errors
	ErrMtdNotPresent
	ErrCannotOpenLibMtd
	ErrUbiNotPresent
	ErrCannotOpenLibUbi
	ErrCannotOpenDeviceFile

	// Geometry and validation errors
	ErrMtdGetInfo
	ErrMtdGetDevInfo
	ErrMinIOSizeNotPowerOf2
	ErrReadOnlyDevice
	ErrAlreadyAttached

	// Scan errors
	ErrScanFailed
	ErrAllEraseblocksBad
	ErrTooFewGoodEraseblocks

	// Hardware write errors
	ErrEraseFailed
	ErrCannotWriteECHeader
	ErrBadBlocksNotSupported
	ErrMarkBadFailed
	ErrConsecutiveBadBlocks
	ErrNoEraseblocksForVolumeTable
	ErrCreateVolumeTable
	ErrCannotWriteLayoutVolume

	// Capability errors
	ErrCannotGetUbiInfo
	ErrAttachDetachNotSupported

	// Lifecycle errors
	ErrCannotAttach
	ErrMtdNumToUbiDev
	ErrCannotDetach
	ErrNotAttached

	// Lookup errors
	ErrNotAnUbiDeviceNode
	ErrProbeNode
	ErrGetDevInfo
	ErrVolumeNotFound

	// Capacity errors
	ErrNoFreeEraseblocks
	ErrImageTooLarge

	// I/O errors
	ErrMakeVolume
	ErrRemoveVolume
	ErrImageNotFound
	ErrStatImage
	ErrSeekImage
	ErrUpdateStart
	ErrReadImage
	ErrWriteVolume
	ErrMount
	ErrUnmount
)

var errorMessages = map[ErrorCode]string{
	ErrMtdTableUnavailable:         "mtd table is unavailable",
	ErrMtdNameNotFound:             "mtd device name not found",
	ErrMtdNotPresent:               "MTD is not present in the system",
	ErrCannotOpenLibMtd:            "cannot open libmtd",
	ErrUbiNotPresent:               "UBI is not present in the system",
	ErrCannotOpenLibUbi:            "cannot open libubi",
	ErrCannotOpenDeviceFile:        "cannot open device file",
	ErrMtdGetInfo:                  "cannot get MTD information",
	ErrMtdGetDevInfo:               "cannot get MTD device information",
	ErrMinIOSizeNotPowerOf2:        "min. I/O size is not a power of 2",
	ErrReadOnlyDevice:              "MTD device is read-only",
	ErrAlreadyAttached:             "MTD device is already attached to UBI, detach first",
	ErrScanFailed:                  "eraseblock scan failed",
	ErrAllEraseblocksBad:           "all eraseblocks are bad",
	ErrTooFewGoodEraseblocks:       "too few good eraseblocks",
	ErrEraseFailed:                 "failed to erase eraseblock",
	ErrCannotWriteECHeader:         "cannot write EC header, possible wrong sub-page size",
	ErrBadBlocksNotSupported:       "bad blocks not supported by this flash",
	ErrMarkBadFailed:               "failed to mark eraseblock bad",
	ErrConsecutiveBadBlocks:        "consecutive bad blocks exceed limit",
	ErrNoEraseblocksForVolumeTable: "no eraseblocks for volume table",
	ErrCreateVolumeTable:           "cannot create empty volume table",
	ErrCannotWriteLayoutVolume:     "cannot write layout volume",
	ErrCannotGetUbiInfo:            "cannot get UBI information",
	ErrAttachDetachNotSupported:    "attach/detach not supported by this kernel",
	ErrCannotAttach:                "cannot attach MTD device",
	ErrMtdNumToUbiDev:              "cannot map MTD number to UBI device",
	ErrCannotDetach:                "cannot detach MTD device",
	ErrNotAttached:                 "device is not attached",
	ErrNotAnUbiDeviceNode:          "not an UBI device node",
	ErrProbeNode:                   "cannot probe UBI node",
	ErrGetDevInfo:                  "cannot get UBI device information",
	ErrVolumeNotFound:              "volume not found",
	ErrNoFreeEraseblocks:           "UBI device has no free logical eraseblocks",
	ErrImageTooLarge:               "image will not fit the volume",
	ErrMakeVolume:                  "cannot create volume",
	ErrRemoveVolume:                "cannot remove volume",
	ErrImageNotFound:               "image file does not exist",
	ErrStatImage:                   "cannot stat image file",
	ErrSeekImage:                   "cannot seek image file",
	ErrUpdateStart:                 "cannot start volume update",
	ErrReadImage:                   "cannot read image file",
	ErrWriteVolume:                 "cannot write to volume",
	ErrMount:                       "mount failed",
	ErrUnmount:                     "umount failed",
}

func (c ErrorCode) Error() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return fmt.Sprintf("ubi device error %d", int32(c))
}

// Code flattens the enumeration for the RPC boundary.
func (c ErrorCode) Code() int32 {
	return int32(c)
}

// CodeOf extracts the ErrorCode carried by err, if any.
func CodeOf(err error) (ErrorCode, bool) {
	var code ErrorCode
	if errors.As(err, &code) {
		return code, true
	}
	return 0, false
}

// Wrap attaches context to code while keeping it recoverable through CodeOf and errors.Is.
func Wrap(code ErrorCode, format string, args ...any) error {
	return fmt.Errorf("%w: %s", code, fmt.Sprintf(format, args...))
}
