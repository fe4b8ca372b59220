// Package ubigen builds the UBI on-flash structures written by the format
// engine: erase counter headers, volume identifier headers, the volume table
// and the layout volume holding it.
package ubigen

import (
	"errors"
	"fmt"
	"hash/crc32"

	"golang.org/x/exp/constraints"
)

const (
	ECHdrMagic  uint32 = 0x55424923 // "UBI#"
	VIDHdrMagic uint32 = 0x55424921 // "UBI!"

	ECHdrSize  = 64
	VIDHdrSize = 64

	// ECMax is the largest erase counter UBI accepts.
	ECMax uint64 = 0x7FFFFFFF

	Version = 1

	VtblRecordSize = 172
	MaxVolumes     = 128

	LayoutVolumeID     uint32 = 0x7FFFEFFF
	LayoutVolumeEBs           = 2
	LayoutVolumeAlign         = 1
	LayoutVolumeCompat        = CompatReject
)

// VID header volume types.
const (
	VIDDynamic uint8 = 1
	VIDStatic  uint8 = 2
)

// Compatibility flags for internal volumes.
const (
	CompatDelete   uint8 = 1
	CompatRO       uint8 = 2
	CompatPreserve uint8 = 4
	CompatReject   uint8 = 5
)

var (
	ErrInvalidGeometry = errors.New("invalid UBI geometry")
	ErrBadMagic        = errors.New("bad header magic")
	ErrBadCRC          = errors.New("bad header CRC")
	ErrShortBuffer     = errors.New("buffer too short")
)

// CRC32 is the checksum used by every UBI structure: CRC-32 (IEEE) seeded
// with all ones and without the final inversion.
func CRC32(p []byte) uint32 {
	return ^crc32.ChecksumIEEE(p)
}

func alignUp[T constraints.Integer](x, a T) T {
	if a == 0 {
		return x
	}
	return (x + a - 1) / a * a
}

// Info is the geometry of a UBI image on one flash device.
type Info struct {
	PebSize     int
	MinIOSize   int
	LebSize     int
	VidHdrOffs  int
	DataOffs    int
	UbiVersion  int
	ImageSeq    uint32
	MaxVolumes  int
	VtblSize    int
	SubpageSize int
}

// NewInfo computes the geometry. When vidHdrOffs is zero the VID header is
// placed on the first sub-page boundary after the EC header.
func NewInfo(pebSize, minIOSize, subpageSize, vidHdrOffs, ubiVer int, imageSeq uint32) (*Info, error) {
	if pebSize <= 0 || minIOSize <= 0 {
		return nil, fmt.Errorf("%w: peb=%d min_io=%d", ErrInvalidGeometry, pebSize, minIOSize)
	}
	if subpageSize == 0 {
		subpageSize = minIOSize
	}

	ui := &Info{
		PebSize:     pebSize,
		MinIOSize:   minIOSize,
		SubpageSize: subpageSize,
		UbiVersion:  ubiVer,
		ImageSeq:    imageSeq,
		VidHdrOffs:  vidHdrOffs,
	}
	if ui.VidHdrOffs == 0 {
		ui.VidHdrOffs = alignUp(ECHdrSize, subpageSize)
	}
	ui.DataOffs = alignUp(ui.VidHdrOffs+VIDHdrSize, minIOSize)
	ui.LebSize = pebSize - ui.DataOffs
	if ui.LebSize <= 0 {
		return nil, fmt.Errorf("%w: data offset %d beyond peb size %d", ErrInvalidGeometry, ui.DataOffs, pebSize)
	}

	ui.MaxVolumes = min(ui.LebSize/VtblRecordSize, MaxVolumes)
	ui.VtblSize = ui.MaxVolumes * VtblRecordSize
	return ui, nil
}

// HeaderWriteSize is how many bytes are programmed when writing a lone EC
// header on a device with the given sub-page size.
func HeaderWriteSize(subpageSize int) int {
	return alignUp(ECHdrSize, subpageSize)
}
