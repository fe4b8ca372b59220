package ubigen

import (
	"encoding/binary"
	"fmt"
)

var be = binary.BigEndian

// ECHeader is the erase counter header at offset zero of every PEB.
type ECHeader struct {
	Version      uint8
	EC           uint64
	VidHdrOffset uint32
	DataOffset   uint32
	ImageSeq     uint32
}

// NewECHeader fills an EC header for ui.
func (ui *Info) NewECHeader(ec uint64) ECHeader {
	return ECHeader{
		Version:      uint8(ui.UbiVersion),
		EC:           ec,
		VidHdrOffset: uint32(ui.VidHdrOffs),
		DataOffset:   uint32(ui.DataOffs),
		ImageSeq:     ui.ImageSeq,
	}
}

// MarshalTo encodes the header into the first ECHdrSize bytes of p.
func (h ECHeader) MarshalTo(p []byte) error {
	if len(p) < ECHdrSize {
		return ErrShortBuffer
	}
	b := p[:ECHdrSize]
	clear(b)
	be.PutUint32(b[0:], ECHdrMagic)
	b[4] = h.Version
	be.PutUint64(b[8:], h.EC)
	be.PutUint32(b[16:], h.VidHdrOffset)
	be.PutUint32(b[20:], h.DataOffset)
	be.PutUint32(b[24:], h.ImageSeq)
	be.PutUint32(b[60:], CRC32(b[:60]))
	return nil
}

// ParseECHeader decodes and verifies an EC header.
func ParseECHeader(p []byte) (ECHeader, error) {
	if len(p) < ECHdrSize {
		return ECHeader{}, ErrShortBuffer
	}
	if m := be.Uint32(p[0:]); m != ECHdrMagic {
		return ECHeader{}, fmt.Errorf("%w: %#08x", ErrBadMagic, m)
	}
	if crc, want := CRC32(p[:60]), be.Uint32(p[60:]); crc != want {
		return ECHeader{}, fmt.Errorf("%w: got %#08x want %#08x", ErrBadCRC, crc, want)
	}
	return ECHeader{
		Version:      p[4],
		EC:           be.Uint64(p[8:]),
		VidHdrOffset: be.Uint32(p[16:]),
		DataOffset:   be.Uint32(p[20:]),
		ImageSeq:     be.Uint32(p[24:]),
	}, nil
}

// VIDHeader is the volume identifier header of a mapped PEB.
type VIDHeader struct {
	Version  uint8
	VolType  uint8
	CopyFlag uint8
	Compat   uint8
	VolID    uint32
	Lnum     uint32
	DataSize uint32
	UsedEBs  uint32
	DataPad  uint32
	DataCRC  uint32
	Sqnum    uint64
}

// MarshalTo encodes the header into the first VIDHdrSize bytes of p.
func (h VIDHeader) MarshalTo(p []byte) error {
	if len(p) < VIDHdrSize {
		return ErrShortBuffer
	}
	b := p[:VIDHdrSize]
	clear(b)
	be.PutUint32(b[0:], VIDHdrMagic)
	b[4] = h.Version
	b[5] = h.VolType
	b[6] = h.CopyFlag
	b[7] = h.Compat
	be.PutUint32(b[8:], h.VolID)
	be.PutUint32(b[12:], h.Lnum)
	be.PutUint32(b[20:], h.DataSize)
	be.PutUint32(b[24:], h.UsedEBs)
	be.PutUint32(b[28:], h.DataPad)
	be.PutUint32(b[32:], h.DataCRC)
	be.PutUint64(b[40:], h.Sqnum)
	be.PutUint32(b[60:], CRC32(b[:60]))
	return nil
}

// ParseVIDHeader decodes and verifies a VID header.
func ParseVIDHeader(p []byte) (VIDHeader, error) {
	if len(p) < VIDHdrSize {
		return VIDHeader{}, ErrShortBuffer
	}
	if m := be.Uint32(p[0:]); m != VIDHdrMagic {
		return VIDHeader{}, fmt.Errorf("%w: %#08x", ErrBadMagic, m)
	}
	if crc, want := CRC32(p[:60]), be.Uint32(p[60:]); crc != want {
		return VIDHeader{}, fmt.Errorf("%w: got %#08x want %#08x", ErrBadCRC, crc, want)
	}
	return VIDHeader{
		Version:  p[4],
		VolType:  p[5],
		CopyFlag: p[6],
		Compat:   p[7],
		VolID:    be.Uint32(p[8:]),
		Lnum:     be.Uint32(p[12:]),
		DataSize: be.Uint32(p[20:]),
		UsedEBs:  be.Uint32(p[24:]),
		DataPad:  be.Uint32(p[28:]),
		DataCRC:  be.Uint32(p[32:]),
		Sqnum:    be.Uint64(p[40:]),
	}, nil
}

// IsErased reports whether p reads back as erased flash.
func IsErased(p []byte) bool {
	for _, c := range p {
		if c != 0xFF {
			return false
		}
	}
	return true
}
