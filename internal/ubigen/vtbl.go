package ubigen

import (
	"fmt"
)

const vtblNameMax = 127

// VtblRecord is one slot of the volume table. An all-zero record with a
// valid CRC marks an unused slot.
type VtblRecord struct {
	ReservedPEBs uint32
	Alignment    uint32
	DataPad      uint32
	VolType      uint8
	UpdMarker    uint8
	Name         string
	Flags        uint8
}

// Empty reports whether the slot is unused.
func (r VtblRecord) Empty() bool {
	return r.ReservedPEBs == 0
}

// MarshalTo encodes the record into the first VtblRecordSize bytes of p.
func (r VtblRecord) MarshalTo(p []byte) error {
	if len(p) < VtblRecordSize {
		return ErrShortBuffer
	}
	if len(r.Name) > vtblNameMax {
		return fmt.Errorf("volume name %q longer than %d bytes", r.Name, vtblNameMax)
	}
	b := p[:VtblRecordSize]
	clear(b)
	be.PutUint32(b[0:], r.ReservedPEBs)
	be.PutUint32(b[4:], r.Alignment)
	be.PutUint32(b[8:], r.DataPad)
	b[12] = r.VolType
	b[13] = r.UpdMarker
	be.PutUint16(b[14:], uint16(len(r.Name)))
	copy(b[16:144], r.Name)
	b[144] = r.Flags
	be.PutUint32(b[168:], CRC32(b[:168]))
	return nil
}

// ParseVtblRecord decodes and verifies one record.
func ParseVtblRecord(p []byte) (VtblRecord, error) {
	if len(p) < VtblRecordSize {
		return VtblRecord{}, ErrShortBuffer
	}
	if crc, want := CRC32(p[:168]), be.Uint32(p[168:]); crc != want {
		return VtblRecord{}, fmt.Errorf("%w: got %#08x want %#08x", ErrBadCRC, crc, want)
	}
	nameLen := int(be.Uint16(p[14:]))
	if nameLen > vtblNameMax {
		return VtblRecord{}, fmt.Errorf("volume name length %d out of range", nameLen)
	}
	return VtblRecord{
		ReservedPEBs: be.Uint32(p[0:]),
		Alignment:    be.Uint32(p[4:]),
		DataPad:      be.Uint32(p[8:]),
		VolType:      p[12],
		UpdMarker:    p[13],
		Name:         string(p[16 : 16+nameLen]),
		Flags:        p[144],
	}, nil
}

// EmptyVtbl returns a volume table with every slot unused.
func (ui *Info) EmptyVtbl() ([]byte, error) {
	if ui.MaxVolumes <= 0 {
		return nil, fmt.Errorf("%w: LEB too small for a volume table", ErrInvalidGeometry)
	}
	vtbl := make([]byte, ui.VtblSize)
	for i := 0; i < ui.MaxVolumes; i++ {
		if err := (VtblRecord{}).MarshalTo(vtbl[i*VtblRecordSize:]); err != nil {
			return nil, err
		}
	}
	return vtbl, nil
}

// ParseVtbl decodes every slot of a volume table.
func ParseVtbl(vtbl []byte) ([]VtblRecord, error) {
	n := len(vtbl) / VtblRecordSize
	recs := make([]VtblRecord, n)
	for i := range recs {
		r, err := ParseVtblRecord(vtbl[i*VtblRecordSize:])
		if err != nil {
			return nil, fmt.Errorf("vtbl record %d: %w", i, err)
		}
		recs[i] = r
	}
	return recs, nil
}
