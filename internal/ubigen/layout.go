package ubigen

import (
	"fmt"
	"io"
)

// LayoutBlock builds the full contents of one layout volume PEB: EC header,
// VID header for logical block lnum and the volume table, padded with 0xFF.
func (ui *Info) LayoutBlock(ec uint64, lnum int, vtbl []byte) ([]byte, error) {
	if len(vtbl) > ui.LebSize {
		return nil, fmt.Errorf("%w: vtbl of %d bytes does not fit LEB of %d", ErrInvalidGeometry, len(vtbl), ui.LebSize)
	}

	buf := make([]byte, ui.PebSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	if err := ui.NewECHeader(ec).MarshalTo(buf); err != nil {
		return nil, err
	}

	vid := VIDHeader{
		Version: uint8(ui.UbiVersion),
		VolType: VIDDynamic,
		Compat:  LayoutVolumeCompat,
		VolID:   LayoutVolumeID,
		Lnum:    uint32(lnum),
		DataPad: uint32(ui.LebSize % LayoutVolumeAlign),
	}
	if err := vid.MarshalTo(buf[ui.VidHdrOffs:]); err != nil {
		return nil, err
	}
	copy(buf[ui.DataOffs:], vtbl)
	return buf, nil
}

// WriteLayoutVolume writes both copies of the layout volume: logical block 0
// goes to peb1 and logical block 1 to peb2.
func (ui *Info) WriteLayoutVolume(w io.WriterAt, peb1, peb2 int, ec1, ec2 uint64, vtbl []byte) error {
	for lnum, b := range []struct {
		peb int
		ec  uint64
	}{{peb1, ec1}, {peb2, ec2}} {
		buf, err := ui.LayoutBlock(b.ec, lnum, vtbl)
		if err != nil {
			return err
		}
		if _, err := w.WriteAt(buf, int64(b.peb)*int64(ui.PebSize)); err != nil {
			return fmt.Errorf("write layout volume to PEB %d: %w", b.peb, err)
		}
	}
	return nil
}
