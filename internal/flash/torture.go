package flash

import (
	"bytes"
	"fmt"
)

var torturePatterns = []byte{0xA5, 0x5A, 0x00}

// TortureBlock stress-tests one eraseblock: for every pattern it erases the
// block, checks it reads back as all 0xFF, fills it with the pattern and
// checks the pattern reads back. Any mismatch is reported as ErrVerifyFailed.
func TortureBlock(lib MtdLib, dev *MtdDevInfo, f File, eb int) error {
	buf := make([]byte, dev.EbSize)
	patt := make([]byte, dev.EbSize)

	for _, p := range torturePatterns {
		if err := lib.Erase(dev, f, eb); err != nil {
			return err
		}
		if err := lib.Read(dev, f, eb, 0, buf); err != nil {
			return err
		}
		if !allBytes(buf, 0xFF) {
			return fmt.Errorf("%w: eb %d not 0xFF after erase", ErrVerifyFailed, eb)
		}

		fillBytes(patt, p)
		if err := lib.Write(dev, f, eb, 0, patt); err != nil {
			return err
		}
		if err := lib.Read(dev, f, eb, 0, buf); err != nil {
			return err
		}
		if !bytes.Equal(buf, patt) {
			return fmt.Errorf("%w: eb %d pattern %#02x mismatch", ErrVerifyFailed, eb, p)
		}
	}
	return nil
}

func allBytes(b []byte, v byte) bool {
	for _, c := range b {
		if c != v {
			return false
		}
	}
	return true
}

func fillBytes(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
