package ubi_format

import (
	"errors"
	"fmt"

	"github.com/AnishMulay/ubidevice/internal/flash"
	"github.com/AnishMulay/ubidevice/internal/log_service"
	"github.com/AnishMulay/ubidevice/internal/ubi_device"
	"github.com/AnishMulay/ubidevice/internal/ubigen"
)

// BlockStatus classifies one eraseblock after a scan.
type BlockStatus int

const (
	BlockEmpty BlockStatus = iota
	BlockOK
	BlockCorrupted
	BlockAlien
	BlockBad
)

func (s BlockStatus) String() string {
	switch s {
	case BlockEmpty:
		return "empty"
	case BlockOK:
		return "ok"
	case BlockCorrupted:
		return "corrupted"
	case BlockAlien:
		return "alien"
	case BlockBad:
		return "bad"
	default:
		return fmt.Sprintf("BlockStatus(%d)", int(s))
	}
}

// ScanInfo is the result of scanning every eraseblock of an MTD device. It
// lives for one format pass.
type ScanInfo struct {
	EbCnt  int
	Status []BlockStatus
	// EC holds the stored erase counter of blocks with status BlockOK.
	EC []uint64

	GoodCnt      int
	BadCnt       int
	AlienCnt     int
	EmptyCnt     int
	CorruptedCnt int
	OkCnt        int
	MeanEC       uint64

	// VidHdrOffs and DataOffs are the offsets found in the EC headers, or
	// -1 when no consistent value was found.
	VidHdrOffs int
	DataOffs   int
}

// Scan reads the EC header of every eraseblock. It fails when the device has
// no good eraseblocks or fewer than the two needed for the volume table.
func Scan(lib flash.MtdLib, dev *flash.MtdDevInfo, f flash.File, ls log_service.LogService) (*ScanInfo, error) {
	si := &ScanInfo{
		EbCnt:      dev.EbCnt,
		Status:     make([]BlockStatus, dev.EbCnt),
		EC:         make([]uint64, dev.EbCnt),
		VidHdrOffs: -1,
		DataOffs:   -1,
	}

	var sum uint64
	offsConflict := false
	hdr := make([]byte, ubigen.ECHdrSize)

	for eb := 0; eb < dev.EbCnt; eb++ {
		bad, err := lib.IsBad(dev, f, eb)
		if err != nil {
			ls.Error(log_service.LogEvent{
				Message:  "Bad block check failed",
				Metadata: map[string]any{"mtd": dev.MtdNum, "eb": eb, "error": err.Error()},
			})
			return nil, ubi_device.Wrap(ubi_device.ErrScanFailed, "mtd%d: eraseblock %d: %v", dev.MtdNum, eb, err)
		}
		if bad {
			si.Status[eb] = BlockBad
			si.BadCnt++
			continue
		}

		if err := lib.Read(dev, f, eb, 0, hdr); err != nil {
			ls.Error(log_service.LogEvent{
				Message:  "Cannot read EC header",
				Metadata: map[string]any{"mtd": dev.MtdNum, "eb": eb, "error": err.Error()},
			})
			return nil, ubi_device.Wrap(ubi_device.ErrScanFailed, "mtd%d: read eraseblock %d: %v", dev.MtdNum, eb, err)
		}

		if ubigen.IsErased(hdr) {
			si.Status[eb] = BlockEmpty
			si.EmptyCnt++
			continue
		}

		ech, err := ubigen.ParseECHeader(hdr)
		switch {
		case err == nil:
		case errors.Is(err, ubigen.ErrBadMagic):
			si.Status[eb] = BlockAlien
			si.AlienCnt++
			continue
		default:
			ls.Debug(log_service.LogEvent{
				Message:  "Corrupted EC header",
				Metadata: map[string]any{"mtd": dev.MtdNum, "eb": eb, "error": err.Error()},
			})
			si.Status[eb] = BlockCorrupted
			si.CorruptedCnt++
			continue
		}

		if ech.EC > ubigen.ECMax {
			ls.Error(log_service.LogEvent{
				Message:  "Erase counter too large",
				Metadata: map[string]any{"mtd": dev.MtdNum, "eb": eb, "ec": ech.EC, "max": ubigen.ECMax},
			})
			return nil, ubi_device.Wrap(ubi_device.ErrScanFailed, "mtd%d: eraseblock %d has erase counter %d", dev.MtdNum, eb, ech.EC)
		}

		if !offsConflict {
			switch {
			case si.VidHdrOffs == -1:
				si.VidHdrOffs = int(ech.VidHdrOffset)
				si.DataOffs = int(ech.DataOffset)
			case si.VidHdrOffs != int(ech.VidHdrOffset) || si.DataOffs != int(ech.DataOffset):
				ls.Warn(log_service.LogEvent{
					Message: "Inconsistent VID header offsets",
					Metadata: map[string]any{
						"mtd": dev.MtdNum, "eb": eb,
						"vidHdrOffs": ech.VidHdrOffset, "expected": si.VidHdrOffs,
					},
				})
				offsConflict = true
				si.VidHdrOffs, si.DataOffs = -1, -1
			}
		}

		si.Status[eb] = BlockOK
		si.EC[eb] = ech.EC
		si.OkCnt++
		sum += ech.EC
	}

	si.GoodCnt = si.EbCnt - si.BadCnt
	if si.OkCnt > 0 {
		si.MeanEC = sum / uint64(si.OkCnt)
	}

	ls.Debug(log_service.LogEvent{
		Message: "Scan finished",
		Metadata: map[string]any{
			"mtd": dev.MtdNum, "good": si.GoodCnt, "bad": si.BadCnt, "ok": si.OkCnt,
			"empty": si.EmptyCnt, "alien": si.AlienCnt, "corrupted": si.CorruptedCnt, "meanEC": si.MeanEC,
		},
	})

	if si.GoodCnt == 0 {
		return nil, ubi_device.Wrap(ubi_device.ErrAllEraseblocksBad, "mtd%d", dev.MtdNum)
	}
	if si.GoodCnt < 2 {
		return nil, ubi_device.Wrap(ubi_device.ErrTooFewGoodEraseblocks, "mtd%d: %d good eraseblock", dev.MtdNum, si.GoodCnt)
	}
	return si, nil
}

// ECOverride decides whether the stored erase counters can be trusted. When
// fewer than half of the good blocks carry a valid counter and the device is
// not blank, every counter is replaced with zero.
func (si *ScanInfo) ECOverride() (override bool, ec uint64, percent int) {
	if si.GoodCnt == 0 || si.EmptyCnt >= si.GoodCnt {
		return false, 0, 0
	}
	percent = si.OkCnt * 100 / si.GoodCnt
	if percent < 50 {
		return true, 0, percent
	}
	return false, 0, percent
}

// NextEC is the erase counter to write to eb after erasing it.
func (si *ScanInfo) NextEC(eb int, override bool, overrideEC uint64) uint64 {
	switch {
	case override:
		return overrideEC
	case si.Status[eb] == BlockOK && si.EC[eb] < ubigen.ECMax:
		return si.EC[eb] + 1
	default:
		return si.MeanEC
	}
}

// markBad records eb as bad in the scan state.
func (si *ScanInfo) markBad(eb int) {
	if si.Status[eb] == BlockOK {
		si.OkCnt--
	}
	si.Status[eb] = BlockBad
	si.BadCnt++
}
