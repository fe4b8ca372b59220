// Package ubi_format turns a raw MTD device into an empty UBI device: it
// scans the eraseblocks, erases them while preserving erase counters, writes
// EC headers and places the layout volume on the first two usable blocks.
package ubi_format

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"

	"github.com/AnishMulay/ubidevice/internal/flash"
	"github.com/AnishMulay/ubidevice/internal/log_service"
	"github.com/AnishMulay/ubidevice/internal/ubi_device"
	"github.com/AnishMulay/ubidevice/internal/ubigen"
)

// MaxConsecutiveBadBlocks is how many adjacent eraseblocks may go bad during
// one format before the flash is considered dying.
const MaxConsecutiveBadBlocks = 4

type Options struct {
	// StartEraseblock is the first eraseblock touched by the format.
	StartEraseblock int
	// SubpageSize overrides the sub-page size reported by the flash when
	// non-zero.
	SubpageSize  int
	VidHdrOffset int
	UbiVersion   int
	ImageSeq     uint32
}

func DefaultOptions() Options {
	return Options{UbiVersion: ubigen.Version}
}

type Engine struct {
	provider flash.Provider
	devRoot  string
	ls       log_service.LogService
	opts     Options
}

func NewEngine(p flash.Provider, devRoot string, opts Options, ls log_service.LogService) *Engine {
	if opts.UbiVersion == 0 {
		opts.UbiVersion = ubigen.Version
	}
	return &Engine{provider: p, devRoot: devRoot, ls: ls, opts: opts}
}

// Format formats MTD device mtdNum. The device must not be attached to UBI.
func (e *Engine) Format(mtdNum int) (err error) {
	scope := flash.NewScope(e.provider)
	defer func() {
		if cerr := scope.Close(); cerr != nil {
			e.ls.Warn(log_service.LogEvent{
				Message:  "Failed to release flash handles",
				Metadata: map[string]any{"mtd": mtdNum, "error": cerr.Error()},
			})
		}
	}()

	mtdLib, err := scope.MtdLib()
	if err != nil {
		return e.libError(mtdNum, err, flash.ErrMtdNotPresent, ubi_device.ErrMtdNotPresent, ubi_device.ErrCannotOpenLibMtd)
	}

	mtdInfo, err := mtdLib.GetInfo()
	if err != nil {
		e.logError("Cannot get MTD information", mtdNum, err)
		return ubi_device.Wrap(ubi_device.ErrMtdGetInfo, "%v", err)
	}

	node := filepath.Join(e.devRoot, fmt.Sprintf("mtd%d", mtdNum))
	dev, err := mtdLib.GetDevInfo(mtdNum)
	if err != nil {
		e.logError("Cannot get MTD device information", mtdNum, err)
		return ubi_device.Wrap(ubi_device.ErrMtdGetDevInfo, "%s: %v", node, err)
	}

	if dev.MinIOSize <= 0 || bits.OnesCount(uint(dev.MinIOSize)) != 1 {
		e.ls.Error(log_service.LogEvent{
			Message:  "Min I/O size is not a power of 2",
			Metadata: map[string]any{"mtd": mtdNum, "minIOSize": dev.MinIOSize},
		})
		return ubi_device.Wrap(ubi_device.ErrMinIOSizeNotPowerOf2, "mtd%d: %d", mtdNum, dev.MinIOSize)
	}

	if !mtdInfo.SysfsSupported {
		e.ls.Warn(log_service.LogEvent{
			Message:  "Your MTD system is old and it is impossible to detect sub-page size",
			Metadata: map[string]any{"mtd": mtdNum, "subpageSize": dev.SubpageSize},
		})
	}

	if !dev.Writable {
		e.ls.Error(log_service.LogEvent{
			Message:  "MTD device is read-only",
			Metadata: map[string]any{"mtd": mtdNum, "node": node},
		})
		return ubi_device.Wrap(ubi_device.ErrReadOnlyDevice, "%s", node)
	}

	f, err := scope.File(node, os.O_RDWR)
	if err != nil {
		e.logError("Cannot open MTD device node", mtdNum, err)
		return ubi_device.Wrap(ubi_device.ErrCannotOpenDeviceFile, "%s: %v", node, err)
	}

	ubiLib, err := scope.UbiLib()
	if err != nil {
		return e.libError(mtdNum, err, flash.ErrUbiNotPresent, ubi_device.ErrUbiNotPresent, ubi_device.ErrCannotOpenLibUbi)
	}
	if ubiNum, err := ubiLib.MtdNumToUbiDev(mtdNum); err == nil {
		e.ls.Error(log_service.LogEvent{
			Message:  "Please, first detach mtd device from ubi device",
			Metadata: map[string]any{"mtd": mtdNum, "ubi": ubiNum},
		})
		return ubi_device.Wrap(ubi_device.ErrAlreadyAttached, "mtd%d is attached to ubi%d", mtdNum, ubiNum)
	}

	e.ls.Info(log_service.LogEvent{
		Message: "Formatting MTD device",
		Metadata: map[string]any{
			"mtd": mtdNum, "name": dev.Name, "ebCnt": dev.EbCnt, "ebSize": dev.EbSize,
			"minIOSize": dev.MinIOSize, "subpageSize": dev.SubpageSize,
		},
	})

	si, err := Scan(mtdLib, &dev, f, e.ls)
	if err != nil {
		return err
	}

	if si.AlienCnt > 0 {
		e.ls.Warn(log_service.LogEvent{
			Message:  "Eraseblocks contain non-UBI data",
			Metadata: map[string]any{"mtd": mtdNum, "alien": si.AlienCnt},
		})
	}

	override, overrideEC, percent := si.ECOverride()
	if override {
		e.ls.Warn(log_service.LogEvent{
			Message: "Too few eraseblocks have a valid erase counter, erase counter 0 will be used for all eraseblocks",
			Metadata: map[string]any{
				"mtd": mtdNum, "ok": si.OkCnt, "good": si.GoodCnt, "percent": percent,
			},
		})
	}

	subpage := e.opts.SubpageSize
	if subpage == 0 {
		subpage = dev.SubpageSize
	}
	ui, err := ubigen.NewInfo(dev.EbSize, dev.MinIOSize, subpage, e.opts.VidHdrOffset, e.opts.UbiVersion, e.opts.ImageSeq)
	if err != nil {
		e.logError("Invalid UBI geometry", mtdNum, err)
		return ubi_device.Wrap(ubi_device.ErrCreateVolumeTable, "%v", err)
	}

	if si.VidHdrOffs != -1 && ui.VidHdrOffs != si.VidHdrOffs {
		e.ls.Warn(log_service.LogEvent{
			Message: "VID header offset on flash differs from the computed one, using the one on flash",
			Metadata: map[string]any{
				"mtd": mtdNum, "onFlash": si.VidHdrOffs, "computed": ui.VidHdrOffs,
			},
		})
		ui, err = ubigen.NewInfo(dev.EbSize, dev.MinIOSize, 0, si.VidHdrOffs, e.opts.UbiVersion, e.opts.ImageSeq)
		if err != nil {
			e.logError("Invalid UBI geometry", mtdNum, err)
			return ubi_device.Wrap(ubi_device.ErrCreateVolumeTable, "%v", err)
		}
	}

	run := &formatRun{
		e:          e,
		lib:        mtdLib,
		dev:        &dev,
		f:          f,
		si:         si,
		ui:         ui,
		override:   override,
		overrideEC: overrideEC,
		streak:     newBadBlockStreak(),
	}
	if err := run.exec(); err != nil {
		return err
	}

	e.ls.Info(log_service.LogEvent{
		Message:  "Formatted MTD device",
		Metadata: map[string]any{"mtd": mtdNum, "bad": si.BadCnt, "vidHdrOffs": ui.VidHdrOffs, "dataOffs": ui.DataOffs},
	})
	return nil
}

func (e *Engine) libError(mtdNum int, err, notPresent error, notPresentCode, openCode ubi_device.ErrorCode) error {
	code := openCode
	if errors.Is(err, notPresent) {
		code = notPresentCode
	}
	e.logError(code.Error(), mtdNum, err)
	return ubi_device.Wrap(code, "%v", err)
}

func (e *Engine) logError(msg string, mtdNum int, err error) {
	e.ls.Error(log_service.LogEvent{
		Message:  msg,
		Metadata: map[string]any{"mtd": mtdNum, "error": err.Error()},
	})
}

// formatRun is the state of one pass over the eraseblocks.
type formatRun struct {
	e          *Engine
	lib        flash.MtdLib
	dev        *flash.MtdDevInfo
	f          flash.File
	si         *ScanInfo
	ui         *ubigen.Info
	override   bool
	overrideEC uint64
	streak     *badBlockStreak
}

func (r *formatRun) exec() error {
	ls := r.e.ls
	mtdNum := r.dev.MtdNum

	writeSize := ubigen.HeaderWriteSize(r.dev.SubpageSize)
	hdr := make([]byte, writeSize)

	eb1, eb2 := -1, -1
	var ec1, ec2 uint64

	for eb := r.e.opts.StartEraseblock; eb < r.si.EbCnt; eb++ {
		if r.si.Status[eb] == BlockBad {
			continue
		}

		ec := r.si.NextEC(eb, r.override, r.overrideEC)

		if err := r.lib.Erase(r.dev, r.f, eb); err != nil {
			ls.Warn(log_service.LogEvent{
				Message:  "Failed to erase eraseblock",
				Metadata: map[string]any{"mtd": mtdNum, "eb": eb, "error": err.Error()},
			})
			if !flash.IsIOError(err) {
				return ubi_device.Wrap(ubi_device.ErrEraseFailed, "mtd%d: eraseblock %d: %v", mtdNum, eb, err)
			}
			if err := r.markBad(eb); err != nil {
				return err
			}
			continue
		}

		if eb1 == -1 || eb2 == -1 {
			if eb1 == -1 {
				eb1, ec1 = eb, ec
			} else {
				eb2, ec2 = eb, ec
			}
			ls.Debug(log_service.LogEvent{
				Message:  "Eraseblock reserved for the volume table",
				Metadata: map[string]any{"mtd": mtdNum, "eb": eb, "ec": ec},
			})
			continue
		}

		for i := range hdr {
			hdr[i] = 0xFF
		}
		if err := r.ui.NewECHeader(ec).MarshalTo(hdr); err != nil {
			return ubi_device.Wrap(ubi_device.ErrCannotWriteECHeader, "mtd%d: eraseblock %d: %v", mtdNum, eb, err)
		}

		if err := r.lib.Write(r.dev, r.f, eb, 0, hdr); err != nil {
			ls.Warn(log_service.LogEvent{
				Message:  "Cannot write EC header",
				Metadata: map[string]any{"mtd": mtdNum, "eb": eb, "writeSize": writeSize, "error": err.Error()},
			})
			if !flash.IsIOError(err) && r.e.opts.SubpageSize != r.dev.MinIOSize {
				ls.Error(log_service.LogEvent{
					Message: "May be sub-page size is incorrect",
					Metadata: map[string]any{
						"mtd": mtdNum, "eb": eb, "subpageSize": r.e.opts.SubpageSize, "minIOSize": r.dev.MinIOSize,
					},
				})
				return ubi_device.Wrap(ubi_device.ErrCannotWriteECHeader, "mtd%d: eraseblock %d: %v", mtdNum, eb, err)
			}

			if terr := r.lib.Torture(r.dev, r.f, eb); terr != nil {
				ls.Warn(log_service.LogEvent{
					Message:  "Torture test failed",
					Metadata: map[string]any{"mtd": mtdNum, "eb": eb, "error": terr.Error()},
				})
				if err := r.markBad(eb); err != nil {
					return err
				}
			}
			continue
		}
	}

	if eb1 == -1 || eb2 == -1 {
		ls.Error(log_service.LogEvent{
			Message:  "No eraseblocks for volume table",
			Metadata: map[string]any{"mtd": mtdNum, "eb1": eb1, "eb2": eb2},
		})
		return ubi_device.Wrap(ubi_device.ErrNoEraseblocksForVolumeTable, "mtd%d", mtdNum)
	}

	ls.Info(log_service.LogEvent{
		Message:  "Writing volume table",
		Metadata: map[string]any{"mtd": mtdNum, "eb1": eb1, "eb2": eb2},
	})

	vtbl, err := r.ui.EmptyVtbl()
	if err != nil {
		ls.Error(log_service.LogEvent{
			Message:  "Cannot create empty volume table",
			Metadata: map[string]any{"mtd": mtdNum, "error": err.Error()},
		})
		return ubi_device.Wrap(ubi_device.ErrCreateVolumeTable, "mtd%d: %v", mtdNum, err)
	}

	if err := r.ui.WriteLayoutVolume(r.f, eb1, eb2, ec1, ec2, vtbl); err != nil {
		ls.Error(log_service.LogEvent{
			Message:  "Cannot write layout volume",
			Metadata: map[string]any{"mtd": mtdNum, "eb1": eb1, "eb2": eb2, "error": err.Error()},
		})
		return ubi_device.Wrap(ubi_device.ErrCannotWriteLayoutVolume, "mtd%d: %v", mtdNum, err)
	}
	return nil
}

// markBad marks eb bad on the flash and in the scan state, then checks the
// streak of adjacent bad blocks.
func (r *formatRun) markBad(eb int) error {
	mtdNum := r.dev.MtdNum
	if !r.dev.BBAllowed {
		r.e.ls.Error(log_service.LogEvent{
			Message:  "Bad blocks not supported by this flash",
			Metadata: map[string]any{"mtd": mtdNum, "eb": eb},
		})
		return ubi_device.Wrap(ubi_device.ErrBadBlocksNotSupported, "mtd%d: eraseblock %d", mtdNum, eb)
	}

	if err := r.lib.MarkBad(r.dev, r.f, eb); err != nil {
		r.e.ls.Error(log_service.LogEvent{
			Message:  "Failed to mark eraseblock as bad",
			Metadata: map[string]any{"mtd": mtdNum, "eb": eb, "error": err.Error()},
		})
		return ubi_device.Wrap(ubi_device.ErrMarkBadFailed, "mtd%d: eraseblock %d: %v", mtdNum, eb, err)
	}
	r.si.markBad(eb)

	r.e.ls.Warn(log_service.LogEvent{
		Message:  "Marked eraseblock as bad",
		Metadata: map[string]any{"mtd": mtdNum, "eb": eb, "bad": r.si.BadCnt},
	})

	if err := r.streak.check(eb); err != nil {
		r.e.ls.Error(log_service.LogEvent{
			Message:  "Consecutive bad blocks exceed limit, bad flash?",
			Metadata: map[string]any{"mtd": mtdNum, "eb": eb, "limit": MaxConsecutiveBadBlocks},
		})
		return err
	}
	return nil
}

// badBlockStreak counts adjacent eraseblocks marked bad during one format.
type badBlockStreak struct {
	prev  int
	count int
}

func newBadBlockStreak() *badBlockStreak {
	return &badBlockStreak{prev: -1, count: 1}
}

func (s *badBlockStreak) check(eb int) error {
	if s.prev != -1 && eb == s.prev+1 {
		s.count++
	} else {
		s.count = 1
	}
	s.prev = eb
	if s.count >= MaxConsecutiveBadBlocks {
		return ubi_device.Wrap(ubi_device.ErrConsecutiveBadBlocks, "eraseblocks %d-%d", eb-s.count+1, eb)
	}
	return nil
}
