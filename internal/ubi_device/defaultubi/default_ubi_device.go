package defaultubi

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/AnishMulay/ubidevice/internal/flash"
	"github.com/AnishMulay/ubidevice/internal/log_service"
	"github.com/AnishMulay/ubidevice/internal/mount_service"
	"github.com/AnishMulay/ubidevice/internal/mtd_table"
	"github.com/AnishMulay/ubidevice/internal/ubi_device"
	"github.com/AnishMulay/ubidevice/internal/ubi_format"
)

type Options struct {
	DevRoot  string
	CtrlNode string
	FsType   string
	Format   ubi_format.Options
}

func DefaultOptions() Options {
	return Options{
		DevRoot:  "/dev",
		CtrlNode: "/dev/ubi_ctrl",
		FsType:   "ubifs",
		Format:   ubi_format.DefaultOptions(),
	}
}

type DefaultUbiDevice struct {
	mtdNum     int
	attached   bool
	devicePath string

	provider  flash.Provider
	mounter   mount_service.MountService
	formatter *ubi_format.Engine
	ls        log_service.LogService
	opts      Options
}

var _ ubi_device.UbiDevice = (*DefaultUbiDevice)(nil)

// NewDefaultUbiDevice returns a detached device bound to MTD partition mtdNum.
func NewDefaultUbiDevice(mtdNum int, provider flash.Provider, mounter mount_service.MountService, opts Options, ls log_service.LogService) *DefaultUbiDevice {
	return &DefaultUbiDevice{
		mtdNum:    mtdNum,
		provider:  provider,
		mounter:   mounter,
		formatter: ubi_format.NewEngine(provider, opts.DevRoot, opts.Format, ls),
		ls:        ls,
		opts:      opts,
	}
}

// Factory builds attached devices from partition names.
type Factory struct {
	Table      mtd_table.MtdTable
	Provider   flash.Provider
	Mounter    mount_service.MountService
	Options    Options
	LogService log_service.LogService
}

// Create resolves name, optionally formats the partition and attaches it.
// Nothing is left attached when an error is returned.
func (f *Factory) Create(name string, formatFirst bool) (ubi_device.UbiDevice, error) {
	mtdNum, err := f.Table.GetMtdNum(name)
	if err != nil {
		code := ubi_device.ErrMtdNameNotFound
		if errors.Is(err, mtd_table.ErrTableUnavailable) {
			code = ubi_device.ErrMtdTableUnavailable
		}
		f.LogService.Error(log_service.LogEvent{
			Message:  "Cannot resolve MTD partition name",
			Metadata: map[string]any{"name": name, "error": err.Error()},
		})
		return nil, ubi_device.Wrap(code, "%q: %v", name, err)
	}

	d := NewDefaultUbiDevice(mtdNum, f.Provider, f.Mounter, f.Options, f.LogService)
	if formatFirst {
		if err := d.Format(); err != nil {
			return nil, err
		}
	}
	if err := d.Attach(); err != nil {
		return nil, err
	}

	f.LogService.Info(log_service.LogEvent{
		Message:  "UBI device created",
		Metadata: map[string]any{"name": name, "mtd": mtdNum, "device": d.DevicePath(), "formatted": formatFirst},
	})
	return d, nil
}

func (d *DefaultUbiDevice) MtdNum() int { return d.mtdNum }

func (d *DefaultUbiDevice) IsAttached() bool { return d.attached }

func (d *DefaultUbiDevice) DevicePath() string {
	if !d.attached {
		return ""
	}
	return d.devicePath
}

func (d *DefaultUbiDevice) Format() error {
	if d.attached {
		d.ls.Error(log_service.LogEvent{
			Message:  "Cannot format an attached device",
			Metadata: map[string]any{"mtd": d.mtdNum, "device": d.devicePath},
		})
		return ubi_device.Wrap(ubi_device.ErrAlreadyAttached, "mtd%d is attached as %s", d.mtdNum, d.devicePath)
	}
	return d.formatter.Format(d.mtdNum)
}

func (d *DefaultUbiDevice) Attach() error {
	scope := flash.NewScope(d.provider)
	defer d.release(scope)

	lib, err := d.openUbiLib(scope, true)
	if err != nil {
		return err
	}
	if err := d.checkAttachSupport(lib); err != nil {
		return err
	}

	req := flash.AttachRequest{
		DevNum:        flash.DevNumAuto,
		MtdNum:        d.mtdNum,
		VidHdrOffset:  0,
		MaxBebPer1024: 0,
	}
	if err := lib.Attach(d.opts.CtrlNode, &req); err != nil {
		d.logError(true, "Cannot attach MTD device", map[string]any{"mtd": d.mtdNum, "error": err.Error()})
		return ubi_device.Wrap(ubi_device.ErrCannotAttach, "mtd%d: %v", d.mtdNum, err)
	}

	devNum, err := lib.MtdNumToUbiDev(d.mtdNum)
	if err != nil {
		d.logError(true, "Cannot find the UBI device of an attached MTD device", map[string]any{"mtd": d.mtdNum, "error": err.Error()})
		return ubi_device.Wrap(ubi_device.ErrMtdNumToUbiDev, "mtd%d: %v", d.mtdNum, err)
	}

	d.devicePath = filepath.Join(d.opts.DevRoot, fmt.Sprintf("ubi%d", devNum))
	d.attached = true
	d.ls.Info(log_service.LogEvent{
		Message:  "Attached MTD device",
		Metadata: map[string]any{"mtd": d.mtdNum, "ubi": devNum, "device": d.devicePath},
	})
	return nil
}

func (d *DefaultUbiDevice) Detach() error {
	scope := flash.NewScope(d.provider)
	defer d.release(scope)

	lib, err := d.openUbiLib(scope, true)
	if err != nil {
		return err
	}
	if err := d.checkAttachSupport(lib); err != nil {
		return err
	}

	if err := lib.Detach(d.opts.CtrlNode, d.mtdNum); err != nil {
		d.logError(true, "Cannot detach MTD device", map[string]any{"mtd": d.mtdNum, "error": err.Error()})
		return ubi_device.Wrap(ubi_device.ErrCannotDetach, "mtd%d: %v", d.mtdNum, err)
	}

	d.ls.Info(log_service.LogEvent{
		Message:  "Detached MTD device",
		Metadata: map[string]any{"mtd": d.mtdNum, "device": d.devicePath},
	})
	d.attached = false
	d.devicePath = ""
	return nil
}

func (d *DefaultUbiDevice) Close() {
	if !d.attached {
		return
	}
	if err := d.Detach(); err != nil {
		d.ls.Error(log_service.LogEvent{
			Message:  "Detach on close failed",
			Metadata: map[string]any{"mtd": d.mtdNum, "error": err.Error()},
		})
	}
}

func (d *DefaultUbiDevice) checkAttachSupport(lib flash.UbiLib) error {
	info, err := lib.GetInfo()
	if err != nil {
		d.logError(true, "Cannot get UBI information", map[string]any{"error": err.Error()})
		return ubi_device.Wrap(ubi_device.ErrCannotGetUbiInfo, "%v", err)
	}
	if info.CtrlMajor == -1 {
		d.logError(true, "MTD attach/detach feature is not supported by your kernel", map[string]any{"mtd": d.mtdNum})
		return ubi_device.ErrAttachDetachNotSupported
	}
	return nil
}

func (d *DefaultUbiDevice) openUbiLib(scope *flash.Scope, printErrors bool) (flash.UbiLib, error) {
	lib, err := scope.UbiLib()
	if err == nil {
		return lib, nil
	}
	code := ubi_device.ErrCannotOpenLibUbi
	if errors.Is(err, flash.ErrUbiNotPresent) {
		code = ubi_device.ErrUbiNotPresent
	}
	d.logError(printErrors, code.Error(), map[string]any{"mtd": d.mtdNum, "error": err.Error()})
	return nil, ubi_device.Wrap(code, "%v", err)
}

func (d *DefaultUbiDevice) release(scope *flash.Scope) {
	if err := scope.Close(); err != nil {
		d.ls.Warn(log_service.LogEvent{
			Message:  "Failed to release device handles",
			Metadata: map[string]any{"mtd": d.mtdNum, "error": err.Error()},
		})
	}
}

func (d *DefaultUbiDevice) logError(loud bool, msg string, metadata map[string]any) {
	if !loud {
		d.ls.Debug(log_service.LogEvent{Message: msg, Metadata: metadata})
		return
	}
	d.ls.Error(log_service.LogEvent{Message: msg, Metadata: metadata})
}
