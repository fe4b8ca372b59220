// Package linux implements the flash capabilities on top of the MTD and UBI
// kernel interfaces: sysfs attributes for information and ioctls on the
// device nodes for everything that changes state.
package linux

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/AnishMulay/ubidevice/internal/flash"
)

type Provider struct {
	SysfsRoot string
	DevRoot   string
	ProcMtd   string
}

var _ flash.Provider = (*Provider)(nil)

func NewProvider(sysfsRoot, devRoot, procMtd string) *Provider {
	return &Provider{SysfsRoot: sysfsRoot, DevRoot: devRoot, ProcMtd: procMtd}
}

func (p *Provider) OpenMtdLib() (flash.MtdLib, error) {
	classDir := filepath.Join(p.SysfsRoot, "class", "mtd")
	if _, err := os.Stat(classDir); err == nil {
		return &mtdLib{classDir: classDir, devRoot: p.DevRoot, sysfs: true}, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	// kernels before 2.6.30 have no MTD sysfs, fall back to /proc/mtd
	if _, err := os.Stat(p.ProcMtd); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, flash.ErrMtdNotPresent
		}
		return nil, err
	}
	return &mtdLib{devRoot: p.DevRoot, procMtd: p.ProcMtd}, nil
}

func (p *Provider) OpenUbiLib() (flash.UbiLib, error) {
	classDir := filepath.Join(p.SysfsRoot, "class", "ubi")
	if _, err := os.Stat(classDir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, flash.ErrUbiNotPresent
		}
		return nil, err
	}
	return &ubiLib{
		classDir: classDir,
		ctrlDev:  filepath.Join(p.SysfsRoot, "class", "misc", "ubi_ctrl", "dev"),
		devRoot:  p.DevRoot,
	}, nil
}

func (p *Provider) OpenFile(path string, flag int) (flash.File, error) {
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	return f, nil
}

type fder interface {
	Fd() uintptr
}
