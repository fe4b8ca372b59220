package defaultubi

import (
	"github.com/AnishMulay/ubidevice/internal/log_service"
	"github.com/AnishMulay/ubidevice/internal/mount_service"
	"github.com/AnishMulay/ubidevice/internal/ubi_device"
)

func (d *DefaultUbiDevice) MountVolume(volName string, targetDir string) error {
	path, err := d.GetVolumeBlockPath(volName)
	if err != nil {
		return err
	}

	req := mount_service.MountRequest{Source: path, Target: targetDir, Filesystem: d.opts.FsType}
	if err := d.mounter.Mount(req); err != nil {
		d.ls.Error(log_service.LogEvent{
			Message:  "Cannot mount volume",
			Metadata: map[string]any{"source": path, "target": targetDir, "fs": d.opts.FsType, "error": err.Error()},
		})
		return ubi_device.Wrap(ubi_device.ErrMount, "%s on %s: %v", path, targetDir, err)
	}

	d.ls.Info(log_service.LogEvent{
		Message:  "Mounted volume",
		Metadata: map[string]any{"volume": volName, "source": path, "target": targetDir},
	})
	return nil
}

func (d *DefaultUbiDevice) UnmountVolume(targetDir string) error {
	if err := d.mounter.Unmount(targetDir); err != nil {
		d.ls.Error(log_service.LogEvent{
			Message:  "Cannot unmount",
			Metadata: map[string]any{"target": targetDir, "error": err.Error()},
		})
		return ubi_device.Wrap(ubi_device.ErrUnmount, "%s: %v", targetDir, err)
	}

	d.ls.Info(log_service.LogEvent{
		Message:  "Unmounted",
		Metadata: map[string]any{"target": targetDir},
	})
	return nil
}
