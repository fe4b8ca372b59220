package defaultubi

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/opencontainers/go-digest"

	"github.com/AnishMulay/ubidevice/internal/flash"
	"github.com/AnishMulay/ubidevice/internal/log_service"
	"github.com/AnishMulay/ubidevice/internal/ubi_device"
)

func (d *DefaultUbiDevice) requireAttached(op string) error {
	if d.attached {
		return nil
	}
	d.ls.Error(log_service.LogEvent{
		Message:  "Device is not attached",
		Metadata: map[string]any{"mtd": d.mtdNum, "op": op},
	})
	return ubi_device.Wrap(ubi_device.ErrNotAttached, "mtd%d: %s", d.mtdNum, op)
}

// probeDeviceNode checks that the device path is a UBI device node and not
// a volume node.
func (d *DefaultUbiDevice) probeDeviceNode(lib flash.UbiLib, printErrors bool) error {
	kind, err := lib.ProbeNode(d.devicePath)
	switch {
	case err == nil && kind == flash.UbiDeviceNode:
		return nil
	case err == nil:
		d.logError(printErrors, "UBI volume node given instead of UBI device node", map[string]any{"node": d.devicePath})
		return ubi_device.Wrap(ubi_device.ErrNotAnUbiDeviceNode, "%s is a volume node", d.devicePath)
	case flash.IsNoDevice(err):
		d.logError(printErrors, "Not an UBI device node", map[string]any{"node": d.devicePath, "error": err.Error()})
		return ubi_device.Wrap(ubi_device.ErrNotAnUbiDeviceNode, "%s: %v", d.devicePath, err)
	default:
		d.logError(printErrors, "Error while probing node", map[string]any{"node": d.devicePath, "error": err.Error()})
		return ubi_device.Wrap(ubi_device.ErrProbeNode, "%s: %v", d.devicePath, err)
	}
}

func (d *DefaultUbiDevice) devInfo(lib flash.UbiLib, printErrors bool) (flash.UbiDevInfo, error) {
	info, err := lib.GetDevInfo(d.devicePath)
	if err != nil {
		d.logError(printErrors, "Cannot get information about UBI device", map[string]any{"node": d.devicePath, "error": err.Error()})
		return flash.UbiDevInfo{}, ubi_device.Wrap(ubi_device.ErrGetDevInfo, "%s: %v", d.devicePath, err)
	}
	return info, nil
}

// resolveVolume looks the volume up by name. Nothing is cached: the volume
// table can change between calls.
func (d *DefaultUbiDevice) resolveVolume(lib flash.UbiLib, volName string, printErrors bool) (flash.UbiDevInfo, flash.VolInfo, error) {
	if err := d.probeDeviceNode(lib, printErrors); err != nil {
		return flash.UbiDevInfo{}, flash.VolInfo{}, err
	}
	info, err := d.devInfo(lib, printErrors)
	if err != nil {
		return flash.UbiDevInfo{}, flash.VolInfo{}, err
	}
	vol, err := lib.GetVolInfoByName(info.DevNum, volName)
	if err != nil {
		d.logError(printErrors, "Cannot find UBI volume", map[string]any{"volume": volName, "ubi": info.DevNum, "error": err.Error()})
		return flash.UbiDevInfo{}, flash.VolInfo{}, ubi_device.Wrap(ubi_device.ErrVolumeNotFound, "%q on %s: %v", volName, d.devicePath, err)
	}
	return info, vol, nil
}

func (d *DefaultUbiDevice) volumePath(vol flash.VolInfo) string {
	return fmt.Sprintf("%s_%d", d.devicePath, vol.VolID)
}

func (d *DefaultUbiDevice) MakeVolume(volName string, sizeInBytes int64) error {
	if err := d.requireAttached("make volume"); err != nil {
		return err
	}
	if sizeInBytes < 0 {
		return ubi_device.Wrap(ubi_device.ErrMakeVolume, "%q: negative size %d", volName, sizeInBytes)
	}

	scope := flash.NewScope(d.provider)
	defer d.release(scope)

	lib, err := d.openUbiLib(scope, true)
	if err != nil {
		return err
	}
	if err := d.probeDeviceNode(lib, true); err != nil {
		return err
	}
	info, err := d.devInfo(lib, true)
	if err != nil {
		return err
	}
	if info.AvailBytes == 0 {
		d.ls.Error(log_service.LogEvent{
			Message:  "No free eraseblocks",
			Metadata: map[string]any{"node": d.devicePath, "volume": volName},
		})
		return ubi_device.Wrap(ubi_device.ErrNoFreeEraseblocks, "%s", d.devicePath)
	}

	bytes := sizeInBytes
	if bytes == 0 {
		bytes = info.AvailBytes
	}
	req := flash.MkvolRequest{
		VolID:     flash.VolNumAuto,
		Alignment: 1,
		Bytes:     bytes,
		VolType:   flash.DynamicVolume,
		Name:      volName,
	}
	if err := lib.MkVol(d.devicePath, &req); err != nil {
		d.ls.Error(log_service.LogEvent{
			Message:  "Cannot create UBI volume",
			Metadata: map[string]any{"node": d.devicePath, "volume": volName, "bytes": bytes, "error": err.Error()},
		})
		return ubi_device.Wrap(ubi_device.ErrMakeVolume, "%q on %s: %v", volName, d.devicePath, err)
	}

	d.ls.Info(log_service.LogEvent{
		Message: "Created UBI volume",
		Metadata: map[string]any{
			"node": d.devicePath, "volume": volName, "volID": req.VolID,
			"size": humanize.IBytes(uint64(bytes)), "available": humanize.IBytes(uint64(info.AvailBytes)),
		},
	})
	return nil
}

func (d *DefaultUbiDevice) RemoveVolume(volName string, printErrors bool) error {
	if err := d.requireAttached("remove volume"); err != nil {
		return err
	}

	scope := flash.NewScope(d.provider)
	defer d.release(scope)

	lib, err := d.openUbiLib(scope, printErrors)
	if err != nil {
		return err
	}
	_, vol, err := d.resolveVolume(lib, volName, printErrors)
	if err != nil {
		return err
	}

	if err := lib.RmVol(d.devicePath, vol.VolID); err != nil {
		d.logError(printErrors, "Cannot remove UBI volume", map[string]any{"node": d.devicePath, "volume": volName, "volID": vol.VolID, "error": err.Error()})
		return ubi_device.Wrap(ubi_device.ErrRemoveVolume, "%q on %s: %v", volName, d.devicePath, err)
	}

	d.ls.Info(log_service.LogEvent{
		Message:  "Removed UBI volume",
		Metadata: map[string]any{"node": d.devicePath, "volume": volName, "volID": vol.VolID},
	})
	return nil
}

func (d *DefaultUbiDevice) GetVolumeBlockPath(volName string) (string, error) {
	if err := d.requireAttached("volume path"); err != nil {
		return "", err
	}

	scope := flash.NewScope(d.provider)
	defer d.release(scope)

	lib, err := d.openUbiLib(scope, true)
	if err != nil {
		return "", err
	}
	_, vol, err := d.resolveVolume(lib, volName, true)
	if err != nil {
		return "", err
	}
	return d.volumePath(vol), nil
}

func (d *DefaultUbiDevice) UpdateVolume(volName string, imagePath string, skipBytes int64, size int64) error {
	if err := d.requireAttached("update volume"); err != nil {
		return err
	}

	if _, err := os.Stat(imagePath); err != nil {
		d.ls.Error(log_service.LogEvent{
			Message:  "Image file not found",
			Metadata: map[string]any{"image": imagePath, "error": err.Error()},
		})
		return ubi_device.Wrap(ubi_device.ErrImageNotFound, "%s: %v", imagePath, err)
	}
	if skipBytes < 0 || size < 0 {
		return ubi_device.Wrap(ubi_device.ErrSeekImage, "%s: skip=%d size=%d", imagePath, skipBytes, size)
	}

	scope := flash.NewScope(d.provider)
	defer d.release(scope)

	lib, err := d.openUbiLib(scope, true)
	if err != nil {
		return err
	}
	_, vol, err := d.resolveVolume(lib, volName, true)
	if err != nil {
		return err
	}

	bytes := size
	if bytes == 0 {
		st, err := os.Stat(imagePath)
		if err != nil {
			d.ls.Error(log_service.LogEvent{
				Message:  "Cannot stat image file",
				Metadata: map[string]any{"image": imagePath, "error": err.Error()},
			})
			return ubi_device.Wrap(ubi_device.ErrStatImage, "%s: %v", imagePath, err)
		}
		bytes = st.Size() - skipBytes
		if bytes < 0 {
			return ubi_device.Wrap(ubi_device.ErrSeekImage, "%s: skip %d beyond size %d", imagePath, skipBytes, st.Size())
		}
	}

	if bytes > vol.RsvdBytes {
		d.ls.Error(log_service.LogEvent{
			Message: "Image will not fit the volume",
			Metadata: map[string]any{
				"image": imagePath, "volume": volName,
				"bytes": bytes, "reserved": vol.RsvdBytes,
			},
		})
		return ubi_device.Wrap(ubi_device.ErrImageTooLarge, "%s is %s, volume %q holds %s", imagePath,
			humanize.IBytes(uint64(bytes)), volName, humanize.IBytes(uint64(vol.RsvdBytes)))
	}

	volPath := d.volumePath(vol)
	volFile, err := scope.File(volPath, os.O_RDWR)
	if err != nil {
		d.ls.Error(log_service.LogEvent{
			Message:  "Cannot open UBI volume",
			Metadata: map[string]any{"node": volPath, "error": err.Error()},
		})
		return ubi_device.Wrap(ubi_device.ErrCannotOpenDeviceFile, "%s: %v", volPath, err)
	}
	image, err := os.Open(imagePath)
	if err != nil {
		d.ls.Error(log_service.LogEvent{
			Message:  "Cannot open image file",
			Metadata: map[string]any{"image": imagePath, "error": err.Error()},
		})
		return ubi_device.Wrap(ubi_device.ErrCannotOpenDeviceFile, "%s: %v", imagePath, err)
	}
	if err := scope.Track(image); err != nil {
		image.Close()
		return ubi_device.Wrap(ubi_device.ErrCannotOpenDeviceFile, "%s: %v", imagePath, err)
	}

	if skipBytes > 0 {
		if _, err := image.Seek(skipBytes, io.SeekCurrent); err != nil {
			d.ls.Error(log_service.LogEvent{
				Message:  "Cannot seek image file",
				Metadata: map[string]any{"image": imagePath, "skip": skipBytes, "error": err.Error()},
			})
			return ubi_device.Wrap(ubi_device.ErrSeekImage, "%s: %v", imagePath, err)
		}
	}

	if err := lib.UpdateStart(volFile, bytes); err != nil {
		d.ls.Error(log_service.LogEvent{
			Message:  "Cannot start volume update",
			Metadata: map[string]any{"node": volPath, "bytes": bytes, "error": err.Error()},
		})
		return ubi_device.Wrap(ubi_device.ErrUpdateStart, "%s: %v", volPath, err)
	}

	digester := digest.Canonical.Digester()
	if err := d.copyImage(volFile, image, bytes, vol.LebSize, digester); err != nil {
		return err
	}

	d.ls.Info(log_service.LogEvent{
		Message: "Updated UBI volume",
		Metadata: map[string]any{
			"node": volPath, "volume": volName, "image": imagePath,
			"size": humanize.IBytes(uint64(bytes)), "digest": digester.Digest().String(),
		},
	})
	return nil
}
