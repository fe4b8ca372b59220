package defaultubi

import (
	_ "crypto/sha256"
	"errors"
	"io"

	"github.com/opencontainers/go-digest"

	"github.com/AnishMulay/ubidevice/internal/flash"
	"github.com/AnishMulay/ubidevice/internal/log_service"
	"github.com/AnishMulay/ubidevice/internal/ubi_device"
)

var errZeroRead = errors.New("image ended before the requested size")

type readerFile interface {
	io.Reader
	Name() string
}

type writerFile interface {
	io.Writer
	Name() string
}

// writeAll writes all of data to w. Interrupted and short writes are
// resumed; a write that makes no progress without an error fails with
// io.ErrShortWrite.
func writeAll(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if n < 0 || n > len(data) {
			return io.ErrShortWrite
		}
		data = data[n:]
		if err != nil {
			if flash.IsInterrupted(err) {
				continue
			}
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}

// copyImage streams bytes from image to the volume one LEB at a time.
func (d *DefaultUbiDevice) copyImage(volFile writerFile, image readerFile, bytes int64, lebSize int, digester digest.Digester) error {
	if lebSize <= 0 {
		lebSize = 4096
	}
	buf := make([]byte, lebSize)

	for bytes > 0 {
		want := int64(len(buf))
		if bytes < want {
			want = bytes
		}

		n, err := image.Read(buf[:want])
		if n <= 0 {
			if err != nil && flash.IsInterrupted(err) {
				d.ls.Debug(log_service.LogEvent{
					Message:  "Image read interrupted, retrying",
					Metadata: map[string]any{"image": image.Name()},
				})
				continue
			}
			if err == nil {
				err = errZeroRead
			}
			d.ls.Error(log_service.LogEvent{
				Message:  "Cannot read image file",
				Metadata: map[string]any{"image": image.Name(), "left": bytes, "error": err.Error()},
			})
			return ubi_device.Wrap(ubi_device.ErrReadImage, "%s: %v", image.Name(), err)
		}

		if err := writeAll(volFile, buf[:n]); err != nil {
			d.ls.Error(log_service.LogEvent{
				Message:  "Cannot write to UBI volume",
				Metadata: map[string]any{"node": volFile.Name(), "left": bytes, "error": err.Error()},
			})
			return ubi_device.Wrap(ubi_device.ErrWriteVolume, "%s: %v", volFile.Name(), err)
		}
		digester.Hash().Write(buf[:n])
		bytes -= int64(n)
	}
	return nil
}
