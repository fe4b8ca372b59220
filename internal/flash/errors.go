package flash

import (
	"errors"

	"golang.org/x/sys/unix"
)

var (
	ErrMtdNotPresent = errors.New("MTD subsystem is not present")
	ErrUbiNotPresent = errors.New("UBI subsystem is not present")
	ErrVerifyFailed  = errors.New("eraseblock verification failed")
	ErrScopeClosed   = errors.New("handle scope already closed")
)

// IsIOError reports whether err carries EIO.
func IsIOError(err error) bool {
	return errors.Is(err, unix.EIO)
}

// IsInterrupted reports whether err carries EINTR.
func IsInterrupted(err error) bool {
	return errors.Is(err, unix.EINTR)
}

// IsNoDevice reports whether err carries ENODEV.
func IsNoDevice(err error) bool {
	return errors.Is(err, unix.ENODEV)
}
