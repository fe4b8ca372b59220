package server

import (
	"errors"

	"github.com/AnishMulay/ubidevice/internal/ubi_device"
)

var (
	// Server lifecycle errors
	ErrServerStartFailed = errors.New("failed to start server")
	ErrServerStopFailed  = errors.New("failed to stop server")

	// Message handling errors
	ErrInvalidPayloadType = errors.New("invalid payload type for message")
)

// ErrDeviceNotCreated is returned by every device operation that arrives
// before a successful init.
var ErrDeviceNotCreated error = deviceNotCreatedError{}

type deviceNotCreatedError struct{}

func (deviceNotCreatedError) Error() string { return "ubi device was not created, call init first" }

func (deviceNotCreatedError) Code() int32 { return ubi_device.CodeDeviceNotCreated }
