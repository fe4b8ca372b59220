package ubilib

import (
	"time"

	grpccomm "github.com/AnishMulay/ubidevice/internal/communication/grpc"
)

// UbiClient talks to one ubi-device-server.
type UbiClient struct {
	ServerAddr string
	Comm       *grpccomm.GRPCCommunicator
	// From identifies the caller in server logs.
	From string
	// Timeout bounds each call when the caller's context has no deadline.
	Timeout time.Duration
}

// Status describes the device the server currently holds.
type Status struct {
	Created    bool
	MtdName    string
	MtdNum     int
	Attached   bool
	DevicePath string
}
