package ubi

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	grpccomm "github.com/AnishMulay/ubidevice/internal/communication/grpc"
	"github.com/AnishMulay/ubidevice/internal/config"
	flashlinux "github.com/AnishMulay/ubidevice/internal/flash/linux"
	"github.com/AnishMulay/ubidevice/internal/log_service"
	"github.com/AnishMulay/ubidevice/internal/log_service/console"
	"github.com/AnishMulay/ubidevice/internal/log_service/localdisc"
	mountlinux "github.com/AnishMulay/ubidevice/internal/mount_service/linux"
	"github.com/AnishMulay/ubidevice/internal/mtd_table/procfs"
	"github.com/AnishMulay/ubidevice/internal/server/simple"
	"github.com/AnishMulay/ubidevice/internal/ubi_device/defaultubi"
	"github.com/AnishMulay/ubidevice/internal/ubi_format"
)

type runnable interface {
	Run() error
}

type deviceServer struct {
	server *simple.SimpleUbiServer
	ls     log_service.LogService
}

// Run serves until SIGINT or SIGTERM, then detaches the device.
func (s *deviceServer) Run() error {
	if err := s.server.Start(); err != nil {
		return err
	}
	s.ls.Info(log_service.LogEvent{
		Message:  "server: starts",
		Metadata: map[string]any{"address": s.server.Address()},
	})

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	sig := <-c

	s.ls.Info(log_service.LogEvent{
		Message:  "Received signal, shutting down",
		Metadata: map[string]any{"signal": sig.String()},
	})
	return s.server.Stop()
}

// NewLogService returns the local disc logger when a log directory is
// configured and the console logger otherwise.
func NewLogService(cfg *config.Config) (log_service.LogService, error) {
	if cfg.Log.Dir != "" {
		ls, err := localdisc.NewLocalDiscLogService(cfg.Log.Dir, cfg.Server.NodeID, cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		return ls, nil
	}
	ls, err := console.NewConsoleLogService(cfg.Server.NodeID, cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return ls, nil
}

// FormatOptions converts the format section of cfg.
func FormatOptions(cfg *config.Config) ubi_format.Options {
	return ubi_format.Options{
		StartEraseblock: cfg.Format.StartEraseblock,
		SubpageSize:     cfg.Format.SubpageSize,
		VidHdrOffset:    cfg.Format.VidHdrOffset,
		UbiVersion:      cfg.Format.UbiVersion,
		ImageSeq:        cfg.Format.ImageSeq,
	}
}

// NewFactory wires the device factory to the running kernel.
func NewFactory(cfg *config.Config, ls log_service.LogService) *defaultubi.Factory {
	return &defaultubi.Factory{
		Table:    procfs.NewProcMtdTable(cfg.Device.ProcMtd, cfg.Device.MtdNames),
		Provider: flashlinux.NewProvider(cfg.Device.SysfsRoot, cfg.Device.DevRoot, cfg.Device.ProcMtd),
		Mounter:  mountlinux.NewLinuxMountService(ls),
		Options: defaultubi.Options{
			DevRoot:  cfg.Device.DevRoot,
			CtrlNode: cfg.Device.CtrlNode,
			FsType:   cfg.Mount.FsType,
			Format:   FormatOptions(cfg),
		},
		LogService: ls,
	}
}

func Build(cfg *config.Config) (runnable, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ls, err := NewLogService(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create log service: %w", err)
	}

	factory := NewFactory(cfg, ls)
	comm := grpccomm.NewGRPCCommunicator(cfg.Server.ListenAddress, ls)
	srv := simple.NewSimpleUbiServer(comm, factory.Create, ls)

	return &deviceServer{server: srv, ls: ls}, nil
}
