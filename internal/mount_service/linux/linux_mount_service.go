package linux

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/AnishMulay/ubidevice/internal/log_service"
	"github.com/AnishMulay/ubidevice/internal/mount_service"
)

// LinuxMountService issues mount(2) and umount(2).
type LinuxMountService struct {
	ls log_service.LogService
}

func NewLinuxMountService(ls log_service.LogService) *LinuxMountService {
	return &LinuxMountService{ls: ls}
}

func (s *LinuxMountService) Mount(req mount_service.MountRequest) error {
	if req.Source == "" {
		return mount_service.ErrEmptySource
	}
	if req.Target == "" {
		return mount_service.ErrEmptyTarget
	}

	s.ls.Debug(log_service.LogEvent{
		Message:  "Mounting",
		Metadata: map[string]any{"source": req.Source, "target": req.Target, "fs": req.Filesystem, "flags": req.Flags},
	})
	if err := unix.Mount(req.Source, req.Target, req.Filesystem, req.Flags, req.Options); err != nil {
		return fmt.Errorf("mount %s on %s: %w", req.Source, req.Target, err)
	}
	return nil
}

func (s *LinuxMountService) Unmount(target string) error {
	if target == "" {
		return mount_service.ErrEmptyTarget
	}

	s.ls.Debug(log_service.LogEvent{
		Message:  "Unmounting",
		Metadata: map[string]any{"target": target},
	})
	if err := unix.Unmount(target, 0); err != nil {
		return fmt.Errorf("unmount %s: %w", target, err)
	}
	return nil
}
