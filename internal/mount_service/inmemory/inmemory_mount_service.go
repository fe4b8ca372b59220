package inmemory

import (
	"fmt"
	"sync"

	"github.com/AnishMulay/ubidevice/internal/mount_service"
)

// InMemoryMountService records mounts without touching the kernel.
type InMemoryMountService struct {
	mu     sync.Mutex
	mounts map[string]mount_service.MountRequest
}

func NewInMemoryMountService() *InMemoryMountService {
	return &InMemoryMountService{mounts: make(map[string]mount_service.MountRequest)}
}

func (s *InMemoryMountService) Mount(req mount_service.MountRequest) error {
	if req.Source == "" {
		return mount_service.ErrEmptySource
	}
	if req.Target == "" {
		return mount_service.ErrEmptyTarget
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mounts[req.Target]; ok {
		return fmt.Errorf("%w: %s", mount_service.ErrBusy, req.Target)
	}
	s.mounts[req.Target] = req
	return nil
}

func (s *InMemoryMountService) Unmount(target string) error {
	if target == "" {
		return mount_service.ErrEmptyTarget
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mounts[target]; !ok {
		return fmt.Errorf("%w: %s", mount_service.ErrNotMounted, target)
	}
	delete(s.mounts, target)
	return nil
}

// Mounted returns the request that mounted target.
func (s *InMemoryMountService) Mounted(target string) (mount_service.MountRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.mounts[target]
	return req, ok
}
