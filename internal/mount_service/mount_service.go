// Package mount_service mounts and unmounts file systems.
package mount_service

type MountRequest struct {
	Source     string
	Target     string
	Filesystem string
	Flags      uintptr
	Options    string
}

type MountService interface {
	Mount(req MountRequest) error
	Unmount(target string) error
}
