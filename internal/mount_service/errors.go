package mount_service

import "errors"

var (
	ErrEmptySource = errors.New("mount source is empty")
	ErrEmptyTarget = errors.New("mount target is empty")
	ErrNotMounted  = errors.New("target is not mounted")
	ErrBusy        = errors.New("target is already mounted")
)
