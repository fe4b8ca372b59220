package linux

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// MTD ioctls, see include/uapi/mtd/mtd-abi.h.
const (
	memGetInfo     = 0x80204d01
	memGetBadBlock = 0x40084d0b
	memSetBadBlock = 0x40084d0c
	memErase64     = 0x40104d14
)

// UBI ioctls, see include/uapi/mtd/ubi-user.h.
const (
	ubiIocAtt   = 0x40186f40
	ubiIocDet   = 0x40046f41
	ubiIocMkvol = 0x40986f00
	ubiIocRmvol = 0x40046f01
	ubiIocVolup = 0x40084f00
)

const (
	mtdTypeNor      = 3
	mtdTypeNand     = 4
	mtdTypeMlcNand  = 8
	mtdFlagWritable = 0x400

	ubiMaxVolumeName = 127
)

type mtdInfoUser struct {
	Type      uint8
	_         [3]byte
	Flags     uint32
	Size      uint32
	EraseSize uint32
	WriteSize uint32
	OobSize   uint32
	_         uint64
}

type eraseInfoUser64 struct {
	Start  uint64
	Length uint64
}

type ubiAttachReq struct {
	UbiNum        int32
	MtdNum        int32
	VidHdrOffset  int32
	MaxBebPer1024 int16
	_             [10]byte
}

type ubiMkvolReq struct {
	VolID     int32
	Alignment int32
	Bytes     int64
	VolType   int8
	Flags     uint8
	NameLen   int16
	_         [4]byte
	Name      [ubiMaxVolumeName + 1]byte
}

func ioctl(fd uintptr, req uintptr, arg unsafe.Pointer) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
	if errno != 0 {
		return r, errno
	}
	return r, nil
}
