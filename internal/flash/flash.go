// Package flash describes the kernel-facing capabilities used to drive raw
// MTD flash chips and the UBI subsystem layered on top of them.
//
// Implementations live in subpackages: linux talks to sysfs and the device
// nodes through ioctls, fake keeps a whole simulated chip in memory.
package flash

import "io"

// File is an open device node or regular file.
type File interface {
	io.ReadWriteSeeker
	io.ReaderAt
	io.WriterAt
	io.Closer
	Name() string
}

// MtdInfo is the global MTD subsystem information.
type MtdInfo struct {
	DevCount       int
	LowestDevNum   int
	HighestDevNum  int
	SysfsSupported bool
}

// MtdDevInfo describes one MTD device.
type MtdDevInfo struct {
	MtdNum      int
	Name        string
	Type        string
	Size        int64
	EbSize      int
	EbCnt       int
	MinIOSize   int
	SubpageSize int
	OobSize     int
	Writable    bool
	BBAllowed   bool
}

// MtdLib is an open handle on the MTD subsystem.
//
// Errors returned by the eraseblock operations wrap the underlying errno so
// callers can tell an I/O error from other failures with errors.Is.
type MtdLib interface {
	GetInfo() (MtdInfo, error)
	GetDevInfo(mtdNum int) (MtdDevInfo, error)
	IsBad(dev *MtdDevInfo, f File, eb int) (bool, error)
	MarkBad(dev *MtdDevInfo, f File, eb int) error
	Erase(dev *MtdDevInfo, f File, eb int) error
	Read(dev *MtdDevInfo, f File, eb int, offs int, buf []byte) error
	Write(dev *MtdDevInfo, f File, eb int, offs int, data []byte) error
	Torture(dev *MtdDevInfo, f File, eb int) error
	Close() error
}

// DevNumAuto asks the kernel to pick the UBI device number on attach.
const DevNumAuto = -1

// VolNumAuto asks the kernel to pick the volume id on volume creation.
const VolNumAuto = -1

// VolType is the UBI volume type as reported by the kernel.
type VolType int

const (
	DynamicVolume VolType = 3
	StaticVolume  VolType = 4
)

func (t VolType) String() string {
	switch t {
	case DynamicVolume:
		return "dynamic"
	case StaticVolume:
		return "static"
	default:
		return "unknown"
	}
}

// NodeKind is the result of probing a character device node.
type NodeKind int

const (
	UbiDeviceNode NodeKind = 1
	UbiVolumeNode NodeKind = 2
)

// UbiInfo is the global UBI subsystem information.
type UbiInfo struct {
	DevCount      int
	LowestDevNum  int
	HighestDevNum int
	CtrlMajor     int
	CtrlMinor     int
	Version       int
}

// AttachRequest mirrors the kernel attach request. DevNum is updated with the
// number the kernel assigned.
type AttachRequest struct {
	DevNum        int
	MtdNum        int
	VidHdrOffset  int
	MaxBebPer1024 int
}

// UbiDevInfo describes an attached UBI device.
type UbiDevInfo struct {
	DevNum      int
	MtdNum      int
	LebSize     int
	MinIOSize   int
	TotalLebs   int
	AvailLebs   int
	TotalBytes  int64
	AvailBytes  int64
	BadCount    int
	VolCount    int
	MaxVolCount int
}

// VolInfo describes one UBI volume.
type VolInfo struct {
	DevNum    int
	VolID     int
	Type      VolType
	Alignment int
	DataBytes int64
	RsvdBytes int64
	RsvdLebs  int
	LebSize   int
	Corrupted bool
	UpdMarker bool
	Name      string
}

// MkvolRequest mirrors the kernel volume creation request. VolID is updated
// with the id the kernel assigned.
type MkvolRequest struct {
	VolID     int
	Alignment int
	Bytes     int64
	VolType   VolType
	Name      string
}

// UbiLib is an open handle on the UBI subsystem.
type UbiLib interface {
	GetInfo() (UbiInfo, error)
	Attach(ctrlNode string, req *AttachRequest) error
	Detach(ctrlNode string, mtdNum int) error
	MtdNumToUbiDev(mtdNum int) (int, error)
	ProbeNode(node string) (NodeKind, error)
	GetDevInfo(node string) (UbiDevInfo, error)
	GetVolInfoByName(devNum int, name string) (VolInfo, error)
	MkVol(node string, req *MkvolRequest) error
	RmVol(node string, volID int) error
	UpdateStart(f File, bytes int64) error
	Close() error
}

// Provider opens handles on the subsystems and device nodes.
//
// OpenMtdLib and OpenUbiLib return ErrMtdNotPresent or ErrUbiNotPresent when
// the subsystem is missing from the running kernel.
type Provider interface {
	OpenMtdLib() (MtdLib, error)
	OpenUbiLib() (UbiLib, error)
	OpenFile(path string, flag int) (File, error)
}
