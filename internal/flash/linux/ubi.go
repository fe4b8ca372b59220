package linux

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/AnishMulay/ubidevice/internal/flash"
)

var ubiDevRe = regexp.MustCompile(`^ubi(\d+)$`)

type ubiLib struct {
	classDir string
	ctrlDev  string
	devRoot  string
}

var _ flash.UbiLib = (*ubiLib)(nil)

func (l *ubiLib) devDir(devNum int) string {
	return filepath.Join(l.classDir, fmt.Sprintf("ubi%d", devNum))
}

func (l *ubiLib) volDir(devNum, volID int) string {
	return filepath.Join(l.classDir, fmt.Sprintf("ubi%d_%d", devNum, volID))
}

func (l *ubiLib) GetInfo() (flash.UbiInfo, error) {
	info := flash.UbiInfo{LowestDevNum: -1, HighestDevNum: -1, CtrlMajor: -1, CtrlMinor: -1}

	if v, err := readInt(filepath.Join(l.classDir, "version")); err == nil {
		info.Version = v
	}

	maj, min, err := readDevNum(l.ctrlDev)
	switch {
	case err == nil:
		info.CtrlMajor, info.CtrlMinor = int(maj), int(min)
	case errors.Is(err, fs.ErrNotExist):
		// no attach/detach support in this kernel
	default:
		return info, err
	}

	nums, err := listNumbered(l.classDir, ubiDevRe)
	if err != nil {
		return info, err
	}
	if len(nums) > 0 {
		info.LowestDevNum = nums[0]
		info.HighestDevNum = nums[len(nums)-1]
	}
	info.DevCount = len(nums)
	return info, nil
}

func (l *ubiLib) Attach(ctrlNode string, req *flash.AttachRequest) error {
	f, err := os.Open(ctrlNode)
	if err != nil {
		return err
	}
	defer f.Close()

	r := ubiAttachReq{
		UbiNum:        int32(req.DevNum),
		MtdNum:        int32(req.MtdNum),
		VidHdrOffset:  int32(req.VidHdrOffset),
		MaxBebPer1024: int16(req.MaxBebPer1024),
	}
	if _, err := ioctl(f.Fd(), ubiIocAtt, unsafe.Pointer(&r)); err != nil {
		return fmt.Errorf("UBI_IOCATT mtd%d: %w", req.MtdNum, err)
	}
	req.DevNum = int(r.UbiNum)
	return nil
}

func (l *ubiLib) Detach(ctrlNode string, mtdNum int) error {
	devNum, err := l.MtdNumToUbiDev(mtdNum)
	if err != nil {
		return err
	}

	f, err := os.Open(ctrlNode)
	if err != nil {
		return err
	}
	defer f.Close()

	n := int32(devNum)
	if _, err := ioctl(f.Fd(), ubiIocDet, unsafe.Pointer(&n)); err != nil {
		return fmt.Errorf("UBI_IOCDET ubi%d: %w", devNum, err)
	}
	return nil
}

func (l *ubiLib) MtdNumToUbiDev(mtdNum int) (int, error) {
	nums, err := listNumbered(l.classDir, ubiDevRe)
	if err != nil {
		return -1, err
	}
	for _, n := range nums {
		m, err := readInt(filepath.Join(l.devDir(n), "mtd_num"))
		if err != nil {
			return -1, err
		}
		if m == mtdNum {
			return n, nil
		}
	}
	return -1, fmt.Errorf("mtd%d is not attached: %w", mtdNum, unix.ENODEV)
}

// probe matches the device number of node against the UBI devices and
// volumes in sysfs. volID is -1 for a device node.
func (l *ubiLib) probe(node string) (devNum, volID int, err error) {
	var st unix.Stat_t
	if err := unix.Stat(node, &st); err != nil {
		return -1, -1, fmt.Errorf("stat %s: %w", node, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return -1, -1, fmt.Errorf("%s is not a character device: %w", node, unix.EINVAL)
	}
	maj, min := unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev))
	return l.matchDevNum(node, maj, min)
}

func (l *ubiLib) matchDevNum(node string, maj, min uint32) (int, int, error) {
	nums, err := listNumbered(l.classDir, ubiDevRe)
	if err != nil {
		return -1, -1, err
	}
	for _, n := range nums {
		dmaj, dmin, err := readDevNum(filepath.Join(l.devDir(n), "dev"))
		if err != nil {
			return -1, -1, err
		}
		if dmaj != maj {
			continue
		}
		if dmin == min {
			return n, -1, nil
		}

		volRe := regexp.MustCompile(fmt.Sprintf(`^ubi%d_(\d+)$`, n))
		ids, err := listNumbered(l.classDir, volRe)
		if err != nil {
			return -1, -1, err
		}
		for _, id := range ids {
			vmaj, vmin, err := readDevNum(filepath.Join(l.volDir(n, id), "dev"))
			if err != nil {
				return -1, -1, err
			}
			if vmaj == maj && vmin == min {
				return n, id, nil
			}
		}
	}
	return -1, -1, fmt.Errorf("%s is not a UBI node: %w", node, unix.ENODEV)
}

func (l *ubiLib) ProbeNode(node string) (flash.NodeKind, error) {
	_, volID, err := l.probe(node)
	if err != nil {
		return 0, err
	}
	if volID >= 0 {
		return flash.UbiVolumeNode, nil
	}
	return flash.UbiDeviceNode, nil
}

func (l *ubiLib) GetDevInfo(node string) (flash.UbiDevInfo, error) {
	devNum, volID, err := l.probe(node)
	if err != nil {
		return flash.UbiDevInfo{}, err
	}
	if volID >= 0 {
		return flash.UbiDevInfo{}, fmt.Errorf("%s is a volume node: %w", node, unix.ENODEV)
	}
	return l.devInfo(devNum)
}

func (l *ubiLib) devInfo(devNum int) (flash.UbiDevInfo, error) {
	r := &intReader{dir: l.devDir(devNum)}
	info := flash.UbiDevInfo{
		DevNum:      devNum,
		MtdNum:      r.int("mtd_num"),
		LebSize:     r.int("eraseblock_size"),
		MinIOSize:   r.int("min_io_size"),
		TotalLebs:   r.int("total_eraseblocks"),
		AvailLebs:   r.int("avail_eraseblocks"),
		BadCount:    r.int("bad_peb_count"),
		VolCount:    r.int("volumes_count"),
		MaxVolCount: r.int("max_vol_count"),
	}
	if r.err != nil {
		return flash.UbiDevInfo{}, fmt.Errorf("ubi%d: %w", devNum, r.err)
	}
	info.TotalBytes = int64(info.TotalLebs) * int64(info.LebSize)
	info.AvailBytes = int64(info.AvailLebs) * int64(info.LebSize)
	return info, nil
}

func (l *ubiLib) GetVolInfoByName(devNum int, name string) (flash.VolInfo, error) {
	volRe := regexp.MustCompile(fmt.Sprintf(`^ubi%d_(\d+)$`, devNum))
	ids, err := listNumbered(l.classDir, volRe)
	if err != nil {
		return flash.VolInfo{}, err
	}
	for _, id := range ids {
		n, err := readString(filepath.Join(l.volDir(devNum, id), "name"))
		if err != nil {
			return flash.VolInfo{}, err
		}
		if n == name {
			return l.volInfo(devNum, id)
		}
	}
	return flash.VolInfo{}, fmt.Errorf("ubi%d: volume %q: %w", devNum, name, unix.ENOENT)
}

func (l *ubiLib) volInfo(devNum, volID int) (flash.VolInfo, error) {
	r := &intReader{dir: l.volDir(devNum, volID)}
	info := flash.VolInfo{
		DevNum:    devNum,
		VolID:     volID,
		Name:      r.string("name"),
		Alignment: r.int("alignment"),
		DataBytes: r.int64("data_bytes"),
		RsvdLebs:  r.int("reserved_ebs"),
		LebSize:   r.int("usable_eb_size"),
		Corrupted: r.int("corrupted") != 0,
		UpdMarker: r.int("upd_marker") != 0,
	}
	typ := r.string("type")
	if r.err != nil {
		return flash.VolInfo{}, fmt.Errorf("ubi%d_%d: %w", devNum, volID, r.err)
	}
	switch typ {
	case "dynamic":
		info.Type = flash.DynamicVolume
	case "static":
		info.Type = flash.StaticVolume
	default:
		return flash.VolInfo{}, fmt.Errorf("ubi%d_%d: unknown volume type %q", devNum, volID, typ)
	}
	info.RsvdBytes = int64(info.RsvdLebs) * int64(info.LebSize)
	return info, nil
}

func (l *ubiLib) MkVol(node string, req *flash.MkvolRequest) error {
	if len(req.Name) > ubiMaxVolumeName {
		return fmt.Errorf("volume name %q too long: %w", req.Name, unix.ENAMETOOLONG)
	}
	f, err := os.Open(node)
	if err != nil {
		return err
	}
	defer f.Close()

	r := ubiMkvolReq{
		VolID:     int32(req.VolID),
		Alignment: int32(req.Alignment),
		Bytes:     req.Bytes,
		VolType:   int8(req.VolType),
		NameLen:   int16(len(req.Name)),
	}
	copy(r.Name[:], req.Name)
	if _, err := ioctl(f.Fd(), ubiIocMkvol, unsafe.Pointer(&r)); err != nil {
		return fmt.Errorf("UBI_IOCMKVOL %s %q: %w", node, req.Name, err)
	}
	req.VolID = int(r.VolID)
	return nil
}

func (l *ubiLib) RmVol(node string, volID int) error {
	f, err := os.Open(node)
	if err != nil {
		return err
	}
	defer f.Close()

	id := int32(volID)
	if _, err := ioctl(f.Fd(), ubiIocRmvol, unsafe.Pointer(&id)); err != nil {
		return fmt.Errorf("UBI_IOCRMVOL %s volume %d: %w", node, volID, err)
	}
	return nil
}

func (l *ubiLib) UpdateStart(f flash.File, bytes int64) error {
	fd, err := fdOf(f)
	if err != nil {
		return err
	}
	n := bytes
	if _, err := ioctl(fd, ubiIocVolup, unsafe.Pointer(&n)); err != nil {
		return fmt.Errorf("UBI_IOCVOLUP %s: %w", f.Name(), err)
	}
	return nil
}

func (l *ubiLib) Close() error {
	return nil
}
