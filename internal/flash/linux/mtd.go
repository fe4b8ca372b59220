package linux

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/AnishMulay/ubidevice/internal/flash"
)

var mtdDirRe = regexp.MustCompile(`^mtd(\d+)$`)

type mtdLib struct {
	classDir string
	devRoot  string
	procMtd  string
	sysfs    bool
}

var _ flash.MtdLib = (*mtdLib)(nil)

func (l *mtdLib) GetInfo() (flash.MtdInfo, error) {
	info := flash.MtdInfo{SysfsSupported: l.sysfs, LowestDevNum: -1, HighestDevNum: -1}

	var nums []int
	var err error
	if l.sysfs {
		nums, err = listNumbered(l.classDir, mtdDirRe)
	} else {
		nums, err = l.procMtdNums()
	}
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

func (l *mtdLib) procMtdNums() ([]int, error) {
	f, err := os.Open(l.procMtd)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var nums []int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var n int
		if _, err := fmt.Sscanf(sc.Text(), "mtd%d:", &n); err == nil {
			nums = append(nums, n)
		}
	}
	return nums, sc.Err()
}

func (l *mtdLib) GetDevInfo(mtdNum int) (flash.MtdDevInfo, error) {
	if !l.sysfs {
		return l.legacyDevInfo(mtdNum)
	}

	dir := filepath.Join(l.classDir, fmt.Sprintf("mtd%d", mtdNum))
	if _, err := os.Stat(dir); err != nil {
		return flash.MtdDevInfo{}, fmt.Errorf("mtd%d: %w", mtdNum, unix.ENODEV)
	}

	r := &intReader{dir: dir}
	info := flash.MtdDevInfo{
		MtdNum:      mtdNum,
		Name:        r.string("name"),
		Type:        r.string("type"),
		Size:        r.int64("size"),
		EbSize:      r.int("erasesize"),
		MinIOSize:   r.int("writesize"),
		SubpageSize: r.int("subpagesize"),
		OobSize:     r.int("oobsize"),
	}
	flags := r.int64("flags")
	if r.err != nil {
		return flash.MtdDevInfo{}, fmt.Errorf("mtd%d: %w", mtdNum, r.err)
	}
	if info.EbSize <= 0 {
		return flash.MtdDevInfo{}, fmt.Errorf("mtd%d: invalid eraseblock size %d", mtdNum, info.EbSize)
	}

	info.EbCnt = int(info.Size / int64(info.EbSize))
	info.Writable = flags&mtdFlagWritable != 0
	info.BBAllowed = info.Type == "nand" || info.Type == "mlc-nand"
	return info, nil
}

func (l *mtdLib) legacyDevInfo(mtdNum int) (flash.MtdDevInfo, error) {
	node := filepath.Join(l.devRoot, fmt.Sprintf("mtd%d", mtdNum))
	f, err := os.Open(node)
	if err != nil {
		return flash.MtdDevInfo{}, err
	}
	defer f.Close()

	var ui mtdInfoUser
	if _, err := ioctl(f.Fd(), memGetInfo, unsafe.Pointer(&ui)); err != nil {
		return flash.MtdDevInfo{}, fmt.Errorf("MEMGETINFO %s: %w", node, err)
	}
	if ui.EraseSize == 0 {
		return flash.MtdDevInfo{}, fmt.Errorf("%s: invalid eraseblock size 0", node)
	}

	info := flash.MtdDevInfo{
		MtdNum:      mtdNum,
		Size:        int64(ui.Size),
		EbSize:      int(ui.EraseSize),
		EbCnt:       int(ui.Size / ui.EraseSize),
		MinIOSize:   int(ui.WriteSize),
		SubpageSize: int(ui.WriteSize),
		OobSize:     int(ui.OobSize),
		Writable:    ui.Flags&mtdFlagWritable != 0,
	}
	switch ui.Type {
	case mtdTypeNand:
		info.Type, info.BBAllowed = "nand", true
	case mtdTypeMlcNand:
		info.Type, info.BBAllowed = "mlc-nand", true
	case mtdTypeNor:
		info.Type = "nor"
	default:
		info.Type = "unknown"
	}
	return info, nil
}

func fdOf(f flash.File) (uintptr, error) {
	fd, ok := f.(fder)
	if !ok {
		return 0, fmt.Errorf("%s: %w", f.Name(), unix.EBADF)
	}
	return fd.Fd(), nil
}

func checkEB(dev *flash.MtdDevInfo, eb int) error {
	if eb < 0 || eb >= dev.EbCnt {
		return fmt.Errorf("mtd%d: eraseblock %d out of range: %w", dev.MtdNum, eb, unix.EINVAL)
	}
	return nil
}

func (l *mtdLib) IsBad(dev *flash.MtdDevInfo, f flash.File, eb int) (bool, error) {
	if err := checkEB(dev, eb); err != nil {
		return false, err
	}
	if !dev.BBAllowed {
		return false, nil
	}
	fd, err := fdOf(f)
	if err != nil {
		return false, err
	}
	offs := int64(eb) * int64(dev.EbSize)
	r, err := ioctl(fd, memGetBadBlock, unsafe.Pointer(&offs))
	if err != nil {
		return false, fmt.Errorf("MEMGETBADBLOCK mtd%d eraseblock %d: %w", dev.MtdNum, eb, err)
	}
	return r == 1, nil
}

func (l *mtdLib) MarkBad(dev *flash.MtdDevInfo, f flash.File, eb int) error {
	if err := checkEB(dev, eb); err != nil {
		return err
	}
	if !dev.BBAllowed {
		return fmt.Errorf("mtd%d: %w", dev.MtdNum, unix.EOPNOTSUPP)
	}
	fd, err := fdOf(f)
	if err != nil {
		return err
	}
	offs := int64(eb) * int64(dev.EbSize)
	if _, err := ioctl(fd, memSetBadBlock, unsafe.Pointer(&offs)); err != nil {
		return fmt.Errorf("MEMSETBADBLOCK mtd%d eraseblock %d: %w", dev.MtdNum, eb, err)
	}
	return nil
}

func (l *mtdLib) Erase(dev *flash.MtdDevInfo, f flash.File, eb int) error {
	if err := checkEB(dev, eb); err != nil {
		return err
	}
	fd, err := fdOf(f)
	if err != nil {
		return err
	}
	ei := eraseInfoUser64{Start: uint64(eb) * uint64(dev.EbSize), Length: uint64(dev.EbSize)}
	if _, err := ioctl(fd, memErase64, unsafe.Pointer(&ei)); err != nil {
		return fmt.Errorf("MEMERASE64 mtd%d eraseblock %d: %w", dev.MtdNum, eb, err)
	}
	return nil
}

func (l *mtdLib) Read(dev *flash.MtdDevInfo, f flash.File, eb int, offs int, buf []byte) error {
	if err := checkEB(dev, eb); err != nil {
		return err
	}
	if offs < 0 || offs+len(buf) > dev.EbSize {
		return fmt.Errorf("mtd%d: read of %d bytes at %d: %w", dev.MtdNum, len(buf), offs, unix.EINVAL)
	}
	pos := int64(eb)*int64(dev.EbSize) + int64(offs)
	n, err := f.ReadAt(buf, pos)
	if err != nil && !(err == io.EOF && n == len(buf)) {
		return fmt.Errorf("read mtd%d eraseblock %d: %w", dev.MtdNum, eb, err)
	}
	return nil
}

func (l *mtdLib) Write(dev *flash.MtdDevInfo, f flash.File, eb int, offs int, data []byte) error {
	if err := checkEB(dev, eb); err != nil {
		return err
	}
	if offs < 0 || offs+len(data) > dev.EbSize {
		return fmt.Errorf("mtd%d: write of %d bytes at %d: %w", dev.MtdNum, len(data), offs, unix.EINVAL)
	}
	pos := int64(eb)*int64(dev.EbSize) + int64(offs)
	if _, err := f.WriteAt(data, pos); err != nil {
		return fmt.Errorf("write mtd%d eraseblock %d: %w", dev.MtdNum, eb, err)
	}
	return nil
}

func (l *mtdLib) Torture(dev *flash.MtdDevInfo, f flash.File, eb int) error {
	return flash.TortureBlock(l, dev, f, eb)
}

func (l *mtdLib) Close() error {
	return nil
}
