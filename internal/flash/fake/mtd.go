package fake

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/AnishMulay/ubidevice/internal/flash"
)

type mtdLib struct {
	k      *Kernel
	closed bool
}

var _ flash.MtdLib = (*mtdLib)(nil)

func (l *mtdLib) GetInfo() (flash.MtdInfo, error) {
	l.k.mu.Lock()
	defer l.k.mu.Unlock()

	info := flash.MtdInfo{SysfsSupported: !l.k.NoSysfs, LowestDevNum: -1, HighestDevNum: -1}
	for _, n := range sortedKeys(l.k.chips) {
		if info.LowestDevNum < 0 {
			info.LowestDevNum = n
		}
		info.HighestDevNum = n
		info.DevCount++
	}
	return info, nil
}

func (l *mtdLib) GetDevInfo(mtdNum int) (flash.MtdDevInfo, error) {
	l.k.mu.Lock()
	defer l.k.mu.Unlock()

	c, ok := l.k.chips[mtdNum]
	if !ok {
		return flash.MtdDevInfo{}, errors.Wrapf(unix.ENODEV, "mtd%d", mtdNum)
	}
	info := c.Info
	if l.k.NoSysfs {
		info.SubpageSize = info.MinIOSize
	}
	return info, nil
}

// chip resolves the chip behind dev and checks that f is an open node for
// it. Callers hold k.mu.
func (l *mtdLib) chip(dev *flash.MtdDevInfo, f flash.File, eb int) (*Chip, error) {
	c, ok := l.k.chips[dev.MtdNum]
	if !ok {
		return nil, errors.Wrapf(unix.ENODEV, "mtd%d", dev.MtdNum)
	}
	ff, ok := f.(*File)
	if !ok || ff.chip != c || ff.closed {
		return nil, errors.Wrapf(unix.EBADF, "mtd%d: file %s", dev.MtdNum, f.Name())
	}
	if eb < 0 || eb >= c.Info.EbCnt {
		return nil, errors.Wrapf(unix.EINVAL, "mtd%d: eraseblock %d out of range", dev.MtdNum, eb)
	}
	return c, nil
}

func (l *mtdLib) IsBad(dev *flash.MtdDevInfo, f flash.File, eb int) (bool, error) {
	l.k.mu.Lock()
	defer l.k.mu.Unlock()

	c, err := l.chip(dev, f, eb)
	if err != nil {
		return false, err
	}
	if !c.Info.BBAllowed {
		return false, nil
	}
	return c.bad[eb], nil
}

func (l *mtdLib) MarkBad(dev *flash.MtdDevInfo, f flash.File, eb int) error {
	l.k.mu.Lock()
	defer l.k.mu.Unlock()

	c, err := l.chip(dev, f, eb)
	if err != nil {
		return err
	}
	if !c.Info.BBAllowed {
		return errors.Wrapf(unix.EOPNOTSUPP, "mtd%d: mark eraseblock %d bad", dev.MtdNum, eb)
	}
	if ferr := c.markBadFail[eb]; ferr != nil {
		return errors.Wrapf(ferr, "mtd%d: mark eraseblock %d bad", dev.MtdNum, eb)
	}
	c.bad[eb] = true
	c.marked = append(c.marked, eb)
	return nil
}

func (l *mtdLib) Erase(dev *flash.MtdDevInfo, f flash.File, eb int) error {
	l.k.mu.Lock()
	defer l.k.mu.Unlock()

	c, err := l.chip(dev, f, eb)
	if err != nil {
		return err
	}
	if c.bad[eb] {
		return errors.Wrapf(unix.EIO, "mtd%d: erase bad eraseblock %d", dev.MtdNum, eb)
	}
	if ferr := c.eraseFail[eb]; ferr != nil {
		return errors.Wrapf(ferr, "mtd%d: erase eraseblock %d", dev.MtdNum, eb)
	}
	blk := c.block(eb)
	for i := range blk {
		blk[i] = 0xFF
	}
	c.eraseCount[eb]++
	return nil
}

func (l *mtdLib) Read(dev *flash.MtdDevInfo, f flash.File, eb int, offs int, buf []byte) error {
	l.k.mu.Lock()
	defer l.k.mu.Unlock()

	c, err := l.chip(dev, f, eb)
	if err != nil {
		return err
	}
	if offs < 0 || offs+len(buf) > c.Info.EbSize {
		return errors.Wrapf(unix.EINVAL, "mtd%d: read %d bytes at %d of eraseblock %d", dev.MtdNum, len(buf), offs, eb)
	}
	copy(buf, c.block(eb)[offs:])
	return nil
}

func (l *mtdLib) Write(dev *flash.MtdDevInfo, f flash.File, eb int, offs int, data []byte) error {
	l.k.mu.Lock()
	defer l.k.mu.Unlock()

	c, err := l.chip(dev, f, eb)
	if err != nil {
		return err
	}
	if offs < 0 || offs+len(data) > c.Info.EbSize {
		return errors.Wrapf(unix.EINVAL, "mtd%d: write %d bytes at %d of eraseblock %d", dev.MtdNum, len(data), offs, eb)
	}
	if ferr := c.writeFail[eb]; ferr != nil {
		return errors.Wrapf(ferr, "mtd%d: write eraseblock %d", dev.MtdNum, eb)
	}
	copy(c.block(eb)[offs:], data)
	return nil
}

func (l *mtdLib) Torture(dev *flash.MtdDevInfo, f flash.File, eb int) error {
	l.k.mu.Lock()
	fail := false
	if c, ok := l.k.chips[dev.MtdNum]; ok {
		fail = c.tortureFail[eb]
	}
	l.k.mu.Unlock()

	if fail {
		return errors.Wrapf(flash.ErrVerifyFailed, "mtd%d: torture eraseblock %d", dev.MtdNum, eb)
	}
	return flash.TortureBlock(l, dev, f, eb)
}

func (l *mtdLib) Close() error {
	if l.closed {
		return errors.New("mtd library handle already closed")
	}
	l.closed = true
	l.k.release()
	return nil
}
