package fake

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/AnishMulay/ubidevice/internal/flash"
)

// Kernel is a simulated kernel exposing MTD chips, UBI devices and their
// device nodes. It implements flash.Provider.
type Kernel struct {
	mu      sync.Mutex
	devRoot string

	chips map[int]*Chip
	ubi   map[int]*ubiDev

	// NoMtd and NoUbi simulate kernels built without the subsystem.
	NoMtd bool
	NoUbi bool
	// NoSysfs simulates an old kernel without MTD sysfs support.
	NoSysfs bool
	// NoCtrl simulates a UBI without the attach/detach control node.
	NoCtrl bool

	open int
}

var _ flash.Provider = (*Kernel)(nil)

// NewKernel returns a kernel whose device nodes live under devRoot.
func NewKernel(devRoot string) *Kernel {
	return &Kernel{
		devRoot: devRoot,
		chips:   make(map[int]*Chip),
		ubi:     make(map[int]*ubiDev),
	}
}

// AddChip registers a chip under its MTD number.
func (k *Kernel) AddChip(c *Chip) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.chips[c.Info.MtdNum] = c
}

// OpenHandles reports library handles and files that were opened and not
// yet closed.
func (k *Kernel) OpenHandles() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.open
}

// CtrlNode is the path of the UBI control node.
func (k *Kernel) CtrlNode() string {
	return filepath.Join(k.devRoot, "ubi_ctrl")
}

// Volumes lists the volumes of an attached UBI device by name.
func (k *Kernel) Volumes(devNum int) map[string]flash.VolInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	d, ok := k.ubi[devNum]
	if !ok {
		return nil
	}
	out := make(map[string]flash.VolInfo, len(d.vols))
	for _, v := range d.vols {
		out[v.name] = d.volInfo(v)
	}
	return out
}

// VolumeData returns a copy of the data written to a volume.
func (k *Kernel) VolumeData(devNum int, name string) ([]byte, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	d, ok := k.ubi[devNum]
	if !ok {
		return nil, false
	}
	v := d.byName(name)
	if v == nil {
		return nil, false
	}
	return append([]byte(nil), v.data...), true
}

func (k *Kernel) OpenMtdLib() (flash.MtdLib, error) {
	if k.NoMtd {
		return nil, flash.ErrMtdNotPresent
	}
	k.mu.Lock()
	k.open++
	k.mu.Unlock()
	return &mtdLib{k: k}, nil
}

func (k *Kernel) OpenUbiLib() (flash.UbiLib, error) {
	if k.NoUbi {
		return nil, flash.ErrUbiNotPresent
	}
	k.mu.Lock()
	k.open++
	k.mu.Unlock()
	return &ubiLib{k: k}, nil
}

// OpenFile opens one of the simulated device nodes: mtdN, ubiN, ubiN_M or
// ubi_ctrl. Any other path is opened on the real file system.
func (k *Kernel) OpenFile(path string, flag int) (flash.File, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if filepath.Dir(path) != filepath.Clean(k.devRoot) {
		f, err := os.OpenFile(path, flag, 0)
		if err != nil {
			return nil, err
		}
		k.open++
		return &osFile{File: f, k: k}, nil
	}

	f := &File{k: k, name: path, flag: flag}
	base := filepath.Base(path)
	switch {
	case base == "ubi_ctrl":
		if k.NoCtrl {
			return nil, &os.PathError{Op: "open", Path: path, Err: unix.ENOENT}
		}
	case strings.HasPrefix(base, "mtd"):
		n, err := strconv.Atoi(strings.TrimPrefix(base, "mtd"))
		if err != nil {
			return nil, &os.PathError{Op: "open", Path: path, Err: unix.ENOENT}
		}
		c, ok := k.chips[n]
		if !ok {
			return nil, &os.PathError{Op: "open", Path: path, Err: unix.ENODEV}
		}
		if flag&(os.O_WRONLY|os.O_RDWR) != 0 && !c.Info.Writable {
			return nil, &os.PathError{Op: "open", Path: path, Err: unix.EROFS}
		}
		f.chip = c
	case strings.HasPrefix(base, "ubi"):
		d, v, err := k.lookupNode(path)
		if err != nil {
			return nil, &os.PathError{Op: "open", Path: path, Err: err}
		}
		f.dev, f.vol = d, v
	default:
		return nil, &os.PathError{Op: "open", Path: path, Err: unix.ENOENT}
	}
	k.open++
	return f, nil
}

// lookupNode resolves a UBI device or volume node. The volume is nil for a
// device node. Callers hold k.mu.
func (k *Kernel) lookupNode(path string) (*ubiDev, *volume, error) {
	if filepath.Dir(path) != filepath.Clean(k.devRoot) {
		return nil, nil, unix.ENODEV
	}
	base := strings.TrimPrefix(filepath.Base(path), "ubi")
	devPart, volPart, isVol := strings.Cut(base, "_")

	n, err := strconv.Atoi(devPart)
	if err != nil {
		return nil, nil, unix.ENODEV
	}
	d, ok := k.ubi[n]
	if !ok {
		return nil, nil, unix.ENODEV
	}
	if !isVol {
		return d, nil, nil
	}
	id, err := strconv.Atoi(volPart)
	if err != nil {
		return nil, nil, unix.ENODEV
	}
	v, ok := d.vols[id]
	if !ok {
		return nil, nil, unix.ENODEV
	}
	return d, v, nil
}

func (k *Kernel) release() {
	k.mu.Lock()
	k.open--
	k.mu.Unlock()
}

// File is an open simulated device node.
type File struct {
	k      *Kernel
	name   string
	flag   int
	chip   *Chip
	dev    *ubiDev
	vol    *volume
	off    int64
	closed bool
}

var _ flash.File = (*File)(nil)

func (f *File) Name() string { return f.name }

func (f *File) Close() error {
	if f.closed {
		return &os.PathError{Op: "close", Path: f.name, Err: os.ErrClosed}
	}
	f.closed = true
	f.k.release()
	return nil
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.k.mu.Lock()
	defer f.k.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	var src []byte
	switch {
	case f.chip != nil:
		src = f.chip.data
	case f.vol != nil:
		src = f.vol.data
	default:
		return 0, &os.PathError{Op: "read", Path: f.name, Err: unix.EINVAL}
	}
	if off >= int64(len(src)) {
		return 0, io.EOF
	}
	n := copy(p, src[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	f.k.mu.Lock()
	defer f.k.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	if f.flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		return 0, &os.PathError{Op: "write", Path: f.name, Err: unix.EBADF}
	}
	switch {
	case f.chip != nil:
		if off+int64(len(p)) > int64(len(f.chip.data)) {
			return 0, &os.PathError{Op: "write", Path: f.name, Err: unix.ENOSPC}
		}
		return copy(f.chip.data[off:], p), nil
	case f.vol != nil:
		if off != int64(len(f.vol.data)) {
			return 0, &os.PathError{Op: "write", Path: f.name, Err: unix.EINVAL}
		}
		return f.vol.update(p, f.name)
	default:
		return 0, &os.PathError{Op: "write", Path: f.name, Err: unix.EINVAL}
	}
}

func (f *File) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.off)
	f.off += int64(n)
	if n > 0 && errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func (f *File) Write(p []byte) (int, error) {
	n, err := f.WriteAt(p, f.off)
	f.off += int64(n)
	return n, err
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += f.off
	default:
		return 0, &os.PathError{Op: "seek", Path: f.name, Err: unix.EINVAL}
	}
	if offset < 0 {
		return 0, &os.PathError{Op: "seek", Path: f.name, Err: unix.EINVAL}
	}
	f.off = offset
	return offset, nil
}

type osFile struct {
	*os.File
	k *Kernel
}

func (f *osFile) Close() error {
	err := f.File.Close()
	if err == nil {
		f.k.release()
	}
	return err
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
