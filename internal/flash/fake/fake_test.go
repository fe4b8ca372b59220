package fake

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"github.com/AnishMulay/ubidevice/internal/flash"
)

const (
	testEbSize = 16384
	testMinIO  = 512
)

func newTestKernel(t *testing.T, ebCnt int) (*Kernel, *Chip) {
	t.Helper()
	k := NewKernel("/dev")
	c := NewNandChip(0, ebCnt, testEbSize, testMinIO, testMinIO)
	k.AddChip(c)
	return k, c
}

func TestMtdOperations(t *testing.T) {
	k, c := newTestKernel(t, 8)
	c.SetBad(3)
	c.FailErase(5, unix.EIO)

	s := flash.NewScope(k)
	lib, err := s.MtdLib()
	if err != nil {
		t.Fatalf("MtdLib() error = %v", err)
	}
	dev, err := lib.GetDevInfo(0)
	if err != nil {
		t.Fatalf("GetDevInfo() error = %v", err)
	}
	f, err := s.File("/dev/mtd0", os.O_RDWR)
	if err != nil {
		t.Fatalf("File() error = %v", err)
	}

	if bad, _ := lib.IsBad(&dev, f, 3); !bad {
		t.Error("IsBad(3) = false, want true")
	}
	if err := lib.Erase(&dev, f, 5); !flash.IsIOError(err) {
		t.Errorf("Erase(5) error = %v, want EIO", err)
	}

	if err := lib.Write(&dev, f, 1, 0, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	buf := make([]byte, 4)
	if err := lib.Read(&dev, f, 1, 0, buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if diff := cmp.Diff([]byte{1, 2, 3, 0xFF}, buf); diff != "" {
		t.Errorf("Read() mismatch (-want +got):\n%s", diff)
	}

	if err := lib.Erase(&dev, f, 1); err != nil {
		t.Fatalf("Erase(1) error = %v", err)
	}
	if !bytes.Equal(c.Block(1), bytes.Repeat([]byte{0xFF}, testEbSize)) {
		t.Error("eraseblock 1 not erased")
	}

	if err := lib.MarkBad(&dev, f, 6); err != nil {
		t.Fatalf("MarkBad(6) error = %v", err)
	}
	if diff := cmp.Diff([]int{6}, c.MarkedBad()); diff != "" {
		t.Errorf("MarkedBad() mismatch (-want +got):\n%s", diff)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n := k.OpenHandles(); n != 0 {
		t.Errorf("OpenHandles() = %d after Close, want 0", n)
	}
}

func TestTorture(t *testing.T) {
	k, c := newTestKernel(t, 4)
	c.FailTorture(2)

	lib, err := k.OpenMtdLib()
	if err != nil {
		t.Fatalf("OpenMtdLib() error = %v", err)
	}
	defer lib.Close()
	dev, _ := lib.GetDevInfo(0)
	f, err := k.OpenFile("/dev/mtd0", os.O_RDWR)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer f.Close()

	if err := lib.Torture(&dev, f, 1); err != nil {
		t.Fatalf("Torture(1) error = %v", err)
	}
	if got := c.EraseCount(1); got != 3 {
		t.Errorf("EraseCount(1) = %d, want 3", got)
	}
	if got := c.Block(1)[0]; got != 0x00 {
		t.Errorf("eraseblock 1 holds %#02x after torture, want last pattern 0x00", got)
	}
	if err := lib.Torture(&dev, f, 2); !errors.Is(err, flash.ErrVerifyFailed) {
		t.Errorf("Torture(2) error = %v, want ErrVerifyFailed", err)
	}
}

func TestSubsystemsMissing(t *testing.T) {
	k, _ := newTestKernel(t, 4)
	k.NoMtd = true
	k.NoUbi = true

	if _, err := k.OpenMtdLib(); !errors.Is(err, flash.ErrMtdNotPresent) {
		t.Errorf("OpenMtdLib() error = %v, want ErrMtdNotPresent", err)
	}
	if _, err := k.OpenUbiLib(); !errors.Is(err, flash.ErrUbiNotPresent) {
		t.Errorf("OpenUbiLib() error = %v, want ErrUbiNotPresent", err)
	}
}

func TestReadOnlyChip(t *testing.T) {
	k, c := newTestKernel(t, 4)
	c.SetReadOnly()

	if _, err := k.OpenFile("/dev/mtd0", os.O_RDWR); !errors.Is(err, unix.EROFS) {
		t.Errorf("OpenFile(O_RDWR) error = %v, want EROFS", err)
	}
	f, err := k.OpenFile("/dev/mtd0", os.O_RDONLY)
	if err != nil {
		t.Fatalf("OpenFile(O_RDONLY) error = %v", err)
	}
	f.Close()
}

func TestAttachErasedChipAndVolumes(t *testing.T) {
	k, c := newTestKernel(t, 32)
	lib, err := k.OpenUbiLib()
	if err != nil {
		t.Fatalf("OpenUbiLib() error = %v", err)
	}
	defer lib.Close()

	req := flash.AttachRequest{DevNum: flash.DevNumAuto, MtdNum: 0}
	if err := lib.Attach(k.CtrlNode(), &req); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if req.DevNum != 0 {
		t.Fatalf("DevNum = %d, want 0", req.DevNum)
	}
	if err := lib.Attach(k.CtrlNode(), &flash.AttachRequest{DevNum: flash.DevNumAuto, MtdNum: 0}); !errors.Is(err, unix.EEXIST) {
		t.Fatalf("second Attach() error = %v, want EEXIST", err)
	}

	info, err := lib.GetDevInfo("/dev/ubi0")
	if err != nil {
		t.Fatalf("GetDevInfo() error = %v", err)
	}
	// 32 good blocks, 4 internal, 1 reserved for bad block handling
	if info.AvailLebs != 27 {
		t.Errorf("AvailLebs = %d, want 27", info.AvailLebs)
	}

	mk := flash.MkvolRequest{VolID: flash.VolNumAuto, Alignment: 1, Bytes: int64(info.LebSize) + 1, VolType: flash.DynamicVolume, Name: "rootfs"}
	if err := lib.MkVol("/dev/ubi0", &mk); err != nil {
		t.Fatalf("MkVol() error = %v", err)
	}
	vol, err := lib.GetVolInfoByName(0, "rootfs")
	if err != nil {
		t.Fatalf("GetVolInfoByName() error = %v", err)
	}
	if vol.RsvdLebs != 2 || vol.VolID != 0 {
		t.Errorf("volume = %+v, want 2 LEBs with id 0", vol)
	}
	if kind, err := lib.ProbeNode("/dev/ubi0_0"); err != nil || kind != flash.UbiVolumeNode {
		t.Errorf("ProbeNode(ubi0_0) = %v, %v, want volume node", kind, err)
	}

	if err := lib.Detach(k.CtrlNode(), 0); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}
	if c.Attached() {
		t.Fatal("chip still attached")
	}
	if err := lib.Attach(k.CtrlNode(), &flash.AttachRequest{DevNum: flash.DevNumAuto, MtdNum: 0}); err != nil {
		t.Fatalf("re-Attach() error = %v", err)
	}
	if _, ok := k.Volumes(0)["rootfs"]; !ok {
		t.Error("volume rootfs lost across detach")
	}
}

func TestVolumeUpdate(t *testing.T) {
	k, _ := newTestKernel(t, 16)
	lib, _ := k.OpenUbiLib()
	defer lib.Close()

	if err := lib.Attach(k.CtrlNode(), &flash.AttachRequest{DevNum: flash.DevNumAuto}); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := lib.MkVol("/dev/ubi0", &flash.MkvolRequest{VolID: flash.VolNumAuto, Alignment: 1, Bytes: 100, Name: "data"}); err != nil {
		t.Fatalf("MkVol() error = %v", err)
	}

	f, err := k.OpenFile("/dev/ubi0_0", os.O_RDWR)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer f.Close()

	if _, err := f.Write([]byte("x")); !errors.Is(err, unix.EPERM) {
		t.Fatalf("Write() without update error = %v, want EPERM", err)
	}
	if err := lib.UpdateStart(f, 5); err != nil {
		t.Fatalf("UpdateStart() error = %v", err)
	}
	for _, chunk := range []string{"he", "llo"} {
		if _, err := f.Write([]byte(chunk)); err != nil {
			t.Fatalf("Write(%q) error = %v", chunk, err)
		}
	}
	data, _ := k.VolumeData(0, "data")
	if string(data) != "hello" {
		t.Errorf("volume data = %q, want hello", data)
	}
}
