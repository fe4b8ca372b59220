package linux

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"github.com/AnishMulay/ubidevice/internal/flash"
)

func writeAttrs(t *testing.T, dir string, attrs map[string]string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll(%s) error = %v", dir, err)
	}
	for name, val := range attrs {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(val+"\n"), 0o644); err != nil {
			t.Fatalf("WriteFile(%s) error = %v", name, err)
		}
	}
}

func newSysfs(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeAttrs(t, filepath.Join(root, "class", "mtd", "mtd0"), map[string]string{
		"name": "bank0", "type": "nand", "size": "134217728", "erasesize": "131072",
		"writesize": "2048", "subpagesize": "512", "oobsize": "64", "flags": "0xc00",
	})
	writeAttrs(t, filepath.Join(root, "class", "mtd", "mtd1"), map[string]string{
		"name": "boot", "type": "nor", "size": "1048576", "erasesize": "65536",
		"writesize": "1", "subpagesize": "1", "oobsize": "0", "flags": "0x800",
	})
	writeAttrs(t, filepath.Join(root, "class", "ubi"), map[string]string{"version": "1"})
	writeAttrs(t, filepath.Join(root, "class", "ubi", "ubi0"), map[string]string{
		"dev": "248:0", "mtd_num": "0", "eraseblock_size": "129024", "min_io_size": "2048",
		"total_eraseblocks": "1004", "avail_eraseblocks": "500", "bad_peb_count": "2",
		"volumes_count": "1", "max_vol_count": "128",
	})
	writeAttrs(t, filepath.Join(root, "class", "ubi", "ubi0_0"), map[string]string{
		"dev": "248:1", "name": "rootfs", "type": "dynamic", "alignment": "1",
		"data_bytes": "1000", "reserved_ebs": "480", "usable_eb_size": "129024",
		"corrupted": "0", "upd_marker": "0",
	})
	return root
}

func TestMtdDevInfo(t *testing.T) {
	root := newSysfs(t)
	p := NewProvider(root, "/dev", filepath.Join(root, "proc-mtd"))

	lib, err := p.OpenMtdLib()
	if err != nil {
		t.Fatalf("OpenMtdLib() error = %v", err)
	}
	defer lib.Close()

	info, err := lib.GetInfo()
	if err != nil {
		t.Fatalf("GetInfo() error = %v", err)
	}
	if diff := cmp.Diff(flash.MtdInfo{DevCount: 2, LowestDevNum: 0, HighestDevNum: 1, SysfsSupported: true}, info); diff != "" {
		t.Errorf("GetInfo() mismatch (-want +got):\n%s", diff)
	}

	tests := []struct {
		mtd  int
		want flash.MtdDevInfo
	}{
		{
			mtd: 0,
			want: flash.MtdDevInfo{
				MtdNum: 0, Name: "bank0", Type: "nand", Size: 134217728, EbSize: 131072, EbCnt: 1024,
				MinIOSize: 2048, SubpageSize: 512, OobSize: 64, Writable: true, BBAllowed: true,
			},
		},
		{
			mtd: 1,
			want: flash.MtdDevInfo{
				MtdNum: 1, Name: "boot", Type: "nor", Size: 1048576, EbSize: 65536, EbCnt: 16,
				MinIOSize: 1, SubpageSize: 1, OobSize: 0, Writable: false, BBAllowed: false,
			},
		},
	}
	for _, tt := range tests {
		got, err := lib.GetDevInfo(tt.mtd)
		if err != nil {
			t.Fatalf("GetDevInfo(%d) error = %v", tt.mtd, err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("GetDevInfo(%d) mismatch (-want +got):\n%s", tt.mtd, diff)
		}
	}

	if _, err := lib.GetDevInfo(7); !errors.Is(err, unix.ENODEV) {
		t.Errorf("GetDevInfo(7) error = %v, want ENODEV", err)
	}
}

func TestSubsystemDetection(t *testing.T) {
	empty := t.TempDir()
	p := NewProvider(empty, "/dev", filepath.Join(empty, "mtd"))

	if _, err := p.OpenMtdLib(); !errors.Is(err, flash.ErrMtdNotPresent) {
		t.Errorf("OpenMtdLib() error = %v, want ErrMtdNotPresent", err)
	}
	if _, err := p.OpenUbiLib(); !errors.Is(err, flash.ErrUbiNotPresent) {
		t.Errorf("OpenUbiLib() error = %v, want ErrUbiNotPresent", err)
	}

	procMtd := filepath.Join(empty, "mtd")
	content := "dev:    size   erasesize  name\nmtd0: 00800000 00020000 \"bank0\"\nmtd3: 00100000 00010000 \"boot\"\n"
	if err := os.WriteFile(procMtd, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	lib, err := p.OpenMtdLib()
	if err != nil {
		t.Fatalf("OpenMtdLib() with /proc/mtd error = %v", err)
	}
	info, err := lib.GetInfo()
	if err != nil {
		t.Fatalf("GetInfo() error = %v", err)
	}
	if diff := cmp.Diff(flash.MtdInfo{DevCount: 2, LowestDevNum: 0, HighestDevNum: 3}, info); diff != "" {
		t.Errorf("GetInfo() mismatch (-want +got):\n%s", diff)
	}
}

func TestUbiInfo(t *testing.T) {
	root := newSysfs(t)
	p := NewProvider(root, "/dev", "")

	lib, err := p.OpenUbiLib()
	if err != nil {
		t.Fatalf("OpenUbiLib() error = %v", err)
	}
	info, err := lib.GetInfo()
	if err != nil {
		t.Fatalf("GetInfo() error = %v", err)
	}
	if info.CtrlMajor != -1 {
		t.Errorf("CtrlMajor = %d without ubi_ctrl, want -1", info.CtrlMajor)
	}
	if info.DevCount != 1 || info.Version != 1 {
		t.Errorf("GetInfo() = %+v", info)
	}

	writeAttrs(t, filepath.Join(root, "class", "misc", "ubi_ctrl"), map[string]string{"dev": "10:57"})
	info, err = lib.GetInfo()
	if err != nil {
		t.Fatalf("GetInfo() error = %v", err)
	}
	if info.CtrlMajor != 10 || info.CtrlMinor != 57 {
		t.Errorf("ctrl = %d:%d, want 10:57", info.CtrlMajor, info.CtrlMinor)
	}
}

func TestUbiLookups(t *testing.T) {
	root := newSysfs(t)
	lib := &ubiLib{classDir: filepath.Join(root, "class", "ubi")}

	if n, err := lib.MtdNumToUbiDev(0); err != nil || n != 0 {
		t.Errorf("MtdNumToUbiDev(0) = %d, %v, want 0", n, err)
	}
	if _, err := lib.MtdNumToUbiDev(1); !errors.Is(err, unix.ENODEV) {
		t.Errorf("MtdNumToUbiDev(1) error = %v, want ENODEV", err)
	}

	dev, err := lib.devInfo(0)
	if err != nil {
		t.Fatalf("devInfo() error = %v", err)
	}
	wantDev := flash.UbiDevInfo{
		DevNum: 0, MtdNum: 0, LebSize: 129024, MinIOSize: 2048, TotalLebs: 1004, AvailLebs: 500,
		TotalBytes: 1004 * 129024, AvailBytes: 500 * 129024, BadCount: 2, VolCount: 1, MaxVolCount: 128,
	}
	if diff := cmp.Diff(wantDev, dev); diff != "" {
		t.Errorf("devInfo() mismatch (-want +got):\n%s", diff)
	}

	vol, err := lib.GetVolInfoByName(0, "rootfs")
	if err != nil {
		t.Fatalf("GetVolInfoByName() error = %v", err)
	}
	wantVol := flash.VolInfo{
		DevNum: 0, VolID: 0, Type: flash.DynamicVolume, Alignment: 1, DataBytes: 1000,
		RsvdBytes: 480 * 129024, RsvdLebs: 480, LebSize: 129024, Name: "rootfs",
	}
	if diff := cmp.Diff(wantVol, vol); diff != "" {
		t.Errorf("GetVolInfoByName() mismatch (-want +got):\n%s", diff)
	}
	if _, err := lib.GetVolInfoByName(0, "data"); !errors.Is(err, unix.ENOENT) {
		t.Errorf("GetVolInfoByName(data) error = %v, want ENOENT", err)
	}

	tests := []struct {
		name      string
		maj, min  uint32
		wantDev   int
		wantVol   int
		wantNoDev bool
	}{
		{name: "device", maj: 248, min: 0, wantDev: 0, wantVol: -1},
		{name: "volume", maj: 248, min: 1, wantDev: 0, wantVol: 0},
		{name: "other major", maj: 31, min: 0, wantNoDev: true},
		{name: "unknown minor", maj: 248, min: 9, wantNoDev: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, v, err := lib.matchDevNum("/dev/x", tt.maj, tt.min)
			if tt.wantNoDev {
				if !errors.Is(err, unix.ENODEV) {
					t.Fatalf("matchDevNum() error = %v, want ENODEV", err)
				}
				return
			}
			if err != nil || d != tt.wantDev || v != tt.wantVol {
				t.Errorf("matchDevNum() = %d, %d, %v, want %d, %d", d, v, err, tt.wantDev, tt.wantVol)
			}
		})
	}
}

func TestProbeRegularFile(t *testing.T) {
	root := newSysfs(t)
	lib := &ubiLib{classDir: filepath.Join(root, "class", "ubi")}

	path := filepath.Join(t.TempDir(), "image")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := lib.ProbeNode(path); !errors.Is(err, unix.EINVAL) {
		t.Errorf("ProbeNode(regular file) error = %v, want EINVAL", err)
	}
}
