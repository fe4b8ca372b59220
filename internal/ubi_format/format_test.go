package ubi_format

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"github.com/AnishMulay/ubidevice/internal/flash"
	"github.com/AnishMulay/ubidevice/internal/flash/fake"
	"github.com/AnishMulay/ubidevice/internal/log_service"
	"github.com/AnishMulay/ubidevice/internal/ubi_device"
	"github.com/AnishMulay/ubidevice/internal/ubigen"
)

const (
	ebSize = 16384
	minIO  = 512
)

func newChip(ebCnt int) (*fake.Kernel, *fake.Chip) {
	k := fake.NewKernel("/dev")
	c := fake.NewNandChip(0, ebCnt, ebSize, minIO, minIO)
	k.AddChip(c)
	return k, c
}

func newEngine(k *fake.Kernel, opts Options) *Engine {
	return NewEngine(k, "/dev", opts, log_service.NopLogService{})
}

func ecHeader(t *testing.T, c *fake.Chip, eb int) ubigen.ECHeader {
	t.Helper()
	hdr, err := ubigen.ParseECHeader(c.Block(eb))
	if err != nil {
		t.Fatalf("eraseblock %d: ParseECHeader() error = %v", eb, err)
	}
	return hdr
}

func layoutLnum(t *testing.T, c *fake.Chip, eb, vidHdrOffs int) int {
	t.Helper()
	vid, err := ubigen.ParseVIDHeader(c.Block(eb)[vidHdrOffs:])
	if err != nil {
		t.Fatalf("eraseblock %d: ParseVIDHeader() error = %v", eb, err)
	}
	if vid.VolID != ubigen.LayoutVolumeID {
		t.Fatalf("eraseblock %d: vol_id = %#x, want layout volume", eb, vid.VolID)
	}
	return int(vid.Lnum)
}

func wantCode(t *testing.T, err error, want ubi_device.ErrorCode) {
	t.Helper()
	got, ok := ubi_device.CodeOf(err)
	if !ok || got != want {
		t.Fatalf("error = %v, want %v", err, want)
	}
}

func TestFormatThenAttachGivesEmptyVolumeTable(t *testing.T) {
	k, c := newChip(32)
	c.SetBad(7)

	if err := newEngine(k, DefaultOptions()).Format(0); err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	if n := k.OpenHandles(); n != 0 {
		t.Errorf("OpenHandles() = %d after Format, want 0", n)
	}

	if got := layoutLnum(t, c, 0, minIO); got != 0 {
		t.Errorf("eraseblock 0 holds layout LEB %d, want 0", got)
	}
	if got := layoutLnum(t, c, 1, minIO); got != 1 {
		t.Errorf("eraseblock 1 holds layout LEB %d, want 1", got)
	}
	for _, eb := range []int{2, 6, 8, 31} {
		hdr := ecHeader(t, c, eb)
		if hdr.EC != 0 || hdr.VidHdrOffset != minIO || hdr.DataOffset != 1024 {
			t.Errorf("eraseblock %d: EC header = %+v", eb, hdr)
		}
		if !ubigen.IsErased(c.Block(eb)[ubigen.ECHdrSize:]) {
			t.Errorf("eraseblock %d: data after EC header is not erased", eb)
		}
	}

	lib, err := k.OpenUbiLib()
	if err != nil {
		t.Fatalf("OpenUbiLib() error = %v", err)
	}
	defer lib.Close()
	if err := lib.Attach(k.CtrlNode(), &flash.AttachRequest{DevNum: flash.DevNumAuto, MtdNum: 0}); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	info, err := lib.GetDevInfo("/dev/ubi0")
	if err != nil {
		t.Fatalf("GetDevInfo() error = %v", err)
	}
	if info.VolCount != 0 {
		t.Errorf("VolCount = %d, want 0", info.VolCount)
	}
	if info.LebSize != ebSize-1024 {
		t.Errorf("LebSize = %d, want %d", info.LebSize, ebSize-1024)
	}
}

func TestFormatPreservesEraseCounters(t *testing.T) {
	k, c := newChip(16)
	e := newEngine(k, DefaultOptions())

	for i := 0; i < 3; i++ {
		if err := e.Format(0); err != nil {
			t.Fatalf("Format() #%d error = %v", i+1, err)
		}
	}
	for _, eb := range []int{0, 1, 5, 15} {
		if got := ecHeader(t, c, eb).EC; got != 2 {
			t.Errorf("eraseblock %d: ec = %d, want 2", eb, got)
		}
	}
}

func TestFormatOverridesUntrustedEraseCounters(t *testing.T) {
	k, c := newChip(8)
	e := newEngine(k, DefaultOptions())

	if err := e.Format(0); err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	if err := e.Format(0); err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	for eb := 0; eb < 6; eb++ {
		c.Fill(eb, []byte("JFFS2 left this here"))
	}

	if err := e.Format(0); err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	for _, eb := range []int{0, 1, 6, 7} {
		if got := ecHeader(t, c, eb).EC; got != 0 {
			t.Errorf("eraseblock %d: ec = %d, want override 0", eb, got)
		}
	}
}

func TestFormatPreconditions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(k *fake.Kernel, c *fake.Chip)
		mtd   int
		want  ubi_device.ErrorCode
	}{
		{
			name:  "mtd subsystem missing",
			setup: func(k *fake.Kernel, _ *fake.Chip) { k.NoMtd = true },
			want:  ubi_device.ErrMtdNotPresent,
		},
		{
			name:  "ubi subsystem missing",
			setup: func(k *fake.Kernel, _ *fake.Chip) { k.NoUbi = true },
			want:  ubi_device.ErrUbiNotPresent,
		},
		{
			name: "unknown mtd device",
			mtd:  3,
			want: ubi_device.ErrMtdGetDevInfo,
		},
		{
			name:  "read-only device",
			setup: func(_ *fake.Kernel, c *fake.Chip) { c.SetReadOnly() },
			want:  ubi_device.ErrReadOnlyDevice,
		},
		{
			name:  "min I/O size not a power of two",
			setup: func(_ *fake.Kernel, c *fake.Chip) { c.Info.MinIOSize = 384 },
			want:  ubi_device.ErrMinIOSizeNotPowerOf2,
		},
		{
			name: "already attached",
			setup: func(k *fake.Kernel, _ *fake.Chip) {
				lib, _ := k.OpenUbiLib()
				defer lib.Close()
				_ = lib.Attach(k.CtrlNode(), &flash.AttachRequest{DevNum: flash.DevNumAuto, MtdNum: 0})
			},
			want: ubi_device.ErrAlreadyAttached,
		},
		{
			name:  "all eraseblocks bad",
			setup: func(_ *fake.Kernel, c *fake.Chip) { c.SetBad(0, 1, 2, 3, 4, 5, 6, 7) },
			want:  ubi_device.ErrAllEraseblocksBad,
		},
		{
			name:  "one good eraseblock",
			setup: func(_ *fake.Kernel, c *fake.Chip) { c.SetBad(0, 1, 2, 3, 5, 6, 7) },
			want:  ubi_device.ErrTooFewGoodEraseblocks,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, c := newChip(8)
			if tt.setup != nil {
				tt.setup(k, c)
			}
			before := c.Block(4)

			err := newEngine(k, DefaultOptions()).Format(tt.mtd)
			wantCode(t, err, tt.want)

			if tt.want != ubi_device.ErrAlreadyAttached {
				if c.Attached() {
					t.Error("chip attached after failed format")
				}
				if n := k.OpenHandles(); n != 0 {
					t.Errorf("OpenHandles() = %d, want 0", n)
				}
			}
			if !bytes.Equal(before, c.Block(4)) {
				t.Error("eraseblock 4 modified by a failed precondition")
			}
		})
	}
}

func TestFormatConsecutiveBadBlocks(t *testing.T) {
	tests := []struct {
		name       string
		failing    []int
		wantErr    bool
		wantMarked []int
	}{
		{
			name:       "four adjacent blocks abort",
			failing:    []int{10, 11, 12, 13},
			wantErr:    true,
			wantMarked: []int{10, 11, 12, 13},
		},
		{
			name:       "three adjacent blocks pass",
			failing:    []int{10, 11, 12},
			wantMarked: []int{10, 11, 12},
		},
		{
			name:       "non-adjacent blocks pass",
			failing:    []int{10, 12, 14},
			wantMarked: []int{10, 12, 14},
		},
		{
			name:       "streak restarts after a gap",
			failing:    []int{3, 4, 5, 7, 8, 9},
			wantMarked: []int{3, 4, 5, 7, 8, 9},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, c := newChip(32)
			for _, eb := range tt.failing {
				c.FailErase(eb, unix.EIO)
			}

			err := newEngine(k, DefaultOptions()).Format(0)
			if tt.wantErr {
				wantCode(t, err, ubi_device.ErrConsecutiveBadBlocks)
			} else if err != nil {
				t.Fatalf("Format() error = %v", err)
			}
			if diff := cmp.Diff(tt.wantMarked, c.MarkedBad()); diff != "" {
				t.Errorf("MarkedBad() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormatStreakDoesNotLeakBetweenCalls(t *testing.T) {
	k, c := newChip(32)
	e := newEngine(k, DefaultOptions())

	c.FailErase(20, unix.EIO)
	c.FailErase(21, unix.EIO)
	c.FailErase(22, unix.EIO)
	if err := e.Format(0); err != nil {
		t.Fatalf("first Format() error = %v", err)
	}

	// the next block would be the fourth in a row if state survived
	c.FailErase(23, unix.EIO)
	if err := e.Format(0); err != nil {
		t.Fatalf("second Format() error = %v", err)
	}
	if diff := cmp.Diff([]int{20, 21, 22, 23}, c.MarkedBad()); diff != "" {
		t.Errorf("MarkedBad() mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatHardwareFailures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(c *fake.Chip)
		opts       Options
		want       ubi_device.ErrorCode
		wantMarked []int
		wantLayout [2]int
	}{
		{
			name:       "erase I/O error on first block moves the volume table",
			setup:      func(c *fake.Chip) { c.FailErase(0, unix.EIO) },
			wantMarked: []int{0},
			wantLayout: [2]int{1, 2},
		},
		{
			name:  "erase failure other than I/O aborts",
			setup: func(c *fake.Chip) { c.FailErase(5, unix.EPERM) },
			want:  ubi_device.ErrEraseFailed,
		},
		{
			name:       "write I/O error and failed torture marks the block bad",
			setup:      func(c *fake.Chip) { c.FailWrite(6, unix.EIO) },
			wantMarked: []int{6},
			wantLayout: [2]int{0, 1},
		},
		{
			name:  "write failure other than I/O with mismatched sub-page aborts",
			setup: func(c *fake.Chip) { c.FailWrite(6, unix.EINVAL) },
			want:  ubi_device.ErrCannotWriteECHeader,
		},
		{
			name:       "write failure other than I/O with matching sub-page tortures",
			setup:      func(c *fake.Chip) { c.FailWrite(6, unix.EINVAL) },
			opts:       Options{SubpageSize: minIO},
			wantMarked: []int{6},
			wantLayout: [2]int{0, 1},
		},
		{
			name: "bad blocks not supported",
			setup: func(c *fake.Chip) {
				c.Info.BBAllowed = false
				c.FailErase(5, unix.EIO)
			},
			want: ubi_device.ErrBadBlocksNotSupported,
		},
		{
			name: "marking bad fails",
			setup: func(c *fake.Chip) {
				c.FailErase(5, unix.EIO)
				c.FailMarkBad(5, unix.EIO)
			},
			want: ubi_device.ErrMarkBadFailed,
		},
		{
			name:  "no eraseblocks left for the volume table",
			setup: func(c *fake.Chip) {},
			opts:  Options{StartEraseblock: 15},
			want:  ubi_device.ErrNoEraseblocksForVolumeTable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, c := newChip(16)
			tt.setup(c)

			err := newEngine(k, tt.opts).Format(0)
			if tt.want != 0 {
				wantCode(t, err, tt.want)
				return
			}
			if err != nil {
				t.Fatalf("Format() error = %v", err)
			}
			if diff := cmp.Diff(tt.wantMarked, c.MarkedBad()); diff != "" {
				t.Errorf("MarkedBad() mismatch (-want +got):\n%s", diff)
			}
			for lnum, eb := range tt.wantLayout {
				if got := layoutLnum(t, c, eb, minIO); got != lnum {
					t.Errorf("eraseblock %d holds layout LEB %d, want %d", eb, got, lnum)
				}
			}
		})
	}
}

func TestFormatKeepsVidHeaderOffsetFromFlash(t *testing.T) {
	k, c := newChip(8)

	if err := newEngine(k, Options{VidHdrOffset: 2048}).Format(0); err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	if err := newEngine(k, DefaultOptions()).Format(0); err != nil {
		t.Fatalf("Format() error = %v", err)
	}

	hdr := ecHeader(t, c, 4)
	if hdr.VidHdrOffset != 2048 || hdr.DataOffset != 2560 {
		t.Errorf("EC header offsets = %d/%d, want 2048/2560", hdr.VidHdrOffset, hdr.DataOffset)
	}
	if got := layoutLnum(t, c, 1, 2048); got != 1 {
		t.Errorf("eraseblock 1 holds layout LEB %d, want 1", got)
	}
}

func TestBadBlockStreak(t *testing.T) {
	tests := []struct {
		name    string
		ebs     []int
		failsAt int
	}{
		{name: "adjacent", ebs: []int{10, 11, 12, 13}, failsAt: 3},
		{name: "non-adjacent", ebs: []int{10, 12, 14, 16}, failsAt: -1},
		{name: "reset by gap", ebs: []int{1, 2, 3, 5, 6, 7}, failsAt: -1},
		{name: "starts at zero", ebs: []int{0, 1, 2, 3}, failsAt: 3},
		{name: "long run fails once limit reached", ebs: []int{4, 5, 6, 7, 8}, failsAt: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newBadBlockStreak()
			for i, eb := range tt.ebs {
				err := s.check(eb)
				if i == tt.failsAt {
					wantCode(t, err, ubi_device.ErrConsecutiveBadBlocks)
					return
				}
				if err != nil {
					t.Fatalf("check(%d) error = %v", eb, err)
				}
			}
			if tt.failsAt >= 0 {
				t.Fatal("streak never reached the limit")
			}
		})
	}
}
