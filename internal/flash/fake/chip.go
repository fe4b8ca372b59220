// Package fake simulates MTD flash chips and the UBI subsystem in memory so
// the format engine and the device lifecycle can be exercised without a
// kernel. Failures are scripted per eraseblock.
package fake

import (
	"github.com/AnishMulay/ubidevice/internal/flash"
)

// Chip is one simulated MTD device.
type Chip struct {
	Info flash.MtdDevInfo

	data        []byte
	bad         map[int]bool
	eraseFail   map[int]error
	writeFail   map[int]error
	tortureFail map[int]bool
	markBadFail map[int]error
	marked      []int
	eraseCount  map[int]int

	// volume contents survive detach; the vtbl on flash decides which ones
	// still exist on the next attach
	volData map[int][]byte
	devNum  int
}

// NewNandChip returns an erased NAND chip that allows bad block marking.
func NewNandChip(mtdNum, ebCnt, ebSize, minIO, subpage int) *Chip {
	c := &Chip{
		Info: flash.MtdDevInfo{
			MtdNum:      mtdNum,
			Name:        "",
			Type:        "nand",
			Size:        int64(ebCnt) * int64(ebSize),
			EbSize:      ebSize,
			EbCnt:       ebCnt,
			MinIOSize:   minIO,
			SubpageSize: subpage,
			OobSize:     64,
			Writable:    true,
			BBAllowed:   true,
		},
		data:        make([]byte, ebCnt*ebSize),
		bad:         make(map[int]bool),
		eraseFail:   make(map[int]error),
		writeFail:   make(map[int]error),
		tortureFail: make(map[int]bool),
		markBadFail: make(map[int]error),
		eraseCount:  make(map[int]int),
		volData:     make(map[int][]byte),
		devNum:      -1,
	}
	for i := range c.data {
		c.data[i] = 0xFF
	}
	return c
}

// SetBad marks eraseblocks as factory bad.
func (c *Chip) SetBad(ebs ...int) {
	for _, eb := range ebs {
		c.bad[eb] = true
	}
}

// FailErase makes every erase of eb fail with err.
func (c *Chip) FailErase(eb int, err error) {
	c.eraseFail[eb] = err
}

// FailWrite makes every write to eb fail with err.
func (c *Chip) FailWrite(eb int, err error) {
	c.writeFail[eb] = err
}

// FailTorture makes the torture test of eb report a verification failure.
func (c *Chip) FailTorture(eb int) {
	c.tortureFail[eb] = true
}

// FailMarkBad makes marking eb bad fail with err.
func (c *Chip) FailMarkBad(eb int, err error) {
	c.markBadFail[eb] = err
}

// MarkedBad lists the eraseblocks marked bad through MarkBad, in call order.
func (c *Chip) MarkedBad() []int {
	return append([]int(nil), c.marked...)
}

// IsBad reports whether eb is bad, either from the factory or marked since.
func (c *Chip) IsBad(eb int) bool {
	return c.bad[eb]
}

// EraseCount reports how many times eb was erased.
func (c *Chip) EraseCount(eb int) int {
	return c.eraseCount[eb]
}

// Block returns a copy of the raw contents of eb.
func (c *Chip) Block(eb int) []byte {
	return append([]byte(nil), c.block(eb)...)
}

// Fill overwrites the raw contents of eb, e.g. to plant foreign data.
func (c *Chip) Fill(eb int, p []byte) {
	copy(c.block(eb), p)
}

// SetReadOnly clears the writable flag of the chip.
func (c *Chip) SetReadOnly() {
	c.Info.Writable = false
}

// Attached reports whether the chip is attached to a UBI device.
func (c *Chip) Attached() bool {
	return c.devNum >= 0
}

func (c *Chip) block(eb int) []byte {
	off := eb * c.Info.EbSize
	return c.data[off : off+c.Info.EbSize]
}

func (c *Chip) goodCount() int {
	n := 0
	for eb := 0; eb < c.Info.EbCnt; eb++ {
		if !c.bad[eb] {
			n++
		}
	}
	return n
}
