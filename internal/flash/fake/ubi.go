package fake

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/AnishMulay/ubidevice/internal/flash"
	"github.com/AnishMulay/ubidevice/internal/ubigen"
)

const (
	ctrlMajor = 10
	ctrlMinor = 57

	// eraseblocks UBI keeps for the layout volume, wear-leveling and
	// atomic LEB change
	internalPEBs  = 4
	defaultMaxBeb = 20
)

type volume struct {
	id        int
	name      string
	rsvdLebs  int
	volType   flash.VolType
	data      []byte
	updLeft   int64
	updMarker bool
}

func (v *volume) update(p []byte, node string) (int, error) {
	if !v.updMarker {
		return 0, &os.PathError{Op: "write", Path: node, Err: unix.EPERM}
	}
	n := int64(len(p))
	if n > v.updLeft {
		n = v.updLeft
	}
	v.data = append(v.data, p[:n]...)
	v.updLeft -= n
	if v.updLeft == 0 {
		v.updMarker = false
	}
	if int(n) < len(p) {
		return int(n), &os.PathError{Op: "write", Path: node, Err: unix.ENOSPC}
	}
	return int(n), nil
}

type ubiDev struct {
	num    int
	chip   *Chip
	ui     *ubigen.Info
	layout [2]int
	beb    int
	vols   map[int]*volume
}

func (d *ubiDev) byName(name string) *volume {
	for _, v := range d.vols {
		if v.name == name {
			return v
		}
	}
	return nil
}

func (d *ubiDev) availLebs() int {
	used := 0
	for _, v := range d.vols {
		used += v.rsvdLebs
	}
	return max(d.chip.goodCount()-internalPEBs-d.beb-used, 0)
}

func (d *ubiDev) volInfo(v *volume) flash.VolInfo {
	return flash.VolInfo{
		DevNum:    d.num,
		VolID:     v.id,
		Type:      v.volType,
		Alignment: 1,
		DataBytes: int64(len(v.data)),
		RsvdBytes: int64(v.rsvdLebs) * int64(d.ui.LebSize),
		RsvdLebs:  v.rsvdLebs,
		LebSize:   d.ui.LebSize,
		UpdMarker: v.updMarker,
		Name:      v.name,
	}
}

// writeVtbl stores the current volume set in both layout volume copies.
func (d *ubiDev) writeVtbl() error {
	vtbl, err := d.ui.EmptyVtbl()
	if err != nil {
		return err
	}
	for id, v := range d.vols {
		rec := ubigen.VtblRecord{
			ReservedPEBs: uint32(v.rsvdLebs),
			Alignment:    1,
			VolType:      ubigen.VIDDynamic,
			Name:         v.name,
		}
		if v.volType == flash.StaticVolume {
			rec.VolType = ubigen.VIDStatic
		}
		if err := rec.MarshalTo(vtbl[id*ubigen.VtblRecordSize:]); err != nil {
			return err
		}
	}
	for _, peb := range d.layout {
		copy(d.chip.block(peb)[d.ui.DataOffs:], vtbl)
	}
	return nil
}

// attachChip validates the UBI image on c and builds the device. An erased
// chip is formatted on the fly, the way the kernel does it.
func attachChip(c *Chip, num, maxBeb int) (*ubiDev, error) {
	d := &ubiDev{num: num, chip: c, layout: [2]int{-1, -1}, vols: make(map[int]*volume)}
	if maxBeb == 0 {
		maxBeb = defaultMaxBeb
	}
	if c.Info.BBAllowed {
		d.beb = (c.Info.EbCnt*maxBeb + 1023) / 1024
	}

	empty := true
	for eb := 0; eb < c.Info.EbCnt; eb++ {
		if c.bad[eb] {
			continue
		}
		blk := c.block(eb)
		if ubigen.IsErased(blk[:ubigen.ECHdrSize]) {
			continue
		}
		empty = false

		ech, err := ubigen.ParseECHeader(blk)
		if err != nil {
			return nil, errors.Wrapf(unix.EINVAL, "mtd%d: eraseblock %d: %v", c.Info.MtdNum, eb, err)
		}
		if d.ui == nil {
			d.ui, err = ubigen.NewInfo(c.Info.EbSize, c.Info.MinIOSize, 0, int(ech.VidHdrOffset), int(ech.Version), ech.ImageSeq)
			if err != nil {
				return nil, errors.Wrapf(unix.EINVAL, "mtd%d: %v", c.Info.MtdNum, err)
			}
		}
		vidBuf := blk[ech.VidHdrOffset:]
		if ubigen.IsErased(vidBuf[:ubigen.VIDHdrSize]) {
			continue
		}
		vid, err := ubigen.ParseVIDHeader(vidBuf)
		if err != nil {
			return nil, errors.Wrapf(unix.EINVAL, "mtd%d: eraseblock %d: %v", c.Info.MtdNum, eb, err)
		}
		if vid.VolID == ubigen.LayoutVolumeID && vid.Lnum < 2 {
			d.layout[vid.Lnum] = eb
		}
	}

	if empty {
		return d, d.autoformat()
	}
	if d.layout[0] < 0 || d.layout[1] < 0 {
		return nil, errors.Wrapf(unix.EINVAL, "mtd%d: layout volume not found", c.Info.MtdNum)
	}

	blk := c.block(d.layout[0])
	recs, err := ubigen.ParseVtbl(blk[d.ui.DataOffs : d.ui.DataOffs+d.ui.VtblSize])
	if err != nil {
		return nil, errors.Wrapf(unix.EINVAL, "mtd%d: %v", c.Info.MtdNum, err)
	}
	for id, r := range recs {
		if r.Empty() {
			continue
		}
		v := &volume{
			id:       id,
			name:     r.Name,
			rsvdLebs: int(r.ReservedPEBs),
			volType:  flash.DynamicVolume,
			data:     c.volData[id],
		}
		if r.VolType == ubigen.VIDStatic {
			v.volType = flash.StaticVolume
		}
		d.vols[id] = v
	}
	for id := range c.volData {
		if _, ok := d.vols[id]; !ok {
			delete(c.volData, id)
		}
	}
	return d, nil
}

func (d *ubiDev) autoformat() error {
	c := d.chip
	ui, err := ubigen.NewInfo(c.Info.EbSize, c.Info.MinIOSize, c.Info.SubpageSize, 0, ubigen.Version, 0)
	if err != nil {
		return errors.Wrapf(unix.EINVAL, "mtd%d: %v", c.Info.MtdNum, err)
	}
	d.ui = ui

	var hdr [ubigen.ECHdrSize]byte
	n := 0
	for eb := 0; eb < c.Info.EbCnt; eb++ {
		if c.bad[eb] {
			continue
		}
		if n < 2 {
			d.layout[n] = eb
			n++
			continue
		}
		if err := ui.NewECHeader(0).MarshalTo(hdr[:]); err != nil {
			return err
		}
		copy(c.block(eb), hdr[:])
	}
	if n < 2 {
		return errors.Wrapf(unix.EINVAL, "mtd%d: not enough good eraseblocks", c.Info.MtdNum)
	}
	vtbl, err := ui.EmptyVtbl()
	if err != nil {
		return err
	}
	return ui.WriteLayoutVolume(chipWriter{c}, d.layout[0], d.layout[1], 0, 0, vtbl)
}

type chipWriter struct{ c *Chip }

func (w chipWriter) WriteAt(p []byte, off int64) (int, error) {
	return copy(w.c.data[off:], p), nil
}

type ubiLib struct {
	k      *Kernel
	closed bool
}

var _ flash.UbiLib = (*ubiLib)(nil)

func (l *ubiLib) GetInfo() (flash.UbiInfo, error) {
	l.k.mu.Lock()
	defer l.k.mu.Unlock()

	info := flash.UbiInfo{
		LowestDevNum:  -1,
		HighestDevNum: -1,
		CtrlMajor:     ctrlMajor,
		CtrlMinor:     ctrlMinor,
		Version:       ubigen.Version,
	}
	if l.k.NoCtrl {
		info.CtrlMajor, info.CtrlMinor = -1, -1
	}
	for _, n := range sortedKeys(l.k.ubi) {
		if info.LowestDevNum < 0 {
			info.LowestDevNum = n
		}
		info.HighestDevNum = n
		info.DevCount++
	}
	return info, nil
}

func (l *ubiLib) checkCtrl(node string) error {
	if l.k.NoCtrl || filepath.Clean(node) != l.k.CtrlNode() {
		return errors.Wrapf(unix.ENOENT, "open %s", node)
	}
	return nil
}

func (l *ubiLib) Attach(ctrlNode string, req *flash.AttachRequest) error {
	l.k.mu.Lock()
	defer l.k.mu.Unlock()

	if err := l.checkCtrl(ctrlNode); err != nil {
		return err
	}
	c, ok := l.k.chips[req.MtdNum]
	if !ok {
		return errors.Wrapf(unix.ENODEV, "attach mtd%d", req.MtdNum)
	}
	if c.Attached() {
		return errors.Wrapf(unix.EEXIST, "mtd%d already attached to ubi%d", req.MtdNum, c.devNum)
	}

	num := req.DevNum
	if num == flash.DevNumAuto {
		for num = 0; l.k.ubi[num] != nil; num++ {
		}
	} else if l.k.ubi[num] != nil {
		return errors.Wrapf(unix.EEXIST, "ubi%d already exists", num)
	}

	d, err := attachChip(c, num, req.MaxBebPer1024)
	if err != nil {
		return err
	}
	l.k.ubi[num] = d
	c.devNum = num
	req.DevNum = num
	return nil
}

func (l *ubiLib) Detach(ctrlNode string, mtdNum int) error {
	l.k.mu.Lock()
	defer l.k.mu.Unlock()

	if err := l.checkCtrl(ctrlNode); err != nil {
		return err
	}
	c, ok := l.k.chips[mtdNum]
	if !ok || !c.Attached() {
		return errors.Wrapf(unix.ENODEV, "detach mtd%d", mtdNum)
	}
	d := l.k.ubi[c.devNum]
	for id, v := range d.vols {
		c.volData[id] = v.data
	}
	delete(l.k.ubi, c.devNum)
	c.devNum = -1
	return nil
}

func (l *ubiLib) MtdNumToUbiDev(mtdNum int) (int, error) {
	l.k.mu.Lock()
	defer l.k.mu.Unlock()

	c, ok := l.k.chips[mtdNum]
	if !ok || !c.Attached() {
		return -1, errors.Wrapf(unix.ENODEV, "mtd%d is not attached", mtdNum)
	}
	return c.devNum, nil
}

func (l *ubiLib) ProbeNode(node string) (flash.NodeKind, error) {
	l.k.mu.Lock()
	defer l.k.mu.Unlock()

	_, v, err := l.k.lookupNode(node)
	if err != nil {
		return 0, errors.Wrapf(err, "probe %s", node)
	}
	if v != nil {
		return flash.UbiVolumeNode, nil
	}
	return flash.UbiDeviceNode, nil
}

func (l *ubiLib) GetDevInfo(node string) (flash.UbiDevInfo, error) {
	l.k.mu.Lock()
	defer l.k.mu.Unlock()

	d, v, err := l.k.lookupNode(node)
	if err != nil {
		return flash.UbiDevInfo{}, errors.Wrapf(err, "dev info %s", node)
	}
	if v != nil {
		return flash.UbiDevInfo{}, errors.Wrapf(unix.ENODEV, "%s is a volume node", node)
	}

	good := d.chip.goodCount()
	avail := d.availLebs()
	leb := d.ui.LebSize
	return flash.UbiDevInfo{
		DevNum:      d.num,
		MtdNum:      d.chip.Info.MtdNum,
		LebSize:     leb,
		MinIOSize:   d.ui.MinIOSize,
		TotalLebs:   good,
		AvailLebs:   avail,
		TotalBytes:  int64(good) * int64(leb),
		AvailBytes:  int64(avail) * int64(leb),
		BadCount:    d.chip.Info.EbCnt - good,
		VolCount:    len(d.vols),
		MaxVolCount: d.ui.MaxVolumes,
	}, nil
}

func (l *ubiLib) GetVolInfoByName(devNum int, name string) (flash.VolInfo, error) {
	l.k.mu.Lock()
	defer l.k.mu.Unlock()

	d, ok := l.k.ubi[devNum]
	if !ok {
		return flash.VolInfo{}, errors.Wrapf(unix.ENODEV, "ubi%d", devNum)
	}
	v := d.byName(name)
	if v == nil {
		return flash.VolInfo{}, errors.Wrapf(unix.ENOENT, "ubi%d: volume %q", devNum, name)
	}
	return d.volInfo(v), nil
}

func (l *ubiLib) MkVol(node string, req *flash.MkvolRequest) error {
	l.k.mu.Lock()
	defer l.k.mu.Unlock()

	d, v, err := l.k.lookupNode(node)
	if err != nil || v != nil {
		return errors.Wrapf(unix.ENODEV, "mkvol on %s", node)
	}
	if req.Name == "" || len(req.Name) > 127 {
		return errors.Wrapf(unix.EINVAL, "volume name %q", req.Name)
	}
	if req.Bytes <= 0 || req.Alignment != 1 {
		return errors.Wrapf(unix.EINVAL, "volume %q: bytes=%d alignment=%d", req.Name, req.Bytes, req.Alignment)
	}
	if d.byName(req.Name) != nil {
		return errors.Wrapf(unix.EEXIST, "volume %q", req.Name)
	}

	id := req.VolID
	if id == flash.VolNumAuto {
		for id = 0; d.vols[id] != nil; id++ {
		}
	}
	if id >= d.ui.MaxVolumes {
		return errors.Wrapf(unix.ENFILE, "volume id %d", id)
	}
	if d.vols[id] != nil {
		return errors.Wrapf(unix.EEXIST, "volume id %d", id)
	}

	leb := int64(d.ui.LebSize)
	lebs := int((req.Bytes + leb - 1) / leb)
	if lebs > d.availLebs() {
		return errors.Wrapf(unix.ENOSPC, "volume %q needs %d LEBs, %d available", req.Name, lebs, d.availLebs())
	}

	d.vols[id] = &volume{id: id, name: req.Name, rsvdLebs: lebs, volType: req.VolType}
	if err := d.writeVtbl(); err != nil {
		delete(d.vols, id)
		return err
	}
	req.VolID = id
	return nil
}

func (l *ubiLib) RmVol(node string, volID int) error {
	l.k.mu.Lock()
	defer l.k.mu.Unlock()

	d, v, err := l.k.lookupNode(node)
	if err != nil || v != nil {
		return errors.Wrapf(unix.ENODEV, "rmvol on %s", node)
	}
	old, ok := d.vols[volID]
	if !ok {
		return errors.Wrapf(unix.ENOENT, "volume id %d", volID)
	}
	delete(d.vols, volID)
	if err := d.writeVtbl(); err != nil {
		d.vols[volID] = old
		return err
	}
	delete(d.chip.volData, volID)
	return nil
}

func (l *ubiLib) UpdateStart(f flash.File, bytes int64) error {
	l.k.mu.Lock()
	defer l.k.mu.Unlock()

	ff, ok := f.(*File)
	if !ok || ff.vol == nil || ff.closed {
		return errors.Wrapf(unix.ENOTTY, "update start on %s", f.Name())
	}
	d := ff.dev
	if bytes < 0 || bytes > int64(ff.vol.rsvdLebs)*int64(d.ui.LebSize) {
		return errors.Wrapf(unix.EINVAL, "update of %d bytes on %s", bytes, f.Name())
	}
	ff.vol.data = nil
	ff.vol.updLeft = bytes
	ff.vol.updMarker = bytes > 0
	ff.off = 0
	return nil
}

func (l *ubiLib) Close() error {
	if l.closed {
		return errors.New("ubi library handle already closed")
	}
	l.closed = true
	l.k.release()
	return nil
}
