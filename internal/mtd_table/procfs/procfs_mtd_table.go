package procfs

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/AnishMulay/ubidevice/internal/mtd_table"
)

// mtd0: 00040000 00020000 "first_bank"
var lineRe = regexp.MustCompile(`^mtd(\d+):\s+([0-9a-fA-F]+)\s+([0-9a-fA-F]+)\s+"(.*)"$`)

// ProcMtdTable reads the partition table the kernel publishes in /proc/mtd.
// Static overrides take precedence over the file, which is re-read on every
// lookup.
type ProcMtdTable struct {
	path      string
	overrides map[string]int
}

func NewProcMtdTable(path string, overrides map[string]int) *ProcMtdTable {
	o := make(map[string]int, len(overrides))
	for k, v := range overrides {
		o[k] = v
	}
	return &ProcMtdTable{path: path, overrides: o}
}

func (t *ProcMtdTable) GetMtdNum(name string) (int, error) {
	if n, ok := t.overrides[name]; ok {
		return n, nil
	}

	entries, err := t.Entries()
	if err != nil {
		return -1, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e.MtdNum, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", mtd_table.ErrNameNotFound, name)
}

func (t *ProcMtdTable) Entries() ([]mtd_table.Entry, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mtd_table.ErrTableUnavailable, err)
	}
	defer f.Close()

	var entries []mtd_table.Entry
	sc := bufio.NewScanner(f)
	first := true
	for sc.Scan() {
		line := sc.Text()
		if first {
			first = false
			// "dev:    size   erasesize  name"
			if !lineRe.MatchString(line) {
				continue
			}
		}
		if line == "" {
			continue
		}
		e, err := parseLine(line)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", mtd_table.ErrTableUnavailable, err)
	}
	return entries, nil
}

func parseLine(line string) (mtd_table.Entry, error) {
	m := lineRe.FindStringSubmatch(line)
	if m == nil {
		return mtd_table.Entry{}, fmt.Errorf("%w: %q", mtd_table.ErrMalformedLine, line)
	}
	num, err := strconv.Atoi(m[1])
	if err != nil {
		return mtd_table.Entry{}, fmt.Errorf("%w: %q", mtd_table.ErrMalformedLine, line)
	}
	size, err := strconv.ParseInt(m[2], 16, 64)
	if err != nil {
		return mtd_table.Entry{}, fmt.Errorf("%w: %q", mtd_table.ErrMalformedLine, line)
	}
	esize, err := strconv.ParseInt(m[3], 16, 64)
	if err != nil {
		return mtd_table.Entry{}, fmt.Errorf("%w: %q", mtd_table.ErrMalformedLine, line)
	}
	return mtd_table.Entry{MtdNum: num, Size: size, EraseSize: esize, Name: m[4]}, nil
}
