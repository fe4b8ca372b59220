// Package mtd_table maps symbolic MTD partition names to MTD numbers.
package mtd_table

type Entry struct {
	MtdNum    int
	Size      int64
	EraseSize int64
	Name      string
}

type MtdTable interface {
	GetMtdNum(name string) (int, error)
	Entries() ([]Entry, error)
}
