package mtd_table

import "errors"

var (
	ErrTableUnavailable = errors.New("MTD table unavailable")
	ErrNameNotFound     = errors.New("MTD name not found")
	ErrMalformedLine    = errors.New("malformed MTD table line")
)
