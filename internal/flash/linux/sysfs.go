package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

func readString(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\n"), nil
}

func readInt64(path string) (int64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}

func readInt(path string) (int, error) {
	v, err := readInt64(path)
	return int(v), err
}

// readDevNum parses a "major:minor" device number file.
func readDevNum(path string) (uint32, uint32, error) {
	s, err := readString(path)
	if err != nil {
		return 0, 0, err
	}
	maj, min, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("parse %s: %q is not major:minor", path, s)
	}
	ma, err := strconv.ParseUint(maj, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parse %s: %w", path, err)
	}
	mi, err := strconv.ParseUint(min, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return uint32(ma), uint32(mi), nil
}

// intReader reads a series of integer attributes from one sysfs directory
// and keeps the first error.
type intReader struct {
	dir string
	err error
}

func (r *intReader) int(name string) int {
	return int(r.int64(name))
}

func (r *intReader) int64(name string) int64 {
	if r.err != nil {
		return 0
	}
	v, err := readInt64(filepath.Join(r.dir, name))
	if err != nil {
		r.err = err
	}
	return v
}

func (r *intReader) string(name string) string {
	if r.err != nil {
		return ""
	}
	s, err := readString(filepath.Join(r.dir, name))
	if err != nil {
		r.err = err
	}
	return s
}

// listNumbered returns the numbers of the entries of dir matching re, which
// must capture the number in its first group, in ascending order.
func listNumbered(dir string, re *regexp.Regexp) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var nums []int
	for _, e := range entries {
		m := re.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums, nil
}
