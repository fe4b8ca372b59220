package flash

import (
	"io"
	"sync"

	"go.uber.org/multierr"
)

// Scope owns every handle acquired during one device operation. Close
// releases them in reverse acquisition order and is safe to defer on every
// exit path.
type Scope struct {
	provider Provider

	mu      sync.Mutex
	closers []io.Closer
	closed  bool
}

func NewScope(p Provider) *Scope {
	return &Scope{provider: p}
}

// MtdLib opens the MTD subsystem.
func (s *Scope) MtdLib() (MtdLib, error) {
	lib, err := s.provider.OpenMtdLib()
	if err != nil {
		return nil, err
	}
	if err := s.Track(lib); err != nil {
		return nil, multierr.Append(err, lib.Close())
	}
	return lib, nil
}

// UbiLib opens the UBI subsystem.
func (s *Scope) UbiLib() (UbiLib, error) {
	lib, err := s.provider.OpenUbiLib()
	if err != nil {
		return nil, err
	}
	if err := s.Track(lib); err != nil {
		return nil, multierr.Append(err, lib.Close())
	}
	return lib, nil
}

// File opens a device node or regular file.
func (s *Scope) File(path string, flag int) (File, error) {
	f, err := s.provider.OpenFile(path, flag)
	if err != nil {
		return nil, err
	}
	if err := s.Track(f); err != nil {
		return nil, multierr.Append(err, f.Close())
	}
	return f, nil
}

// Track hands c to the scope so it is closed with the other handles.
func (s *Scope) Track(c io.Closer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrScopeClosed
	}
	s.closers = append(s.closers, c)
	return nil
}

// Close releases all handles. Every handle is closed even when an earlier
// one fails; the failures are combined.
func (s *Scope) Close() error {
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.closed = true
	s.mu.Unlock()

	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, closers[i].Close())
	}
	return err
}
