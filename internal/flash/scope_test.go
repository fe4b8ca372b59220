package flash

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/multierr"
)

type recordingCloser struct {
	name  string
	order *[]string
	err   error
}

func (c *recordingCloser) Close() error {
	*c.order = append(*c.order, c.name)
	return c.err
}

func TestScopeClosesInReverseOrder(t *testing.T) {
	var order []string
	s := NewScope(nil)
	for _, n := range []string{"mtd", "ubi", "file"} {
		if err := s.Track(&recordingCloser{name: n, order: &order}); err != nil {
			t.Fatalf("Track(%s) error = %v", n, err)
		}
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if diff := cmp.Diff([]string{"file", "ubi", "mtd"}, order); diff != "" {
		t.Errorf("close order mismatch (-want +got):\n%s", diff)
	}
}

func TestScopeCloseCombinesErrors(t *testing.T) {
	var order []string
	errA := errors.New("a failed")
	errB := errors.New("b failed")

	s := NewScope(nil)
	_ = s.Track(&recordingCloser{name: "a", order: &order, err: errA})
	_ = s.Track(&recordingCloser{name: "ok", order: &order})
	_ = s.Track(&recordingCloser{name: "b", order: &order, err: errB})

	err := s.Close()
	if len(order) != 3 {
		t.Fatalf("closed %d handles, want 3", len(order))
	}
	if got := len(multierr.Errors(err)); got != 2 {
		t.Fatalf("combined %d errors, want 2: %v", got, err)
	}
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("Close() error = %v, want both failures", err)
	}
}

func TestScopeRejectsTrackAfterClose(t *testing.T) {
	var order []string
	s := NewScope(nil)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Track(&recordingCloser{name: "late", order: &order}); !errors.Is(err, ErrScopeClosed) {
		t.Fatalf("Track() error = %v, want ErrScopeClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
