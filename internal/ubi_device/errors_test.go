package ubi_device

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode ErrorCode
		wantOK   bool
	}{
		{name: "bare code", err: ErrVolumeNotFound, wantCode: ErrVolumeNotFound, wantOK: true},
		{name: "wrapped code", err: Wrap(ErrImageTooLarge, "size=%d", 10), wantCode: ErrImageTooLarge, wantOK: true},
		{name: "double wrapped", err: fmt.Errorf("update: %w", Wrap(ErrReadImage, "x")), wantCode: ErrReadImage, wantOK: true},
		{name: "foreign error", err: errors.New("boom"), wantOK: false},
		{name: "nil", err: nil, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, ok := CodeOf(tt.err)
			if ok != tt.wantOK {
				t.Fatalf("CodeOf() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && code != tt.wantCode {
				t.Errorf("CodeOf() = %v, want %v", code, tt.wantCode)
			}
		})
	}
}

func TestErrorCode_IsAndMessage(t *testing.T) {
	err := Wrap(ErrConsecutiveBadBlocks, "eb=%d", 13)
	if !errors.Is(err, ErrConsecutiveBadBlocks) {
		t.Errorf("errors.Is(%v, ErrConsecutiveBadBlocks) = false", err)
	}
	if errors.Is(err, ErrMarkBadFailed) {
		t.Errorf("errors.Is(%v, ErrMarkBadFailed) = true", err)
	}
	if got, want := err.Error(), "consecutive bad blocks exceed limit: eb=13"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if got := ErrorCode(9999).Error(); got != "ubi device error 9999" {
		t.Errorf("unknown code message = %q", got)
	}
}

func TestErrorCodes_HaveMessages(t *testing.T) {
	for c := ErrMtdTableUnavailable; c <= ErrUnmount; c++ {
		if _, ok := errorMessages[c]; !ok {
			t.Errorf("code %d has no message", c)
		}
	}
}
