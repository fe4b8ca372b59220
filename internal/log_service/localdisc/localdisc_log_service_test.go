package localdisc

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/AnishMulay/ubidevice/internal/log_service"
)

func TestLocalDiscLogService_LevelFilter(t *testing.T) {
	tests := []struct {
		name     string
		minLevel string
		emit     func(ls *LocalDiscLogService)
		want     []string
		notWant  []string
	}{
		{
			name:     "info filters debug",
			minLevel: "INFO",
			emit: func(ls *LocalDiscLogService) {
				ls.Debug(log_service.LogEvent{Message: "debug-line"})
				ls.Info(log_service.LogEvent{Message: "info-line"})
			},
			want:    []string{"INFO: info-line"},
			notWant: []string{"debug-line"},
		},
		{
			name:     "error only",
			minLevel: "error",
			emit: func(ls *LocalDiscLogService) {
				ls.Warn(log_service.LogEvent{Message: "warn-line"})
				ls.Error(log_service.LogEvent{Message: "error-line"})
			},
			want:    []string{"ERROR: error-line"},
			notWant: []string{"warn-line"},
		},
		{
			name:     "empty level logs everything",
			minLevel: "",
			emit: func(ls *LocalDiscLogService) {
				ls.Debug(log_service.LogEvent{Message: "debug-line"})
			},
			want: []string{"DEBUG: debug-line"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ls, err := NewLocalDiscLogService(t.TempDir(), "node-1", tt.minLevel)
			if err != nil {
				t.Fatalf("NewLocalDiscLogService() error = %v", err)
			}
			tt.emit(ls)
			if err := ls.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}

			data, err := os.ReadFile(ls.Path())
			if err != nil {
				t.Fatalf("failed to read log file: %v", err)
			}
			out := string(data)
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log output %q does not contain %q", out, w)
				}
			}
			for _, nw := range tt.notWant {
				if strings.Contains(out, nw) {
					t.Errorf("log output %q unexpectedly contains %q", out, nw)
				}
			}
		})
	}
}

func TestFormatLog_SortedMetadata(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	got := formatLog(log_service.InfoLevel, log_service.LogEvent{
		Timestamp: ts,
		NodeID:    "n",
		Message:   "erase",
		Metadata:  map[string]any{"eb": 7, "errno": "EIO", "attempt": 1},
	})
	want := "2024-01-02T03:04:05Z [n] INFO: erase attempt=1 eb=7 errno=EIO"
	if got != want {
		t.Errorf("formatLog() = %q, want %q", got, want)
	}
}
