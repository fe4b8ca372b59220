package log_service

import (
	"strings"
	"time"
)

const (
	DebugLevel = "DEBUG"
	InfoLevel  = "INFO"
	WarnLevel  = "WARN"
	ErrorLevel = "ERROR"
)

const (
	DebugLevelValue = iota
	InfoLevelValue
	WarnLevelValue
	ErrorLevelValue
)

type LogEvent struct {
	Timestamp time.Time
	NodeID    string
	Message   string
	Metadata  map[string]any
}

type LogService interface {
	Debug(event LogEvent)
	Info(event LogEvent)
	Warn(event LogEvent)
	Error(event LogEvent)
}

// GetLevelValue maps a level name to its ordering. Unknown names are treated as DEBUG.
func GetLevelValue(level string) int {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case InfoLevel:
		return InfoLevelValue
	case WarnLevel, "WARNING":
		return WarnLevelValue
	case ErrorLevel:
		return ErrorLevelValue
	default:
		return DebugLevelValue
	}
}

// NopLogService drops every event.
type NopLogService struct{}

func (NopLogService) Debug(LogEvent) {}
func (NopLogService) Info(LogEvent)  {}
func (NopLogService) Warn(LogEvent)  {}
func (NopLogService) Error(LogEvent) {}

var _ LogService = NopLogService{}
