// Package console implements log_service.LogService on top of zap, writing to stderr.
package console

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/AnishMulay/ubidevice/internal/log_service"
)

type ConsoleLogService struct {
	nodeID string
	logger *zap.Logger
}

func NewConsoleLogService(nodeID string, minLogLevel string) (*ConsoleLogService, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(minLogLevel))
	cfg.OutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return newWithLogger(nodeID, logger), nil
}

func newWithLogger(nodeID string, logger *zap.Logger) *ConsoleLogService {
	return &ConsoleLogService{
		nodeID: nodeID,
		logger: logger.With(zap.String("node", nodeID)),
	}
}

func zapLevel(level string) zapcore.Level {
	switch log_service.GetLevelValue(level) {
	case log_service.InfoLevelValue:
		return zapcore.InfoLevel
	case log_service.WarnLevelValue:
		return zapcore.WarnLevel
	case log_service.ErrorLevelValue:
		return zapcore.ErrorLevel
	default:
		return zapcore.DebugLevel
	}
}

func fields(event log_service.LogEvent) []zap.Field {
	fs := make([]zap.Field, 0, len(event.Metadata)+1)
	if !event.Timestamp.IsZero() {
		fs = append(fs, zap.Time("eventTime", event.Timestamp))
	}
	for k, v := range event.Metadata {
		fs = append(fs, zap.Any(k, v))
	}
	return fs
}

func (ls *ConsoleLogService) Sync() error {
	return ls.logger.Sync()
}

func (ls *ConsoleLogService) Debug(event log_service.LogEvent) {
	ls.logger.Debug(event.Message, fields(event)...)
}

func (ls *ConsoleLogService) Info(event log_service.LogEvent) {
	ls.logger.Info(event.Message, fields(event)...)
}

func (ls *ConsoleLogService) Warn(event log_service.LogEvent) {
	ls.logger.Warn(event.Message, fields(event)...)
}

func (ls *ConsoleLogService) Error(event log_service.LogEvent) {
	ls.logger.Error(event.Message, fields(event)...)
}

var _ log_service.LogService = (*ConsoleLogService)(nil)
