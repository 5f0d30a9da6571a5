package zlog

import (
	"io"
	"os"

	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// buildWriteSyncer 终端和轮转文件，两者都关闭时丢弃输出
func buildWriteSyncer(cfg Config) zapcore.WriteSyncer {
	var syncers []zapcore.WriteSyncer
	if cfg.Stdout {
		syncers = append(syncers, zapcore.Lock(os.Stdout))
	}
	if cfg.File.Path != "" {
		syncers = append(syncers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxAge:     cfg.File.MaxAgeDay,
			MaxBackups: cfg.File.MaxBackups,
			Compress:   cfg.File.Compress,
		}))
	}
	if len(syncers) == 0 {
		return zapcore.AddSync(io.Discard)
	}
	return zapcore.NewMultiWriteSyncer(syncers...)
}
