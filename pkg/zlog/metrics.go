package zlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zapcore"
)

var logCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "statussync",
		Name:      "log_entries_total",
		Help:      "Number of log entries written, by level.",
	},
	[]string{"service", "level"},
)

// RegisterMetrics 把日志计数器注册到 reg，在 main 里调用一次
func RegisterMetrics(reg prometheus.Registerer) error {
	return reg.Register(logCounter)
}

// metricsCore 只统计真正会写出的条目
type metricsCore struct {
	zapcore.Core
	service string
}

func (m metricsCore) With(fields []zapcore.Field) zapcore.Core {
	return metricsCore{Core: m.Core.With(fields), service: m.service}
}

func (m metricsCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !m.Enabled(ent.Level) {
		return ce
	}
	logCounter.WithLabelValues(m.service, ent.Level.String()).Inc()
	return m.Core.Check(ent, ce)
}
