package zlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New 按配置创建 logger，不替换全局实例
func New(cfg Config, opts ...zap.Option) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	atom.SetLevel(parseLevel(cfg.Level))

	encCfg := zap.NewProductionEncoderConfig()
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	}
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeCaller = zapcore.ShortCallerEncoder

	var encoder zapcore.Encoder
	if cfg.Encoding == "console" {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, buildWriteSyncer(cfg), atom)
	if cfg.EnableMetric {
		core = metricsCore{Core: core, service: cfg.Service}
	}

	opts = append(opts, zap.AddCaller(), zap.Fields(zap.String("service", cfg.Service)))
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	return zap.New(core, opts...), nil
}
