package zlog

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// MustInitGlobal 创建 logger 并替换 zap 全局实例，返回的函数恢复原实例并停止信号监听
func MustInitGlobal(cfg Config) func() {
	l, err := New(cfg)
	if err != nil {
		panic(err)
	}
	restore := zap.ReplaceGlobals(l)
	stop := watchSIGHUP()
	return func() {
		stop()
		_ = l.Sync()
		restore()
	}
}

// watchSIGHUP 每收到一次 SIGHUP 在 debug 和配置级别之间切换
func watchSIGHUP() func() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP)
	base := atom.Level()
	go func() {
		for range c {
			if atom.Level() == zap.DebugLevel {
				atom.SetLevel(base)
			} else {
				atom.SetLevel(zap.DebugLevel)
			}
			zap.L().Info("log level toggled", zap.Stringer("now", atom.Level()))
		}
	}()
	return func() {
		signal.Stop(c)
		close(c)
	}
}
