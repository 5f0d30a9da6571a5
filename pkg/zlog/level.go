package zlog

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 所有由 New 创建的 logger 共用同一个可变级别
var atom = zap.NewAtomicLevel()

func parseLevel(lvl string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(lvl))); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// SetLevel 热更新日志级别
func SetLevel(lvl string) {
	atom.SetLevel(parseLevel(lvl))
}

// GetLevel 当前级别
func GetLevel() string {
	return atom.Level().String()
}

// LevelHTTPHandler 挂到 /log/level：GET 查询，PUT {"level":"debug"} 修改
func LevelHTTPHandler() http.Handler {
	return atom
}
