package zlog

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-Id"

// GinLogger 访问日志；请求没带 X-Request-Id 时生成一个并回写到响应头。
// skip 中的路径（健康检查、指标）不记录
func GinLogger(skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(requestIDHeader, reqID)

		l := zap.L().With(zap.String("request_id", reqID))
		c.Request = c.Request.WithContext(WithContext(c.Request.Context(), l))
		c.Next()

		if _, ok := skipped[c.FullPath()]; ok {
			return
		}
		l.Info("access",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.Int("bytes_out", c.Writer.Size()),
		)
	}
}
