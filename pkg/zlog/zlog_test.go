package zlog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  service: status-agent
  level: debug
  encoding: console
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "status-agent", cfg.Service)
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, "console", cfg.Encoding)
	assert.True(t, cfg.Stdout)
	assert.True(t, cfg.EnableMetric)
}

func TestConfig_Validate(t *testing.T) {
	base := Config{Service: "s", Level: "info", Encoding: "json", Stdout: true}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"empty service", func(c *Config) { c.Service = "" }, "service"},
		{"bad level", func(c *Config) { c.Level = "trace" }, "level"},
		{"bad encoding", func(c *Config) { c.Encoding = "xml" }, "encoding"},
		{"no output", func(c *Config) { c.Stdout = false }, "file.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNew_WritesFileAndCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	cfg := Config{
		Service:      "counting",
		Level:        "info",
		Encoding:     "json",
		File:         FileConfig{Path: path, MaxSizeMB: 1},
		EnableMetric: true,
	}
	l, err := New(cfg)
	require.NoError(t, err)

	before := testutil.ToFloat64(logCounter.WithLabelValues("counting", "info"))
	l.Info("status written", zap.String("userID", "u1"))
	l.Debug("dropped below level")
	require.NoError(t, l.Sync())

	assert.Equal(t, before+1, testutil.ToFloat64(logCounter.WithLabelValues("counting", "info")))
	assert.Equal(t, float64(0), testutil.ToFloat64(logCounter.WithLabelValues("counting", "debug")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"userID":"u1"`)
	assert.NotContains(t, string(data), "dropped below level")
}

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg))
	assert.Error(t, RegisterMetrics(reg))
}

func TestLevelHTTPHandler(t *testing.T) {
	SetLevel("info")
	t.Cleanup(func() { SetLevel("info") })

	h := LevelHTTPHandler()
	req := httptest.NewRequest(http.MethodPut, "/log/level", strings.NewReader(`{"level":"debug"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "debug", GetLevel())

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/log/level", nil))
	assert.JSONEq(t, `{"level":"debug"}`, w.Body.String())
}

func TestGinLogger_RequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinLogger("/healthz"))

	var fromCtx *zap.Logger
	r.GET("/ping", func(c *gin.Context) {
		fromCtx, _ = FromContext(c.Request.Context())
		c.String(http.StatusOK, "pong")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
	assert.NotNil(t, fromCtx)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(requestIDHeader, "req-1")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-1", w.Header().Get(requestIDHeader))
}

func TestFromContext_Missing(t *testing.T) {
	l, ok := FromContext(context.Background())
	assert.False(t, ok)
	assert.Nil(t, l)

	_, ok = FromContext(WithContext(context.Background(), nil))
	assert.False(t, ok)
}
