package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/EthanQC/statussync/internal/domain/entity"
	"github.com/EthanQC/statussync/internal/ports/in"
	apperr "github.com/EthanQC/statussync/pkg/errors"
	"github.com/EthanQC/statussync/pkg/zlog"
)

// Engine HTTP 层依赖的引擎能力
type Engine interface {
	in.StatusEngine
	in.PresenceReader
	Ready() <-chan struct{}
	Snapshot() map[string]entity.CacheEntry
}

// SessionManager 外部认证完成后切换本地用户
type SessionManager interface {
	SignIn(ctx context.Context, userID string) error
	SignOut()
}

// Server 状态查询/修改的 REST 接口
type Server struct {
	engine       Engine
	session      SessionManager
	router       *gin.Engine
	writeTimeout time.Duration
	logger       *zap.Logger
}

// Option 服务器可选项
type Option func(*Server)

// WithWriteTimeout 单次 PUT 请求等待写入的上限，0 表示只受请求 ctx 约束
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// WithSession 开启 /v1/session 登录登出接口，只应在本机回环地址上暴露
func WithSession(sm SessionManager) Option {
	return func(s *Server) { s.session = sm }
}

// WithRoutes 在同一个 gin 路由上挂额外的接口（websocket、metrics 等）
func WithRoutes(fn func(r *gin.Engine)) Option {
	return func(s *Server) { fn(s.router) }
}

func NewServer(engine Engine, router *gin.Engine, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		engine: engine,
		router: router,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

// Handler 返回 http.Handler，供 http.Server 或测试使用
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	// 健康检查
	s.router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	s.router.GET("/readyz", s.handleReady)

	v1 := s.router.Group("/v1")
	{
		// 状态
		v1.GET("/status", s.handleListStatus)
		v1.GET("/status/:user_id", s.handleGetStatus)

		// 当前用户
		v1.GET("/me", s.handleGetMe)
		v1.PUT("/me/status", s.handleSetMyStatus)
		v1.POST("/activity", s.handleActivity)

		// 在线成员
		v1.GET("/presence", s.handleListPresence)
		v1.GET("/presence/:user_id", s.handleGetPresence)

		if s.session != nil {
			v1.POST("/session", s.handleSignIn)
			v1.DELETE("/session", s.handleSignOut)
		}
	}
}

func (s *Server) handleReady(c *gin.Context) {
	select {
	case <-s.engine.Ready():
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "loading"})
	}
}

func (s *Server) handleListStatus(c *gin.Context) {
	snapshot := s.engine.Snapshot()
	views := make([]entity.UserView, 0, len(snapshot))
	for userID := range snapshot {
		views = append(views, s.engine.Describe(userID))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].UserID < views[j].UserID })
	c.JSON(http.StatusOK, gin.H{"users": views})
}

func (s *Server) handleGetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Describe(c.Param("user_id")))
}

func (s *Server) handleGetMe(c *gin.Context) {
	userID, ok := s.engine.CurrentUser()
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": apperr.ErrUnauthenticated.Error()})
		return
	}
	c.JSON(http.StatusOK, s.engine.Describe(userID))
}

type setStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (s *Server) handleSetMyStatus(c *gin.Context) {
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if s.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
	}

	if err := s.engine.SetMyStatus(ctx, entity.StatusValue(req.Status)); err != nil {
		code := statusCode(err)
		if code >= http.StatusInternalServerError {
			s.reqLogger(c).Warn("set status failed", zap.String("status", req.Status), zap.Error(err))
		}
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}

	userID, _ := s.engine.CurrentUser()
	c.JSON(http.StatusOK, s.engine.Describe(userID))
}

type activityRequest struct {
	Kind string `json:"kind" binding:"required"`
}

func (s *Server) handleActivity(c *gin.Context) {
	var req activityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind := entity.InteractionKind(req.Kind)
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown interaction kind"})
		return
	}

	s.engine.Observe(entity.InteractionEvent{Kind: kind, At: time.Now()})
	c.Status(http.StatusAccepted)
}

func (s *Server) handleListPresence(c *gin.Context) {
	members := s.engine.OnlineMembers()
	if members == nil {
		members = []string{}
	}
	sort.Strings(members)
	c.JSON(http.StatusOK, gin.H{"members": members})
}

func (s *Server) handleGetPresence(c *gin.Context) {
	userID := c.Param("user_id")
	c.JSON(http.StatusOK, gin.H{
		"user_id":   userID,
		"connected": s.engine.IsUserConnected(userID),
	})
}

type signInRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (s *Server) handleSignIn(c *gin.Context) {
	var req signInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.session.SignIn(c.Request.Context(), req.UserID); err != nil {
		s.reqLogger(c).Warn("sign in failed", zap.String("userID", req.UserID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.engine.Describe(req.UserID))
}

func (s *Server) handleSignOut(c *gin.Context) {
	s.session.SignOut()
	c.Status(http.StatusNoContent)
}

// reqLogger 优先用中间件放进请求 ctx 的 logger，带上 request_id
func (s *Server) reqLogger(c *gin.Context) *zap.Logger {
	if l, ok := zlog.FromContext(c.Request.Context()); ok {
		return l.Named("api")
	}
	return s.logger
}

// statusCode 把引擎错误映射为 HTTP 状态码
func statusCode(err error) int {
	switch {
	case errors.Is(err, apperr.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, apperr.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrMutationInFlight):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, apperr.ErrStatusWriteFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
