package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/EthanQC/statussync/internal/adapters/in/api"
	"github.com/EthanQC/statussync/internal/adapters/in/ws"
	"github.com/EthanQC/statussync/internal/adapters/out/metrics"
	"github.com/EthanQC/statussync/internal/application"
	"github.com/EthanQC/statussync/internal/backend"
	"github.com/EthanQC/statussync/internal/config"
	"github.com/EthanQC/statussync/pkg/zlog"
)

type options struct {
	user       string
	configDirs []string
	addr       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "status-agent",
		Short: "Keeps one signed-in user's status in sync and serves it over HTTP/WebSocket",
		Long: `status-agent hosts a status engine for the local user: it sends activity heartbeats,
keeps a live cache of every user's effective status, tracks who is connected and serves
the result over REST and a WebSocket push stream.

The backend (memory, redis, nats, mysql) is chosen in configs/config.<APP_ENV>.yaml.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(opts)
		},
	}
	cmd.Flags().StringVar(&opts.user, "user", "", "User ID to sign in as once the cache is loaded (can also be set via POST /v1/session)")
	cmd.Flags().StringSliceVar(&opts.configDirs, "config-dir", nil, "Directories searched for config.<APP_ENV>.yaml")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "Override server.addr")
	return cmd
}

func run(opts options) error {
	// 加载配置
	cfg, err := config.Load(opts.configDirs...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return err
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}

	// 初始化日志
	cfg.Log.Service = "status-agent"
	undo := zlog.MustInitGlobal(cfg.Log)
	defer undo()
	logger := zap.L()
	logger.Info("status-agent starting", zap.String("env", cfg.Env), zap.String("backend", cfg.Backend))

	// 指标
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := zlog.RegisterMetrics(reg); err != nil {
		return fmt.Errorf("register log metrics: %w", err)
	}
	observer := metrics.NewPrometheusObserver(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.RealClock{}
	b, err := backend.Open(ctx, cfg, backend.RoleAgent, clk, logger)
	if err != nil {
		logger.Error("Failed to open backend", zap.Error(err))
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("backend close", zap.Error(err))
		}
	}()

	engine := application.NewEngine(
		application.Deps{Store: b.Store, Feed: b.Feed, Presence: b.Presence},
		cfg.Engine,
		application.WithClock(clk),
		application.WithObserver(observer),
		application.WithLogger(logger),
	)

	// HTTP
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), zlog.GinLogger("/healthz", "/readyz", "/metrics"))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	router.Any("/log/level", gin.WrapH(zlog.LevelHTTPHandler()))

	wsServer := ws.NewServer(engine, logger)
	api.NewServer(engine, router, logger,
		api.WithWriteTimeout(cfg.Engine.Mutator.WriteTimeout),
		api.WithSession(engine),
		api.WithRoutes(wsServer.Register),
	)

	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// websocket 升级后不受 WriteTimeout 影响
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		wsServer.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if opts.user != "" {
		g.Go(func() error {
			select {
			case <-engine.Ready():
			case <-gctx.Done():
				return nil
			}
			if err := engine.SignIn(gctx, opts.user); err != nil {
				return fmt.Errorf("sign in %q: %w", opts.user, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("status-agent stopped", zap.Error(err))
		return err
	}
	logger.Info("Server exited properly")
	return nil
}
