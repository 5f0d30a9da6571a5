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

	"github.com/EthanQC/statussync/internal/adapters/out/metrics"
	"github.com/EthanQC/statussync/internal/application"
	"github.com/EthanQC/statussync/internal/backend"
	"github.com/EthanQC/statussync/internal/config"
	"github.com/EthanQC/statussync/pkg/zlog"
)

type options struct {
	once       bool
	configDirs []string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "status-sweeper",
		Short: "Demotes users whose activity heartbeats have expired to passive offline",
		Long: `status-sweeper is the server-side authority for passive status. Every sweeper.interval it
lists all status records and writes passive_status=offline for users whose last activity is
older than sweeper.inactivity_threshold. Manual overrides are left untouched.

With the mysql backend it also runs the outbox relay that publishes status changes to Kafka;
run exactly one instance in that setup.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(opts)
		},
	}
	cmd.Flags().BoolVar(&opts.once, "once", false, "Run a single sweep and exit")
	cmd.Flags().StringSliceVar(&opts.configDirs, "config-dir", nil, "Directories searched for config.<APP_ENV>.yaml")
	return cmd
}

func run(opts options) error {
	cfg, err := config.Load(opts.configDirs...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return err
	}

	cfg.Log.Service = "status-sweeper"
	undo := zlog.MustInitGlobal(cfg.Log)
	defer undo()
	logger := zap.L()
	logger.Info("status-sweeper starting",
		zap.String("env", cfg.Env),
		zap.String("backend", cfg.Backend),
		zap.Duration("interval", cfg.Sweeper.Interval),
		zap.Duration("threshold", cfg.Sweeper.InactivityThreshold))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if err := zlog.RegisterMetrics(reg); err != nil {
		return fmt.Errorf("register log metrics: %w", err)
	}
	observer := metrics.NewPrometheusObserver(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.RealClock{}
	b, err := backend.Open(ctx, cfg, backend.RoleServer, clk, logger)
	if err != nil {
		logger.Error("Failed to open backend", zap.Error(err))
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("backend close", zap.Error(err))
		}
	}()

	sweeper := application.NewPassiveSweeper(cfg.Sweeper, b.Store, clk, observer, logger)

	if opts.once {
		n, err := sweeper.SweepOnce(ctx)
		if err != nil {
			logger.Error("sweep failed", zap.Error(err))
			return err
		}
		logger.Info("sweep finished", zap.Int("demoted", n))
		return nil
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	router.Any("/log/level", gin.WrapH(zlog.LevelHTTPHandler()))
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("status-sweeper stopped", zap.Error(err))
		return err
	}
	logger.Info("status-sweeper exited")
	return nil
}
