// Package backend 按配置组装存储、变更流和在线频道
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"k8s.io/utils/clock"

	"github.com/EthanQC/statussync/internal/adapters/out/kafka"
	"github.com/EthanQC/statussync/internal/adapters/out/memory"
	mysqlRepo "github.com/EthanQC/statussync/internal/adapters/out/mysql"
	"github.com/EthanQC/statussync/internal/adapters/out/natskv"
	"github.com/EthanQC/statussync/internal/adapters/out/outbox"
	redisRepo "github.com/EthanQC/statussync/internal/adapters/out/redis"
	"github.com/EthanQC/statussync/internal/config"
	"github.com/EthanQC/statussync/internal/ports/out"
)

// Role 进程角色。outbox 中继只能有一个实例，放在服务端角色里
type Role int

const (
	RoleAgent Role = iota
	RoleServer
)

// Backend 一组已连接的后端
type Backend struct {
	Store    out.StatusStore
	Feed     out.ChangeFeed
	Presence out.PresenceTransport // presence.enabled=false 时为 nil

	runners []func(ctx context.Context) error
	closers []func() error
}

// Open 按 cfg.Backend 连接后端。失败时已经打开的连接会被关闭
func Open(ctx context.Context, cfg *config.Config, role Role, clk clock.WithTicker, log *zap.Logger) (*Backend, error) {
	b := &Backend{}
	if err := b.open(ctx, cfg, role, clk, log); err != nil {
		_ = b.Close()
		return nil, err
	}
	log.Info("backend opened", zap.String("backend", cfg.Backend), zap.Bool("presence", b.Presence != nil))
	return b, nil
}

func (b *Backend) open(ctx context.Context, cfg *config.Config, role Role, clk clock.WithTicker, log *zap.Logger) error {
	switch cfg.Backend {
	case config.BackendMemory:
		hub := memory.NewHub(clk)
		b.Store, b.Feed = hub, hub
		if cfg.Presence.Enabled {
			b.Presence = hub
		}

	case config.BackendRedis:
		client, err := initRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, client.Close)
		b.Store = redisRepo.NewStatusRepositoryRedis(client, clk, log)
		b.Feed = redisRepo.NewChangeFeedRedis(client, log)
		if cfg.Presence.Enabled {
			b.Presence = redisRepo.NewPresenceTransportRedis(client, clk, cfg.Presence.TTL, log)
		}

	case config.BackendNATS:
		return b.openNATS(ctx, cfg, clk, log)

	case config.BackendMySQL:
		return b.openMySQL(ctx, cfg, role, clk, log)

	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return nil
}

func (b *Backend) openNATS(ctx context.Context, cfg *config.Config, clk clock.WithTicker, log *zap.Logger) error {
	// 连接建立前 feed 还不存在，回调里判空
	var feed atomic.Pointer[natskv.ChangeFeedKV]
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.NATS.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
			if f := feed.Load(); f != nil {
				f.Reconnected()
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	b.closers = append(b.closers, func() error {
		nc.Close()
		return nil
	})

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("jetstream context: %w", err)
	}
	bctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	statusKV, connKV, err := natskv.CreateBuckets(bctx, js, cfg.Presence.TTL)
	if err != nil {
		return fmt.Errorf("create kv buckets: %w", err)
	}

	b.Store = natskv.NewStatusStoreKV(statusKV, clk, log)
	kvFeed := natskv.NewChangeFeedKV(statusKV, log)
	feed.Store(kvFeed)
	b.Feed = kvFeed
	if cfg.Presence.Enabled {
		b.Presence = natskv.NewPresenceTransportKV(connKV, clk, cfg.Presence.TTL, log)
	}
	return nil
}

// openMySQL 状态表 + outbox；变更经中继写到 Kafka，各实例从 Kafka 订阅。
// 在线频道没有 SQL 实现，启用时借用 Redis
func (b *Backend) openMySQL(ctx context.Context, cfg *config.Config, role Role, clk clock.WithTicker, log *zap.Logger) error {
	db, err := initDB(cfg.MySQL)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	if cfg.MySQL.AutoMigrate {
		if err := mysqlRepo.AutoMigrate(db); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	b.Store = mysqlRepo.NewStatusRepositoryMySQL(db, clk, log)
	b.Feed = kafka.NewChangeFeedKafka(cfg.Kafka, log)

	if role == RoleServer {
		writer := kafka.NewWriter(cfg.Kafka.Brokers)
		b.closers = append(b.closers, writer.Close)
		relay := outbox.NewRelay(
			cfg.Outbox,
			mysqlRepo.NewOutboxRepositoryMySQL(db),
			kafka.NewChangePublisherKafka(writer, cfg.Kafka.Topic),
			clk,
			log,
		)
		b.runners = append(b.runners, relay.Run)
	}

	if cfg.Presence.Enabled {
		client, err := initRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, client.Close)
		b.Presence = redisRepo.NewPresenceTransportRedis(client, clk, cfg.Presence.TTL, log)
	}
	return nil
}

// Run 运行后端自带的后台任务（outbox 中继），没有任务时等待 ctx 结束
func (b *Backend) Run(ctx context.Context) error {
	if len(b.runners) == 0 {
		<-ctx.Done()
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, run := range b.runners {
		g.Go(func() error { return run(gctx) })
	}
	return g.Wait()
}

// Close 逆序关闭所有连接
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func initRedis(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect redis: %w", err)
	}
	return client, nil
}

func initDB(cfg config.MySQLConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}
