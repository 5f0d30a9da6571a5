package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/EthanQC/statussync/internal/domain/entity"
	"github.com/EthanQC/statussync/internal/ports/out"
)

const feedBuffer = 256

// FeedConfig 变更流消费配置
type FeedConfig struct {
	Brokers     []string      `mapstructure:"brokers"`
	Topic       string        `mapstructure:"topic"`
	ClientID    string        `mapstructure:"client_id"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	MaxWait     time.Duration `mapstructure:"max_wait"`
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// ChangeFeedKafka 订阅时同步读出每个分区的末尾位置，再为每个分区建一个从该位置开始的 reader，
// Subscribe 返回后发布的消息一定能收到，之前的由订阅方随后加载的快照覆盖。
// 不使用消费组，所有实例都能收到全部变更。任一分区读取出错时关闭事件通道，订阅方重新订阅并加载快照。
type ChangeFeedKafka struct {
	cfg         FeedConfig
	logger      *zap.Logger
	lastOffsets func(ctx context.Context) (map[int]int64, error)
	newReader   func(partition int, offset int64) (messageReader, error)
}

var _ out.ChangeFeed = (*ChangeFeedKafka)(nil)

func NewChangeFeedKafka(cfg FeedConfig, logger *zap.Logger) *ChangeFeedKafka {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "statussync"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.L()
	}
	f := &ChangeFeedKafka{cfg: cfg, logger: logger.Named("kafka-feed")}
	f.lastOffsets = f.readLastOffsets
	f.newReader = f.openPartitionReader
	return f
}

func (f *ChangeFeedKafka) dialer() *kafka.Dialer {
	return &kafka.Dialer{
		ClientID:  f.cfg.ClientID,
		Timeout:   f.cfg.DialTimeout,
		DualStack: true,
	}
}

// readLastOffsets 每个分区下一条消息的位置
func (f *ChangeFeedKafka) readLastOffsets(ctx context.Context) (map[int]int64, error) {
	d := f.dialer()

	var conn *kafka.Conn
	err := errors.New("no kafka brokers configured")
	for _, broker := range f.cfg.Brokers {
		if conn, err = d.DialContext(ctx, "tcp", broker); err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("dial kafka: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(f.cfg.Topic)
	if err != nil {
		return nil, fmt.Errorf("read partitions of %s: %w", f.cfg.Topic, err)
	}
	if len(partitions) == 0 {
		return nil, fmt.Errorf("topic %s has no partitions", f.cfg.Topic)
	}

	offsets := make(map[int]int64, len(partitions))
	for _, p := range partitions {
		addr := net.JoinHostPort(p.Leader.Host, strconv.Itoa(p.Leader.Port))
		leader, err := d.DialLeader(ctx, "tcp", addr, f.cfg.Topic, p.ID)
		if err != nil {
			return nil, fmt.Errorf("dial leader of partition %d: %w", p.ID, err)
		}
		last, err := leader.ReadLastOffset()
		leader.Close()
		if err != nil {
			return nil, fmt.Errorf("read last offset of partition %d: %w", p.ID, err)
		}
		offsets[p.ID] = last
	}
	return offsets, nil
}

func (f *ChangeFeedKafka) openPartitionReader(partition int, offset int64) (messageReader, error) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   f.cfg.Brokers,
		Topic:     f.cfg.Topic,
		Partition: partition,
		Dialer:    f.dialer(),
		MinBytes:  1,
		MaxBytes:  10e6,
		MaxWait:   f.cfg.MaxWait,
	})
	if err := r.SetOffset(offset); err != nil {
		r.Close()
		return nil, fmt.Errorf("set offset of partition %d: %w", partition, err)
	}
	return r, nil
}

func (f *ChangeFeedKafka) Subscribe(ctx context.Context) (out.ChangeSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	offsets, err := f.lastOffsets(ctx)
	if err != nil {
		return nil, err
	}

	readers := make([]messageReader, 0, len(offsets))
	for partition, offset := range offsets {
		r, err := f.newReader(partition, offset)
		if err != nil {
			for _, opened := range readers {
				opened.Close()
			}
			return nil, err
		}
		readers = append(readers, r)
	}

	rctx, cancel := context.WithCancel(context.Background())
	s := &kafkaSubscription{
		readers: readers,
		events:  make(chan entity.ChangeEvent, feedBuffer),
		cancel:  cancel,
		logger:  f.logger,
	}
	s.wg.Add(len(readers))
	for _, r := range readers {
		go s.loop(rctx, r)
	}
	go func() {
		s.wg.Wait()
		close(s.events)
	}()
	f.logger.Debug("kafka feed positioned", zap.Any("offsets", offsets))
	return s, nil
}

type kafkaSubscription struct {
	readers []messageReader
	events  chan entity.ChangeEvent
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	logger  *zap.Logger
}

func (s *kafkaSubscription) Events() <-chan entity.ChangeEvent { return s.events }

func (s *kafkaSubscription) Close() error {
	var errs []error
	s.once.Do(func() {
		s.cancel()
		for _, r := range s.readers {
			if err := r.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// loop 一个分区的读循环；出错时取消其它分区，事件通道在全部退出后关闭
func (s *kafkaSubscription) loop(ctx context.Context, r messageReader) {
	defer s.wg.Done()
	defer s.cancel()

	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				s.logger.Warn("read change message failed, closing subscription", zap.Error(err))
			}
			return
		}
		ev, err := decodeMessage(msg)
		if err != nil {
			s.logger.Warn("skip malformed change message",
				zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
			continue
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}
