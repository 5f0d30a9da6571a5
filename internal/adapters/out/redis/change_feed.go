package redis

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/EthanQC/statussync/internal/domain/entity"
	"github.com/EthanQC/statussync/internal/ports/out"
)

const feedChannelSize = 256

// ChangeFeedRedis 基于 Pub/Sub 的变更流。
// go-redis 断线后会自动重新订阅，这段时间的消息会丢失，所以每次重新订阅都发出 resync。
type ChangeFeedRedis struct {
	client *redis.Client
	logger *zap.Logger
}

var _ out.ChangeFeed = (*ChangeFeedRedis)(nil)

func NewChangeFeedRedis(client *redis.Client, logger *zap.Logger) *ChangeFeedRedis {
	if logger == nil {
		logger = zap.L()
	}
	return &ChangeFeedRedis{client: client, logger: logger.Named("redis-feed")}
}

func (f *ChangeFeedRedis) Subscribe(ctx context.Context) (out.ChangeSubscription, error) {
	ps := f.client.Subscribe(ctx, statusChangesChannel)
	// 等待订阅确认，之后发布的变更都能收到
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	s := &changeSubscription{
		ps:     ps,
		events: make(chan entity.ChangeEvent, feedChannelSize),
		done:   make(chan struct{}),
		logger: f.logger,
	}
	go s.loop(ps.ChannelWithSubscriptions(redis.WithChannelSize(feedChannelSize)))
	return s, nil
}

type changeSubscription struct {
	ps     *redis.PubSub
	events chan entity.ChangeEvent
	done   chan struct{}
	once   sync.Once
	epoch  uint64
	logger *zap.Logger
}

func (s *changeSubscription) Events() <-chan entity.ChangeEvent { return s.events }

func (s *changeSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *changeSubscription) loop(msgs <-chan interface{}) {
	defer close(s.events)

	for {
		select {
		case <-s.done:
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			switch msg := m.(type) {
			case *redis.Subscription:
				if msg.Kind != "subscribe" {
					continue
				}
				// 自动重连后的重新订阅确认
				s.epoch++
				s.logger.Info("change channel resubscribed", zap.Uint64("epoch", s.epoch))
				if !s.send(entity.ChangeEvent{Type: entity.ChangeResync, Epoch: s.epoch}) {
					return
				}
			case *redis.Message:
				var ev entity.ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.logger.Warn("skip malformed change message", zap.Error(err))
					continue
				}
				ev.Epoch = s.epoch
				if !s.send(ev) {
					return
				}
			}
		}
	}
}

func (s *changeSubscription) send(ev entity.ChangeEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}
