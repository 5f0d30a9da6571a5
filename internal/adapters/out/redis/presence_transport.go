package redis

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/EthanQC/statussync/internal/domain/entity"
	"github.com/EthanQC/statussync/internal/ports/out"
)

const (
	// 在线连接的有序集合，score 为过期时间（毫秒）
	presenceConnsKey = "statussync:presence:conns"
	// join/leave 广播频道
	presenceEventsChannel = "statussync:presence:events"

	// 连接过期时间（保活间隔的3倍）
	defaultPresenceTTL = 30 * time.Second
)

// PresenceTransportRedis 用 ZSET 记录连接、Pub/Sub 广播 join/leave。
// 崩溃的客户端没有 leave 广播，由各订阅方定期用 sync 纠正。
type PresenceTransportRedis struct {
	client *redis.Client
	clk    clock.WithTicker
	ttl    time.Duration
	logger *zap.Logger
}

var _ out.PresenceTransport = (*PresenceTransportRedis)(nil)

func NewPresenceTransportRedis(client *redis.Client, clk clock.WithTicker, ttl time.Duration, logger *zap.Logger) *PresenceTransportRedis {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	if logger == nil {
		logger = zap.L()
	}
	return &PresenceTransportRedis{client: client, clk: clk, ttl: ttl, logger: logger.Named("redis-presence")}
}

func connMember(meta entity.PresenceMeta) string {
	return meta.UserID + "|" + meta.ConnID
}

func (p *PresenceTransportRedis) expiry() float64 {
	return float64(p.clk.Now().Add(p.ttl).UnixMilli())
}

// Online 未过期连接对应的用户，去重并排序
func (p *PresenceTransportRedis) Online(ctx context.Context) ([]string, error) {
	now := strconv.FormatInt(p.clk.Now().UnixMilli(), 10)
	members, err := p.client.ZRangeByScore(ctx, presenceConnsKey, &redis.ZRangeBy{Min: "(" + now, Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(members))
	ids := make([]string, 0, len(members))
	for _, m := range members {
		userID, _, _ := strings.Cut(m, "|")
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		ids = append(ids, userID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *PresenceTransportRedis) Join(ctx context.Context, meta entity.PresenceMeta) (out.PresenceSubscription, error) {
	ps := p.client.Subscribe(ctx, presenceEventsChannel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	if meta.UserID != "" {
		wasOnline, err := p.isOnline(ctx, meta.UserID)
		if err != nil {
			_ = ps.Close()
			return nil, err
		}
		if err := p.client.ZAdd(ctx, presenceConnsKey, redis.Z{Score: p.expiry(), Member: connMember(meta)}).Err(); err != nil {
			_ = ps.Close()
			return nil, err
		}
		if !wasOnline {
			p.publish(ctx, entity.PresenceEvent{Type: entity.PresenceJoin, UserIDs: []string{meta.UserID}})
		}
	}

	online, err := p.Online(ctx)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	s := &presenceSubscription{
		transport: p,
		meta:      meta,
		ps:        ps,
		events:    make(chan entity.PresenceEvent, feedChannelSize),
		done:      make(chan struct{}),
	}
	s.events <- entity.PresenceEvent{Type: entity.PresenceSync, UserIDs: online}

	s.wg.Add(1)
	go s.loop(ps.Channel(redis.WithChannelSize(feedChannelSize)))
	return s, nil
}

func (p *PresenceTransportRedis) isOnline(ctx context.Context, userID string) (bool, error) {
	online, err := p.Online(ctx)
	if err != nil {
		return false, err
	}
	i := sort.SearchStrings(online, userID)
	return i < len(online) && online[i] == userID, nil
}

func (p *PresenceTransportRedis) publish(ctx context.Context, ev entity.PresenceEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := p.client.Publish(ctx, presenceEventsChannel, data).Err(); err != nil {
		p.logger.Warn("publish presence event failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

type presenceSubscription struct {
	transport *PresenceTransportRedis
	meta      entity.PresenceMeta
	ps        *redis.PubSub
	events    chan entity.PresenceEvent
	done      chan struct{}
	once      sync.Once
	wg        sync.WaitGroup
}

func (s *presenceSubscription) Events() <-chan entity.PresenceEvent { return s.events }

// Close 离开频道：删除连接，最后一个连接离开时广播 leave
func (s *presenceSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
		s.wg.Wait()

		if s.meta.UserID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p := s.transport
		if rerr := p.client.ZRem(ctx, presenceConnsKey, connMember(s.meta)).Err(); rerr != nil {
			err = rerr
			return
		}
		if online, oerr := p.isOnline(ctx, s.meta.UserID); oerr == nil && !online {
			p.publish(ctx, entity.PresenceEvent{Type: entity.PresenceLeave, UserIDs: []string{s.meta.UserID}})
		}
	})
	return err
}

// loop 转发广播、定期续期连接并用 sync 纠正本地集合
func (s *presenceSubscription) loop(msgs <-chan *redis.Message) {
	defer s.wg.Done()
	defer close(s.events)

	p := s.transport
	ticker := p.clk.NewTicker(p.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var ev entity.PresenceEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				p.logger.Warn("skip malformed presence message", zap.Error(err))
				continue
			}
			if !s.send(ev) {
				return
			}
		case <-ticker.C():
			if !s.keepalive() {
				return
			}
		}
	}
}

func (s *presenceSubscription) keepalive() bool {
	p := s.transport
	ctx, cancel := context.WithTimeout(context.Background(), p.ttl/3)
	defer cancel()

	if s.meta.UserID != "" {
		if err := p.client.ZAdd(ctx, presenceConnsKey, redis.Z{Score: p.expiry(), Member: connMember(s.meta)}).Err(); err != nil {
			p.logger.Warn("refresh presence failed", zap.Error(err))
			return true
		}
	}
	// 顺手清理过期连接
	now := strconv.FormatInt(p.clk.Now().UnixMilli(), 10)
	p.client.ZRemRangeByScore(ctx, presenceConnsKey, "-inf", now)

	online, err := p.Online(ctx)
	if err != nil {
		p.logger.Warn("list presence failed", zap.Error(err))
		return true
	}
	return s.send(entity.PresenceEvent{Type: entity.PresenceSync, UserIDs: online})
}

func (s *presenceSubscription) send(ev entity.PresenceEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}
