package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/EthanQC/statussync/internal/domain/entity"
	"github.com/EthanQC/statussync/internal/ports/out"
)

// PresenceTransportKV 每个连接一个带 TTL 的 key，客户端定期续期。
// TTL 过期不一定产生删除标记，所以订阅方还会定期用 ListKeys 全量校正。
type PresenceTransportKV struct {
	kv     jetstream.KeyValue
	clk    clock.WithTicker
	ttl    time.Duration
	logger *zap.Logger
}

var _ out.PresenceTransport = (*PresenceTransportKV)(nil)

func NewPresenceTransportKV(kv jetstream.KeyValue, clk clock.WithTicker, ttl time.Duration, logger *zap.Logger) *PresenceTransportKV {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if ttl <= 0 {
		ttl = defaultConnTTL
	}
	if logger == nil {
		logger = zap.L()
	}
	return &PresenceTransportKV{kv: kv, clk: clk, ttl: ttl, logger: logger.Named("kv-presence")}
}

func connKey(meta entity.PresenceMeta) string {
	return meta.UserID + "." + meta.ConnID
}

// splitConnKey "<userID>.<connID>"
func splitConnKey(key string) (userID, connID string, ok bool) {
	return strings.Cut(key, ".")
}

func (p *PresenceTransportKV) Join(ctx context.Context, meta entity.PresenceMeta) (out.PresenceSubscription, error) {
	if meta.UserID != "" {
		data, err := json.Marshal(meta)
		if err != nil {
			return nil, err
		}
		if _, err := p.kv.Put(ctx, connKey(meta), data); err != nil {
			return nil, err
		}
	}

	watcher, err := p.kv.WatchAll(ctx)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &kvPresenceSubscription{
		transport: p,
		ctx:       sctx,
		cancel:    cancel,
		meta:      meta,
		watcher:   watcher,
		conns:     make(map[string]map[string]struct{}),
		events:    make(chan entity.PresenceEvent, feedBuffer),
		done:      make(chan struct{}),
	}
	if err := s.hydrate(ctx); err != nil {
		cancel()
		_ = watcher.Stop()
		return nil, err
	}

	s.wg.Add(1)
	go s.loop()
	return s, nil
}

type kvPresenceSubscription struct {
	transport *PresenceTransportKV
	meta      entity.PresenceMeta
	watcher   jetstream.KeyWatcher
	ctx       context.Context
	cancel    context.CancelFunc

	// userID -> connIDs，只在 loop 中访问
	conns map[string]map[string]struct{}

	events chan entity.PresenceEvent
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (s *kvPresenceSubscription) Events() <-chan entity.PresenceEvent { return s.events }

// Close 删除自己的连接 key，其他订阅方通过 watch 看到 leave
func (s *kvPresenceSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		_ = s.watcher.Stop()
		s.wg.Wait()
		if s.meta.UserID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), s.transport.ttl/3)
			defer cancel()
			if derr := s.transport.kv.Delete(ctx, connKey(s.meta)); derr != nil && !errors.Is(derr, jetstream.ErrKeyNotFound) {
				err = derr
			}
		}
	})
	return err
}

// hydrate 读出初始值直到 nil 标记，然后发出 sync
func (s *kvPresenceSubscription) hydrate(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-s.watcher.Updates():
			if !ok {
				return errors.New("presence watcher closed during hydration")
			}
			if entry == nil {
				s.events <- entity.PresenceEvent{Type: entity.PresenceSync, UserIDs: s.online()}
				return nil
			}
			if entry.Operation() == jetstream.KeyValuePut {
				if userID, connID, ok := splitConnKey(entry.Key()); ok {
					s.add(userID, connID)
				}
			}
		}
	}
}

func (s *kvPresenceSubscription) loop() {
	defer s.wg.Done()
	defer close(s.events)

	p := s.transport
	ticker := p.clk.NewTicker(p.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case entry, ok := <-s.watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue
			}
			userID, connID, ok := splitConnKey(entry.Key())
			if !ok {
				continue
			}
			switch entry.Operation() {
			case jetstream.KeyValuePut:
				if s.add(userID, connID) && !s.send(entity.PresenceEvent{Type: entity.PresenceJoin, UserIDs: []string{userID}}) {
					return
				}
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				if s.remove(userID, connID) && !s.send(entity.PresenceEvent{Type: entity.PresenceLeave, UserIDs: []string{userID}}) {
					return
				}
			}
		case <-ticker.C():
			if !s.keepalive() {
				return
			}
		}
	}
}

// keepalive 续期自己的连接，并用当前 keys 重建集合。每一步都限定在一个续期周期内
func (s *kvPresenceSubscription) keepalive() bool {
	p := s.transport
	ctx, cancel := context.WithTimeout(s.ctx, p.ttl/3)
	defer cancel()

	if s.meta.UserID != "" {
		data, _ := json.Marshal(s.meta)
		if _, err := p.kv.Put(ctx, connKey(s.meta), data); err != nil {
			p.logger.Warn("refresh presence failed", zap.Error(err))
			return true
		}
	}

	keys, err := s.listKeys(ctx)
	if err != nil {
		p.logger.Warn("list presence keys failed", zap.Error(err))
		return true
	}
	s.conns = make(map[string]map[string]struct{}, len(keys))
	for _, k := range keys {
		if userID, connID, ok := splitConnKey(k); ok {
			s.add(userID, connID)
		}
	}
	return s.send(entity.PresenceEvent{Type: entity.PresenceSync, UserIDs: s.online()})
}

func (s *kvPresenceSubscription) listKeys(ctx context.Context) ([]string, error) {
	lister, err := s.transport.kv.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	defer lister.Stop()

	var keys []string
	for k := range lister.Keys() {
		keys = append(keys, k)
	}
	// 超时时 channel 也会关闭，此时列表不完整
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// add 返回是否为该用户的第一个连接
func (s *kvPresenceSubscription) add(userID, connID string) bool {
	set, ok := s.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		s.conns[userID] = set
	}
	set[connID] = struct{}{}
	return !ok
}

// remove 返回是否为该用户的最后一个连接
func (s *kvPresenceSubscription) remove(userID, connID string) bool {
	set, ok := s.conns[userID]
	if !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(s.conns, userID)
		return true
	}
	return false
}

func (s *kvPresenceSubscription) online() []string {
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *kvPresenceSubscription) send(ev entity.PresenceEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}
