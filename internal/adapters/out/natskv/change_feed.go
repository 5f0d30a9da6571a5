package natskv

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/EthanQC/statussync/internal/domain/entity"
	"github.com/EthanQC/statussync/internal/ports/out"
)

const feedBuffer = 256

// ChangeFeedKV 用 WatchAll(UpdatesOnly) 推送状态变更。
// 连接重连期间 watcher 可能漏掉更新，由 Reconnected 通知各订阅重建 watcher 并发出 resync。
type ChangeFeedKV struct {
	kv     jetstream.KeyValue
	logger *zap.Logger

	mu    sync.Mutex
	epoch uint64
	subs  map[*kvSubscription]struct{}
}

var _ out.ChangeFeed = (*ChangeFeedKV)(nil)

func NewChangeFeedKV(kv jetstream.KeyValue, logger *zap.Logger) *ChangeFeedKV {
	if logger == nil {
		logger = zap.L()
	}
	return &ChangeFeedKV{kv: kv, logger: logger.Named("kv-feed"), subs: make(map[*kvSubscription]struct{})}
}

// Reconnected 在 nats.ReconnectHandler 中调用
func (f *ChangeFeedKV) Reconnected() {
	f.mu.Lock()
	f.epoch++
	epoch := f.epoch
	subs := make([]*kvSubscription, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	f.logger.Info("nats reconnected, requesting resync", zap.Uint64("epoch", epoch), zap.Int("subscriptions", len(subs)))
	for _, s := range subs {
		s.signalResync()
	}
}

func (f *ChangeFeedKV) currentEpoch() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epoch
}

// watch 新建只看后续更新的 watcher，返回它所属的 epoch
func (f *ChangeFeedKV) watch(ctx context.Context) (jetstream.KeyWatcher, uint64, error) {
	epoch := f.currentEpoch()
	w, err := f.kv.WatchAll(ctx, jetstream.UpdatesOnly())
	return w, epoch, err
}

func (f *ChangeFeedKV) Subscribe(ctx context.Context) (out.ChangeSubscription, error) {
	wctx, cancel := context.WithCancel(context.Background())
	watcher, epoch, err := f.watch(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &kvSubscription{
		feed:    f,
		ctx:     wctx,
		cancel:  cancel,
		watcher: watcher,
		epoch:   epoch,
		events:  make(chan entity.ChangeEvent, feedBuffer),
		resync:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()

	go s.loop()
	return s, nil
}

type kvSubscription struct {
	feed   *ChangeFeedKV
	ctx    context.Context
	cancel context.CancelFunc

	// watcher 和 epoch 只在 loop 中替换
	mu      sync.Mutex
	watcher jetstream.KeyWatcher
	epoch   uint64

	events chan entity.ChangeEvent
	resync chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *kvSubscription) Events() <-chan entity.ChangeEvent { return s.events }

func (s *kvSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs, s)
		s.feed.mu.Unlock()
		close(s.done)
		s.cancel()
		s.mu.Lock()
		err = s.watcher.Stop()
		s.mu.Unlock()
	})
	return err
}

func (s *kvSubscription) signalResync() {
	select {
	case s.resync <- struct{}{}:
	default:
	}
}

// restart 丢弃旧 watcher 里还没读出的断线前更新，换一个新的 watcher 后再发 resync，
// 之后送出的事件都来自新 watcher
func (s *kvSubscription) restart() bool {
	watcher, epoch, err := s.feed.watch(s.ctx)
	if err != nil {
		// 关闭事件通道，订阅方按断线处理：重新订阅并加载快照
		s.feed.logger.Warn("restart status watcher failed", zap.Error(err))
		return false
	}

	s.mu.Lock()
	old := s.watcher
	s.watcher, s.epoch = watcher, epoch
	s.mu.Unlock()
	_ = old.Stop()

	return s.send(entity.ChangeEvent{Type: entity.ChangeResync, Epoch: epoch})
}

func (s *kvSubscription) loop() {
	defer close(s.events)
	logger := s.feed.logger

	for {
		// resync 优先，避免再从旧 watcher 读出断线前的更新
		select {
		case <-s.resync:
			if !s.restart() {
				return
			}
			continue
		default:
		}

		select {
		case <-s.done:
			return
		case <-s.resync:
			if !s.restart() {
				return
			}
		case entry, ok := <-s.watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue
			}
			ev := entity.ChangeEvent{UserID: entry.Key(), Epoch: s.epoch}
			switch entry.Operation() {
			case jetstream.KeyValuePut:
				rec, err := decodeRecord(entry.Value())
				if err != nil {
					logger.Warn("skip malformed status entry", zap.String("key", entry.Key()), zap.Error(err))
					continue
				}
				// KV 上 insert 和 update 不可区分，订阅方对两者处理相同
				ev.Type = entity.ChangeUpdate
				ev.Record = rec
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				ev.Type = entity.ChangeDelete
			default:
				continue
			}
			if !s.send(ev) {
				return
			}
		}
	}
}

func (s *kvSubscription) send(ev entity.ChangeEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}
