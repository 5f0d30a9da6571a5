// Package memory 进程内的状态存储、变更流和在线频道，用于本地开发和测试
package memory

import (
	"context"
	"sort"
	"sync"

	"k8s.io/utils/clock"

	"github.com/EthanQC/statussync/internal/domain/entity"
	"github.com/EthanQC/statussync/internal/ports/out"
	apperr "github.com/EthanQC/statussync/pkg/errors"
)

const subscriberBuffer = 256

// Hub 同时实现 StatusStore、ChangeFeed 和 PresenceTransport
type Hub struct {
	clk clock.PassiveClock

	mu      sync.Mutex
	records map[string]*entity.UserStatusRecord
	epoch   uint64
	feeds   map[*feedSub]struct{}

	conns     map[string]map[string]struct{} // userID -> connIDs
	presences map[*presenceSub]struct{}
}

var (
	_ out.StatusStore       = (*Hub)(nil)
	_ out.ChangeFeed        = (*Hub)(nil)
	_ out.PresenceTransport = (*Hub)(nil)
)

func NewHub(clk clock.PassiveClock) *Hub {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Hub{
		clk:       clk,
		records:   make(map[string]*entity.UserStatusRecord),
		feeds:     make(map[*feedSub]struct{}),
		conns:     make(map[string]map[string]struct{}),
		presences: make(map[*presenceSub]struct{}),
	}
}

func (h *Hub) GetAllStatusRecords(ctx context.Context) ([]*entity.UserStatusRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	records := make([]*entity.UserStatusRecord, 0, len(h.records))
	for _, rec := range h.records {
		records = append(records, rec.Clone())
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })
	return records, nil
}

func (h *Hub) GetStatusRecord(ctx context.Context, userID string) (*entity.UserStatusRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.records[userID]
	if !ok {
		return nil, apperr.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (h *Hub) EnsureStatusRecord(ctx context.Context, userID string) (*entity.UserStatusRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if rec, ok := h.records[userID]; ok {
		return rec.Clone(), nil
	}
	rec := entity.NewUserStatusRecord(userID, h.clk.Now())
	h.records[userID] = rec
	h.publishLocked(entity.ChangeEvent{Type: entity.ChangeInsert, UserID: userID, Record: rec.Clone()})
	return rec.Clone(), nil
}

// UpdateStatusRecord 成功写入后总会发出一条 update 事件，即使内容没有变化，保证乐观写入一定能收到回显
func (h *Hub) UpdateStatusRecord(ctx context.Context, userID string, patch entity.StatusPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := patch.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.records[userID]
	if !ok {
		return apperr.ErrRecordNotFound
	}
	patch.Apply(rec, h.clk.Now())
	h.publishLocked(entity.ChangeEvent{Type: entity.ChangeUpdate, UserID: userID, Record: rec.Clone()})
	return nil
}

// AssertActivity 只有被动状态变化时才发出事件
func (h *Hub) AssertActivity(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.records[userID]
	if !ok {
		rec = entity.NewUserStatusRecord(userID, h.clk.Now())
		h.records[userID] = rec
	}
	wasOnline := rec.PassiveStatus == entity.PassiveOnline
	entity.ActivityPatch(h.clk.Now()).Apply(rec, h.clk.Now())
	if !ok {
		h.publishLocked(entity.ChangeEvent{Type: entity.ChangeInsert, UserID: userID, Record: rec.Clone()})
	} else if !wasOnline {
		h.publishLocked(entity.ChangeEvent{Type: entity.ChangeUpdate, UserID: userID, Record: rec.Clone()})
	}
	return nil
}

// DeleteStatusRecord 账号删除，由外部账号生命周期触发
func (h *Hub) DeleteStatusRecord(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.records[userID]; !ok {
		return apperr.ErrRecordNotFound
	}
	delete(h.records, userID)
	h.publishLocked(entity.ChangeEvent{Type: entity.ChangeDelete, UserID: userID})
	return nil
}

// Subscribe 实现 ChangeFeed
func (h *Hub) Subscribe(ctx context.Context) (out.ChangeSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &feedSub{hub: h, ch: make(chan entity.ChangeEvent, subscriberBuffer)}
	h.feeds[s] = struct{}{}
	return s, nil
}

// Drop 模拟传输断开：关闭所有订阅，订阅方需要重新订阅
func (h *Hub) Drop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.feeds {
		h.closeFeedLocked(s)
	}
}

// Reconnect 模拟客户端库透明重连：代数加一并发出 resync
func (h *Hub) Reconnect() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.epoch++
	h.publishLocked(entity.ChangeEvent{Type: entity.ChangeResync})
	return h.epoch
}

// Epoch 当前代数
func (h *Hub) Epoch() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.epoch
}

// Inject 直接向所有订阅者投递事件，不修改存储；用于模拟网络中迟到的事件
func (h *Hub) Inject(ev entity.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.feeds {
		h.sendLocked(s, ev)
	}
}

// PutRecord 直接写入一条记录并发出事件，模拟其他设备的写入
func (h *Hub) PutRecord(rec *entity.UserStatusRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, existed := h.records[rec.UserID]
	h.records[rec.UserID] = rec.Clone()
	typ := entity.ChangeUpdate
	if !existed {
		typ = entity.ChangeInsert
	}
	h.publishLocked(entity.ChangeEvent{Type: typ, UserID: rec.UserID, Record: rec.Clone()})
}

// SetRecordSilently 修改记录但不发出事件，模拟断线期间错过的变更
func (h *Hub) SetRecordSilently(rec *entity.UserStatusRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[rec.UserID] = rec.Clone()
}

func (h *Hub) publishLocked(ev entity.ChangeEvent) {
	ev.Epoch = h.epoch
	for s := range h.feeds {
		h.sendLocked(s, ev)
	}
}

// sendLocked 缓冲满了说明订阅方跟不上，直接断开让它重新加载快照
func (h *Hub) sendLocked(s *feedSub, ev entity.ChangeEvent) {
	select {
	case s.ch <- ev:
	default:
		h.closeFeedLocked(s)
	}
}

func (h *Hub) closeFeedLocked(s *feedSub) {
	if _, ok := h.feeds[s]; !ok {
		return
	}
	delete(h.feeds, s)
	close(s.ch)
}

type feedSub struct {
	hub *Hub
	ch  chan entity.ChangeEvent
}

func (s *feedSub) Events() <-chan entity.ChangeEvent { return s.ch }

func (s *feedSub) Close() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.closeFeedLocked(s)
	return nil
}
