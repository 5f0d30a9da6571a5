package memory

import (
	"context"
	"sort"

	"github.com/EthanQC/statussync/internal/domain/entity"
	"github.com/EthanQC/statussync/internal/ports/out"
)

// Join 实现 PresenceTransport：新订阅先收到一次 sync，之后是 join/leave 增量
func (h *Hub) Join(ctx context.Context, meta entity.PresenceMeta) (out.PresenceSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &presenceSub{hub: h, meta: meta, ch: make(chan entity.PresenceEvent, subscriberBuffer)}
	h.presences[s] = struct{}{}

	if meta.UserID != "" {
		first := h.addConnLocked(meta.UserID, meta.ConnID)
		if first {
			h.broadcastPresenceLocked(s, entity.PresenceEvent{Type: entity.PresenceJoin, UserIDs: []string{meta.UserID}})
		}
	}
	h.sendPresenceLocked(s, entity.PresenceEvent{Type: entity.PresenceSync, UserIDs: h.onlineLocked()})
	return s, nil
}

// KickConnections 模拟传输层检测到断线：移除用户所有连接并广播 leave
func (h *Hub) KickConnections(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[userID]; !ok {
		return
	}
	delete(h.conns, userID)
	h.broadcastPresenceLocked(nil, entity.PresenceEvent{Type: entity.PresenceLeave, UserIDs: []string{userID}})
}

// Online 当前在线的用户
func (h *Hub) Online() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.onlineLocked()
}

func (h *Hub) addConnLocked(userID, connID string) bool {
	set, ok := h.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		h.conns[userID] = set
	}
	set[connID] = struct{}{}
	return !ok
}

// removeConnLocked 返回是否为该用户最后一个连接
func (h *Hub) removeConnLocked(userID, connID string) bool {
	set, ok := h.conns[userID]
	if !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(h.conns, userID)
		return true
	}
	return false
}

func (h *Hub) onlineLocked() []string {
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) broadcastPresenceLocked(except *presenceSub, ev entity.PresenceEvent) {
	for s := range h.presences {
		if s == except {
			continue
		}
		h.sendPresenceLocked(s, ev)
	}
}

func (h *Hub) sendPresenceLocked(s *presenceSub, ev entity.PresenceEvent) {
	select {
	case s.ch <- ev:
	default:
		h.closePresenceLocked(s)
	}
}

func (h *Hub) closePresenceLocked(s *presenceSub) {
	if _, ok := h.presences[s]; !ok {
		return
	}
	delete(h.presences, s)
	close(s.ch)
	if s.meta.UserID != "" && h.removeConnLocked(s.meta.UserID, s.meta.ConnID) {
		h.broadcastPresenceLocked(s, entity.PresenceEvent{Type: entity.PresenceLeave, UserIDs: []string{s.meta.UserID}})
	}
}

type presenceSub struct {
	hub  *Hub
	meta entity.PresenceMeta
	ch   chan entity.PresenceEvent
}

func (s *presenceSub) Events() <-chan entity.PresenceEvent { return s.ch }

func (s *presenceSub) Close() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.closePresenceLocked(s)
	return nil
}
