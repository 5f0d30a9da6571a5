package application

import (
	"sync"
	"time"

	"github.com/EthanQC/statussync/internal/domain/entity"
)

// StatusCache 本地状态缓存，所有读取方只读这里。
// 写入方法都不导出，只有 ChangeFeedSubscriber（所有用户）和 StatusMutator（本地用户）会调用。
type StatusCache struct {
	mu      sync.RWMutex
	entries map[string]entity.CacheEntry

	lmu       sync.Mutex
	listeners map[uint64]func(entity.StatusChange)
	nextID    uint64
}

// NewStatusCache 创建空缓存
func NewStatusCache() *StatusCache {
	return &StatusCache{
		entries:   make(map[string]entity.CacheEntry),
		listeners: make(map[uint64]func(entity.StatusChange)),
	}
}

// Get 读取单个用户
func (c *StatusCache) Get(userID string) (entity.CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[userID]
	return e, ok
}

// Snapshot 返回当前缓存的拷贝
func (c *StatusCache) Snapshot() map[string]entity.CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]entity.CacheEntry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

func (c *StatusCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// OnChange 注册变更回调。回调在锁外同步执行，不要在回调里做阻塞操作
func (c *StatusCache) OnChange(fn func(entity.StatusChange)) func() {
	c.lmu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.lmu.Lock()
			delete(c.listeners, id)
			c.lmu.Unlock()
		})
	}
}

// applyConfirmed 用权威值无条件覆盖，返回被覆盖的旧条目
func (c *StatusCache) applyConfirmed(e entity.CacheEntry) (entity.CacheEntry, bool) {
	e.Confirmed = true
	e.OptimisticAt = time.Time{}
	return c.put(e)
}

// applyOptimistic 本地乐观写入
func (c *StatusCache) applyOptimistic(e entity.CacheEntry) (entity.CacheEntry, bool) {
	e.Confirmed = false
	return c.put(e)
}

func (c *StatusCache) put(e entity.CacheEntry) (entity.CacheEntry, bool) {
	c.mu.Lock()
	old, existed := c.entries[e.UserID]
	if existed && sameEntry(old, e) {
		c.mu.Unlock()
		return old, existed
	}
	c.entries[e.UserID] = e
	c.mu.Unlock()

	c.notify(entity.StatusChange{UserID: e.UserID, Old: old, New: e, Existed: existed})
	return old, existed
}

// restoreIfOptimistic 回滚：只有当前条目仍是我们写入的那个乐观值时才恢复。
// 期间如果已经有回显覆盖，保留回显。
func (c *StatusCache) restoreIfOptimistic(optimistic entity.CacheEntry, lastKnownGood entity.CacheEntry, hadGood bool) bool {
	c.mu.Lock()
	cur, ok := c.entries[optimistic.UserID]
	if !ok || cur.Confirmed || cur.Status != optimistic.Status || !cur.OptimisticAt.Equal(optimistic.OptimisticAt) {
		c.mu.Unlock()
		return false
	}
	var change entity.StatusChange
	if hadGood {
		c.entries[optimistic.UserID] = lastKnownGood
		change = entity.StatusChange{UserID: optimistic.UserID, Old: cur, New: lastKnownGood, Existed: true}
	} else {
		delete(c.entries, optimistic.UserID)
		change = entity.StatusChange{UserID: optimistic.UserID, Old: cur, Existed: true, Removed: true}
	}
	c.mu.Unlock()

	c.notify(change)
	return true
}

// remove 删除条目，只在账号删除事件时发生
func (c *StatusCache) remove(userID string) bool {
	c.mu.Lock()
	old, ok := c.entries[userID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.entries, userID)
	c.mu.Unlock()

	c.notify(entity.StatusChange{UserID: userID, Old: old, Existed: true, Removed: true})
	return true
}

// replaceAll 用快照整体替换，快照里没有的用户会被移除
func (c *StatusCache) replaceAll(entries []entity.CacheEntry) {
	next := make(map[string]entity.CacheEntry, len(entries))
	for _, e := range entries {
		e.Confirmed = true
		e.OptimisticAt = time.Time{}
		next[e.UserID] = e
	}

	c.mu.Lock()
	prev := c.entries
	c.entries = next
	c.mu.Unlock()

	var changes []entity.StatusChange
	for id, e := range next {
		old, existed := prev[id]
		if existed && sameEntry(old, e) {
			continue
		}
		changes = append(changes, entity.StatusChange{UserID: id, Old: old, New: e, Existed: existed})
	}
	for id, old := range prev {
		if _, ok := next[id]; !ok {
			changes = append(changes, entity.StatusChange{UserID: id, Old: old, Existed: true, Removed: true})
		}
	}
	for _, ch := range changes {
		c.notify(ch)
	}
}

func (c *StatusCache) notify(ch entity.StatusChange) {
	c.lmu.Lock()
	fns := make([]func(entity.StatusChange), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.lmu.Unlock()

	for _, fn := range fns {
		fn(ch)
	}
}

func sameEntry(a, b entity.CacheEntry) bool {
	return a.Status == b.Status && a.Confirmed == b.Confirmed && a.OptimisticAt.Equal(b.OptimisticAt)
}
