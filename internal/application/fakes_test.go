package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/EthanQC/statussync/internal/adapters/out/memory"
	"github.com/EthanQC/statussync/internal/domain/entity"
	"github.com/EthanQC/statussync/internal/ports/out"
)

var errNetwork = errors.New("network unreachable")

// flakyStore 包装内存存储，按需注入失败和阻塞
type flakyStore struct {
	*memory.Hub

	mu            sync.Mutex
	updateErr     error
	updateBlock   bool // 阻塞直到 ctx 结束
	updateStarted chan struct{}
	updateRelease chan struct{}
	assertErrs    []error
	getErrs       []error
	snapshotErrs  []error
	updateCalls   int
	getCalls      int
	assertCalls   int
	snapshotCalls int
}

func newFlakyStore(hub *memory.Hub) *flakyStore {
	return &flakyStore{Hub: hub}
}

func (s *flakyStore) UpdateStatusRecord(ctx context.Context, userID string, patch entity.StatusPatch) error {
	s.mu.Lock()
	s.updateCalls++
	err := s.updateErr
	block := s.updateBlock
	started := s.updateStarted
	release := s.updateRelease
	s.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	return s.Hub.UpdateStatusRecord(ctx, userID, patch)
}

func (s *flakyStore) GetStatusRecord(ctx context.Context, userID string) (*entity.UserStatusRecord, error) {
	s.mu.Lock()
	s.getCalls++
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Hub.GetStatusRecord(ctx, userID)
}

func (s *flakyStore) AssertActivity(ctx context.Context, userID string) error {
	s.mu.Lock()
	s.assertCalls++
	var err error
	if len(s.assertErrs) > 0 {
		err = s.assertErrs[0]
		s.assertErrs = s.assertErrs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Hub.AssertActivity(ctx, userID)
}

func (s *flakyStore) GetAllStatusRecords(ctx context.Context) ([]*entity.UserStatusRecord, error) {
	s.mu.Lock()
	s.snapshotCalls++
	var err error
	if len(s.snapshotErrs) > 0 {
		err = s.snapshotErrs[0]
		s.snapshotErrs = s.snapshotErrs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Hub.GetAllStatusRecords(ctx)
}

func (s *flakyStore) counts() (update, get, assert, snapshot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateCalls, s.getCalls, s.assertCalls, s.snapshotCalls
}

// scriptedSubscription 预先装好事件的订阅
type scriptedSubscription struct {
	ch     chan entity.ChangeEvent
	closed bool
}

func newScriptedSubscription(events ...entity.ChangeEvent) *scriptedSubscription {
	ch := make(chan entity.ChangeEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return &scriptedSubscription{ch: ch}
}

func (s *scriptedSubscription) Events() <-chan entity.ChangeEvent { return s.ch }
func (s *scriptedSubscription) Close() error                      { s.closed = true; return nil }

// failingFeed 前 n 次订阅失败
type failingFeed struct {
	out.ChangeFeed
	mu       sync.Mutex
	failures int
	attempts int
}

func (f *failingFeed) Subscribe(ctx context.Context) (out.ChangeSubscription, error) {
	f.mu.Lock()
	f.attempts++
	fail := f.attempts <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, errNetwork
	}
	return f.ChangeFeed.Subscribe(ctx)
}

func (f *failingFeed) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// countingObserver 记录指标调用
type countingObserver struct {
	out.NopObserver
	mu         sync.Mutex
	heartbeats int
	failures   int
	rollbacks  int
	gaps       int
	discarded  int
	echoes     []time.Duration
	demoted    int
}

func (o *countingObserver) HeartbeatSent()   { o.mu.Lock(); o.heartbeats++; o.mu.Unlock() }
func (o *countingObserver) HeartbeatFailed() { o.mu.Lock(); o.failures++; o.mu.Unlock() }
func (o *countingObserver) Rollback()        { o.mu.Lock(); o.rollbacks++; o.mu.Unlock() }
func (o *countingObserver) FeedGap()         { o.mu.Lock(); o.gaps++; o.mu.Unlock() }
func (o *countingObserver) EventDiscarded()  { o.mu.Lock(); o.discarded++; o.mu.Unlock() }
func (o *countingObserver) PassiveDemoted(n int) {
	o.mu.Lock()
	o.demoted += n
	o.mu.Unlock()
}
func (o *countingObserver) EchoLatency(d time.Duration) {
	o.mu.Lock()
	o.echoes = append(o.echoes, d)
	o.mu.Unlock()
}

func fastRetry() RetryConfig {
	return RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2}
}

func record(userID string, passive entity.PassiveStatus, manual entity.StatusValue) *entity.UserStatusRecord {
	return &entity.UserStatusRecord{
		UserID:                 userID,
		PassiveStatus:          passive,
		ManualStatus:           manual,
		IsManualOverrideActive: manual != "",
	}
}

type fixedIdentity string

func (f fixedIdentity) CurrentUser() (string, bool) { return string(f), f != "" }

func (o *countingObserver) snapshot() countingObserver {
	o.mu.Lock()
	defer o.mu.Unlock()
	return countingObserver{
		heartbeats: o.heartbeats,
		failures:   o.failures,
		rollbacks:  o.rollbacks,
		gaps:       o.gaps,
		discarded:  o.discarded,
		echoes:     append([]time.Duration(nil), o.echoes...),
		demoted:    o.demoted,
	}
}
