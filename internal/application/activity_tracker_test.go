package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/EthanQC/statussync/internal/adapters/out/memory"
	"github.com/EthanQC/statussync/internal/domain/entity"
)

type trackerFixture struct {
	clk     *testingclock.FakeClock
	store   *flakyStore
	obs     *countingObserver
	tracker *ActivityTracker
}

func newTrackerFixture(t *testing.T, user string) *trackerFixture {
	t.Helper()
	fc := testingclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	store := newFlakyStore(memory.NewHub(fc))
	obs := &countingObserver{}
	cfg := ActivityConfig{
		DebounceWindow:      5 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		InactivityThreshold: 300 * time.Second,
		PointerThrottle:     time.Second,
		AssertTimeout:       time.Second,
	}
	return &trackerFixture{
		clk:     fc,
		store:   store,
		obs:     obs,
		tracker: NewActivityTracker(cfg, fc, store, fixedIdentity(user), obs, zap.NewNop()),
	}
}

func (f *trackerFixture) asserts() int {
	_, _, n, _ := f.store.counts()
	return n
}

// drain 模拟 Run 循环处理一次排队的请求
func (f *trackerFixture) drain(ctx context.Context) {
	select {
	case <-f.tracker.requests:
		f.tracker.flush(ctx)
	default:
	}
}

func TestActivityTracker_DebouncesBursts(t *testing.T) {
	t.Parallel()

	f := newTrackerFixture(t, "me")
	ctx := context.Background()

	f.tracker.Observe(entity.InteractionEvent{Kind: entity.InteractionKeyPress})
	f.drain(ctx)
	assert.Equal(t, 1, f.asserts())

	for i := 0; i < 10; i++ {
		f.clk.Step(400 * time.Millisecond)
		f.tracker.Observe(entity.InteractionEvent{Kind: entity.InteractionKeyPress})
		f.drain(ctx)
	}
	assert.Equal(t, 1, f.asserts())

	f.clk.Step(2 * time.Second)
	f.tracker.Observe(entity.InteractionEvent{Kind: entity.InteractionScroll})
	f.drain(ctx)
	assert.Equal(t, 2, f.asserts())
}

func TestActivityTracker_VisibilityForcesAssertion(t *testing.T) {
	t.Parallel()

	f := newTrackerFixture(t, "me")
	ctx := context.Background()

	f.tracker.Observe(entity.InteractionEvent{Kind: entity.InteractionKeyPress})
	f.drain(ctx)
	f.clk.Step(time.Second)
	f.tracker.Observe(entity.InteractionEvent{Kind: entity.InteractionVisible})
	f.drain(ctx)

	assert.Equal(t, 2, f.asserts())
}

func TestActivityTracker_IgnoresNonQualifyingEvents(t *testing.T) {
	t.Parallel()

	f := newTrackerFixture(t, "me")
	f.tracker.Observe(entity.InteractionEvent{Kind: entity.InteractionBlur})
	f.tracker.Observe(entity.InteractionEvent{Kind: entity.InteractionHidden})
	f.drain(context.Background())

	assert.Zero(t, f.asserts())
	assert.False(t, f.tracker.IsActive())
}

func TestActivityTracker_PointerThrottle(t *testing.T) {
	t.Parallel()

	f := newTrackerFixture(t, "me")
	f.tracker.Observe(entity.InteractionEvent{Kind: entity.InteractionPointerMove})
	first := f.tracker.lastLocalActivity

	f.clk.Step(200 * time.Millisecond)
	f.tracker.Observe(entity.InteractionEvent{Kind: entity.InteractionPointerMove})
	assert.Equal(t, first, f.tracker.lastLocalActivity)

	f.clk.Step(time.Second)
	f.tracker.Observe(entity.InteractionEvent{Kind: entity.InteractionPointerMove})
	assert.True(t, f.tracker.lastLocalActivity.After(first))
}

func TestActivityTracker_StopsAfterInactivity(t *testing.T) {
	t.Parallel()

	f := newTrackerFixture(t, "me")
	ctx := context.Background()

	f.tracker.Observe(entity.InteractionEvent{Kind: entity.InteractionKeyPress})
	f.drain(ctx)
	require.Equal(t, 1, f.asserts())

	f.clk.Step(301 * time.Second)
	f.tracker.handleTick(ctx)

	assert.Equal(t, 1, f.asserts())
	assert.False(t, f.tracker.IsActive())
}

func TestActivityTracker_PeriodicHeartbeatWhileActive(t *testing.T) {
	t.Parallel()

	f := newTrackerFixture(t, "me")
	ctx := context.Background()

	f.tracker.Observe(entity.InteractionEvent{Kind: entity.InteractionKeyPress})
	f.drain(ctx)

	for i := 0; i < 3; i++ {
		f.clk.Step(30 * time.Second)
		f.tracker.handleTick(ctx)
	}
	assert.Equal(t, 4, f.asserts())
	assert.Equal(t, f.clk.Now(), f.tracker.LastAssertAt())
}

func TestActivityTracker_NoIdentityNoWrites(t *testing.T) {
	t.Parallel()

	f := newTrackerFixture(t, "")
	ctx := context.Background()

	f.tracker.Touch()
	f.drain(ctx)
	f.clk.Step(30 * time.Second)
	f.tracker.handleTick(ctx)

	assert.Zero(t, f.asserts())
}

func TestActivityTracker_FailureRetriedNextCycle(t *testing.T) {
	t.Parallel()

	f := newTrackerFixture(t, "me")
	f.store.assertErrs = []error{errNetwork}
	ctx := context.Background()

	f.tracker.Touch()
	f.drain(ctx)
	assert.True(t, f.tracker.LastAssertAt().IsZero())

	f.clk.Step(30 * time.Second)
	f.tracker.handleTick(ctx)

	assert.Equal(t, 2, f.asserts())
	got := f.obs.snapshot()
	assert.Equal(t, 1, got.failures)
	assert.Equal(t, 1, got.heartbeats)

	rec, err := f.store.GetStatusRecord(ctx, "me")
	require.NoError(t, err)
	assert.Equal(t, entity.PassiveOnline, rec.PassiveStatus)
}

func TestActivityTracker_Run(t *testing.T) {
	t.Parallel()

	f := newTrackerFixture(t, "me")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.tracker.Run(ctx) }()

	require.Eventually(t, f.clk.HasWaiters, 5*time.Second, time.Millisecond)
	f.tracker.Touch()
	require.Eventually(t, func() bool { return f.asserts() == 1 }, 5*time.Second, time.Millisecond)

	f.clk.Step(30 * time.Second)
	require.Eventually(t, func() bool { return f.asserts() == 2 }, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
