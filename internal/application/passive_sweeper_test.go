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
	"github.com/EthanQC/statussync/internal/domain/service"
)

func TestPassiveSweeper_SweepOnce(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	fc := testingclock.NewFakeClock(now)
	hub := memory.NewHub(fc)

	stale := record("stale", entity.PassiveOnline, "")
	stale.LastActivityAt = now.Add(-10 * time.Minute)
	fresh := record("fresh", entity.PassiveOnline, "")
	fresh.LastActivityAt = now.Add(-time.Minute)
	offline := record("offline", entity.PassiveOffline, "")
	busy := record("busy", entity.PassiveOnline, entity.StatusBusy)
	busy.LastActivityAt = now.Add(-time.Hour)
	for _, rec := range []*entity.UserStatusRecord{stale, fresh, offline, busy} {
		hub.SetRecordSilently(rec)
	}

	obs := &countingObserver{}
	s := NewPassiveSweeper(DefaultSweeperConfig(), hub, fc, obs, zap.NewNop())
	ctx := context.Background()

	n, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, obs.snapshot().demoted)

	want := map[string]entity.StatusValue{
		"stale":   entity.StatusOffline,
		"fresh":   entity.StatusOnline,
		"offline": entity.StatusOffline,
		"busy":    entity.StatusBusy, // 手动覆盖不受影响
	}
	for id, status := range want {
		rec, err := hub.GetStatusRecord(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, status, service.Reconcile(rec), id)
	}

	n, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPassiveSweeper_Run(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	fc := testingclock.NewFakeClock(now)
	hub := memory.NewHub(fc)
	rec := record("u", entity.PassiveOnline, "")
	rec.LastActivityAt = now
	hub.SetRecordSilently(rec)

	s := NewPassiveSweeper(DefaultSweeperConfig(), hub, fc, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, fc.HasWaiters, 5*time.Second, time.Millisecond)
	fc.Step(6 * time.Minute)

	require.Eventually(t, func() bool {
		got, err := hub.GetStatusRecord(ctx, "u")
		return err == nil && got.PassiveStatus == entity.PassiveOffline
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
