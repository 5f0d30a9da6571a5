package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/EthanQC/statussync/internal/adapters/out/memory"
	"github.com/EthanQC/statussync/internal/domain/entity"
	apperr "github.com/EthanQC/statussync/pkg/errors"
)

func TestEngine_EndToEnd(t *testing.T) {
	t.Parallel()

	hub := memory.NewHub(nil)
	hub.SetRecordSilently(record("peer", entity.PassiveOffline, entity.StatusBusy))

	cfg := DefaultEngineConfig()
	cfg.Retry = fastRetry()
	e := NewEngine(Deps{Store: hub, Feed: hub, Presence: hub}, cfg, WithLogger(zap.NewNop()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	select {
	case <-e.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("engine never became ready")
	}
	assert.Equal(t, entity.StatusBusy, e.GetEffectiveStatus("peer"))
	assert.Equal(t, entity.StatusOffline, e.GetEffectiveStatus("stranger"))
	assert.False(t, e.Describe("stranger").Known)

	require.ErrorIs(t, e.SetMyStatus(ctx, entity.StatusBusy), apperr.ErrUnauthenticated)
	require.NoError(t, e.SignIn(ctx, "me"))

	// 登录后的第一次心跳把被动状态置为 online
	require.Eventually(t, func() bool {
		return e.GetEffectiveStatus("me") == entity.StatusOnline
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return e.IsUserConnected("me") }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"me"}, e.OnlineMembers())
	assert.True(t, e.LocallyActive())

	require.NoError(t, e.SetMyStatus(ctx, entity.StatusDoNotDisturb))
	assert.Equal(t, entity.StatusDoNotDisturb, e.GetEffectiveStatus("me"))
	require.Eventually(t, func() bool { return e.Describe("me").Confirmed }, 5*time.Second, 5*time.Millisecond)

	view := e.Describe("me")
	assert.Equal(t, entity.StatusDoNotDisturb, view.Status)
	assert.True(t, view.Connected)

	// 其他设备的写入经变更流到达
	changes := make(chan entity.StatusChange, 8)
	stop := e.OnChange(func(ch entity.StatusChange) { changes <- ch })
	hub.PutRecord(record("peer", entity.PassiveOnline, ""))
	select {
	case ch := <-changes:
		assert.Equal(t, "peer", ch.UserID)
		assert.Equal(t, entity.StatusOnline, ch.New.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("change not delivered")
	}
	stop()

	e.SignOut()
	_, ok := e.CurrentUser()
	assert.False(t, ok)
	require.Eventually(t, func() bool { return !e.IsUserConnected("me") }, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestEngine_SignInRejectsEmptyUser(t *testing.T) {
	t.Parallel()

	hub := memory.NewHub(nil)
	e := NewEngine(Deps{Store: hub, Feed: hub}, DefaultEngineConfig(), WithLogger(zap.NewNop()))

	require.Error(t, e.SignIn(context.Background(), ""))
	assert.False(t, e.IsUserConnected("me"))
	assert.Nil(t, e.OnlineMembers())
}
