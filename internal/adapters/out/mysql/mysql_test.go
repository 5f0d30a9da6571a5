package mysql

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/EthanQC/statussync/internal/adapters/out/outbox"
	"github.com/EthanQC/statussync/internal/domain/entity"
	"github.com/EthanQC/statussync/internal/domain/service"
	"github.com/EthanQC/statussync/internal/ports/out"
	apperr "github.com/EthanQC/statussync/pkg/errors"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// :memory: 每个连接一个库
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))
	return db
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []entity.ChangeEvent
}

func (p *recordingPublisher) PublishChange(_ context.Context, ev entity.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func TestStatusRepositoryMySQL_WritesGoThroughOutbox(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	fc := testingclock.NewFakeClock(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	repo := NewStatusRepositoryMySQL(db, fc, zap.NewNop())
	outboxRepo := NewOutboxRepositoryMySQL(db)
	pub := &recordingPublisher{}
	relay := outbox.NewRelay(outbox.DefaultRelayConfig(), outboxRepo, pub, fc, zap.NewNop())

	rec, err := repo.EnsureStatusRecord(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entity.PassiveOffline, rec.PassiveStatus)
	_, err = repo.EnsureStatusRecord(ctx, "u1")
	require.NoError(t, err)

	fc.Step(time.Minute)
	require.NoError(t, repo.AssertActivity(ctx, "u1"))
	require.NoError(t, repo.AssertActivity(ctx, "u1"))
	require.NoError(t, repo.UpdateStatusRecord(ctx, "u1", entity.ManualPatch(entity.StatusBusy)))
	require.NoError(t, repo.UpdateStatusRecord(ctx, "u1", entity.ManualPatch(entity.StatusBusy)))

	n, err := relay.ProcessBatch(ctx)
	require.NoError(t, err)
	// insert、一次被动状态变化、两次手动写入
	assert.Equal(t, 4, n)
	require.Len(t, pub.events, 4)
	assert.Equal(t, entity.ChangeInsert, pub.events[0].Type)
	assert.Equal(t, entity.StatusOnline, service.Reconcile(pub.events[1].Record))
	assert.Equal(t, entity.StatusBusy, service.Reconcile(pub.events[3].Record))

	// 已发布的不再重复
	n, err = relay.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := repo.GetStatusRecord(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, fc.Now().Equal(got.LastActivityAt))
	assert.True(t, got.IsManualOverrideActive)
}

func TestStatusRepositoryMySQL_NotFoundAndDelete(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewStatusRepositoryMySQL(db, nil, zap.NewNop())

	_, err := repo.GetStatusRecord(ctx, "ghost")
	assert.ErrorIs(t, err, apperr.ErrRecordNotFound)
	assert.ErrorIs(t, repo.UpdateStatusRecord(ctx, "ghost", entity.ManualPatch(entity.StatusBusy)), apperr.ErrRecordNotFound)
	assert.ErrorIs(t, repo.DeleteStatusRecord(ctx, "ghost"), apperr.ErrRecordNotFound)

	require.NoError(t, repo.AssertActivity(ctx, "fresh"))
	all, err := repo.GetAllStatusRecords(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, entity.PassiveOnline, all[0].PassiveStatus)

	require.NoError(t, repo.DeleteStatusRecord(ctx, "fresh"))
	all, err = repo.GetAllStatusRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	pending, err := NewOutboxRepositoryMySQL(db).GetPendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, string(entity.ChangeInsert), pending[0].EventType)
	assert.Equal(t, string(entity.ChangeDelete), pending[1].EventType)
	assert.Equal(t, out.OutboxStatusPending, pending[1].Status)
}

func TestOutboxRepositoryMySQL_Lifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewStatusRepositoryMySQL(db, nil, zap.NewNop())
	ob := NewOutboxRepositoryMySQL(db)

	_, err := repo.EnsureStatusRecord(ctx, "a")
	require.NoError(t, err)
	_, err = repo.EnsureStatusRecord(ctx, "b")
	require.NoError(t, err)

	pending, err := ob.GetPendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, ob.IncrRetryCount(ctx, pending[0].ID))
	require.NoError(t, ob.MarkAsFailed(ctx, pending[0].ID, "broker down"))
	require.NoError(t, ob.MarkAsPublished(ctx, pending[1].ID))

	pending, err = ob.GetPendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	deleted, err := ob.DeletePublished(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
