package service

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/EthanQC/statussync/internal/domain/entity"
)

var (
	manualValues  = []entity.StatusValue{"", entity.StatusOnline, entity.StatusBusy, entity.StatusDoNotDisturb, entity.StatusOffline}
	passiveValues = []entity.PassiveStatus{"", entity.PassiveOnline, entity.PassiveOffline}
)

func randomRecord(r *rand.Rand) *entity.UserStatusRecord {
	return &entity.UserStatusRecord{
		UserID:                 "u",
		PassiveStatus:          passiveValues[r.Intn(len(passiveValues))],
		ManualStatus:           manualValues[r.Intn(len(manualValues))],
		IsManualOverrideActive: r.Intn(2) == 1,
		LastActivityAt:         time.Unix(r.Int63n(1<<31), 0),
	}
}

func TestReconcile_Property(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 5000; i++ {
		rec := randomRecord(r)
		got := Reconcile(rec)

		switch {
		case rec.IsManualOverrideActive && rec.ManualStatus != "":
			assert.Equal(t, rec.ManualStatus, got, "record %+v", rec)
		case rec.PassiveStatus == entity.PassiveOnline:
			assert.Equal(t, entity.StatusOnline, got, "record %+v", rec)
		default:
			assert.Equal(t, entity.StatusOffline, got, "record %+v", rec)
		}
	}
}

func TestReconcile_EdgeCases(t *testing.T) {
	tests := []struct {
		name string
		rec  *entity.UserStatusRecord
		want entity.StatusValue
	}{
		{"nil record", nil, entity.StatusOffline},
		{"empty record", &entity.UserStatusRecord{}, entity.StatusOffline},
		{"fresh heartbeat", &entity.UserStatusRecord{PassiveStatus: entity.PassiveOnline}, entity.StatusOnline},
		{"manual ignored without override", &entity.UserStatusRecord{PassiveStatus: entity.PassiveOnline, ManualStatus: entity.StatusBusy}, entity.StatusOnline},
		{"manual offline wins over passive online", &entity.UserStatusRecord{PassiveStatus: entity.PassiveOnline, ManualStatus: entity.StatusOffline, IsManualOverrideActive: true}, entity.StatusOffline},
		{"manual online wins over passive offline", &entity.UserStatusRecord{PassiveStatus: entity.PassiveOffline, ManualStatus: entity.StatusOnline, IsManualOverrideActive: true}, entity.StatusOnline},
		{"override with empty manual falls back", &entity.UserStatusRecord{PassiveStatus: entity.PassiveOnline, IsManualOverrideActive: true}, entity.StatusOnline},
		{"override with garbage manual falls back", &entity.UserStatusRecord{PassiveStatus: entity.PassiveOffline, ManualStatus: "away", IsManualOverrideActive: true}, entity.StatusOffline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Reconcile(tt.rec))
		})
	}
}

func TestConfirmedEntry(t *testing.T) {
	rec := &entity.UserStatusRecord{UserID: "alice", ManualStatus: entity.StatusDoNotDisturb, IsManualOverrideActive: true}
	e := ConfirmedEntry(rec)
	assert.Equal(t, "alice", e.UserID)
	assert.Equal(t, entity.StatusDoNotDisturb, e.Status)
	assert.True(t, e.Confirmed)
	assert.True(t, e.OptimisticAt.IsZero())
}
