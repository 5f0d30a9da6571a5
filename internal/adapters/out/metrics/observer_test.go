package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewPrometheusObserver(reg)

	o.HeartbeatSent()
	o.HeartbeatSent()
	o.HeartbeatFailed()
	o.Rollback()
	o.SnapshotLoaded(42)
	o.FeedGap()
	o.EventDiscarded()
	o.PresenceSize(3)
	o.PassiveDemoted(5)
	o.EchoLatency(20 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(o.heartbeats.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.heartbeats.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.rollbacks))
	assert.Equal(t, 42.0, testutil.ToFloat64(o.snapshotSize))
	assert.Equal(t, 3.0, testutil.ToFloat64(o.presenceSize))
	assert.Equal(t, 5.0, testutil.ToFloat64(o.passiveDemoted))
	assert.Equal(t, 1, testutil.CollectAndCount(o.echoLatency))

	// 重复注册同名指标会 panic
	assert.Panics(t, func() { NewPrometheusObserver(reg) })
}
