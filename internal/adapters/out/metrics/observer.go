package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/EthanQC/statussync/internal/ports/out"
)

// PrometheusObserver 把引擎事件记录为 Prometheus 指标
type PrometheusObserver struct {
	heartbeats     *prometheus.CounterVec
	echoLatency    prometheus.Histogram
	rollbacks      prometheus.Counter
	snapshotLoads  prometheus.Counter
	snapshotSize   prometheus.Gauge
	feedGaps       prometheus.Counter
	discarded      prometheus.Counter
	presenceSize   prometheus.Gauge
	passiveDemoted prometheus.Counter
}

var _ out.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver 创建并注册指标
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	o := &PrometheusObserver{
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statussync_heartbeats_total",
			Help: "Activity assertions by result.",
		}, []string{"result"}),
		echoLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "statussync_echo_latency_seconds",
			Help:    "Time from optimistic write to authoritative echo.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statussync_rollbacks_total",
			Help: "Optimistic writes rolled back after a failed authoritative write.",
		}),
		snapshotLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statussync_snapshot_loads_total",
			Help: "Full snapshot loads.",
		}),
		snapshotSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statussync_snapshot_records",
			Help: "Records in the last loaded snapshot.",
		}),
		feedGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statussync_feed_gaps_total",
			Help: "Change feed gaps that forced a resync.",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statussync_events_discarded_total",
			Help: "Change events discarded because they predate a reconnect.",
		}),
		presenceSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statussync_presence_members",
			Help: "Users currently holding a presence connection.",
		}),
		passiveDemoted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statussync_passive_demoted_total",
			Help: "Users demoted to passive offline by the sweeper.",
		}),
	}
	reg.MustRegister(
		o.heartbeats, o.echoLatency, o.rollbacks, o.snapshotLoads, o.snapshotSize,
		o.feedGaps, o.discarded, o.presenceSize, o.passiveDemoted,
	)
	return o
}

func (o *PrometheusObserver) HeartbeatSent()   { o.heartbeats.WithLabelValues("ok").Inc() }
func (o *PrometheusObserver) HeartbeatFailed() { o.heartbeats.WithLabelValues("error").Inc() }

func (o *PrometheusObserver) EchoLatency(d time.Duration) {
	o.echoLatency.Observe(d.Seconds())
}

func (o *PrometheusObserver) Rollback() { o.rollbacks.Inc() }

func (o *PrometheusObserver) SnapshotLoaded(records int) {
	o.snapshotLoads.Inc()
	o.snapshotSize.Set(float64(records))
}

func (o *PrometheusObserver) FeedGap()             { o.feedGaps.Inc() }
func (o *PrometheusObserver) EventDiscarded()      { o.discarded.Inc() }
func (o *PrometheusObserver) PresenceSize(n int)   { o.presenceSize.Set(float64(n)) }
func (o *PrometheusObserver) PassiveDemoted(n int) { o.passiveDemoted.Add(float64(n)) }
