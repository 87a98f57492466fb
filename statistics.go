package sessionkit

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Statistics holds the manager's session counters. All methods are safe for
// concurrent use and never block.
type Statistics struct {
	active        atomic.Int64
	highestActive atomic.Int64
	created       atomic.Int64
	expired       atomic.Int64
	evicted       atomic.Int64
	rejected      atomic.Int64
}

// StatisticsSnapshot is a point-in-time copy of Statistics.
type StatisticsSnapshot struct {
	NumberOfActives int64 `json:"numberOfActives"`
	HighestActive   int64 `json:"highestActive"`
	Created         int64 `json:"created"`
	Expired         int64 `json:"expired"`
	Evicted         int64 `json:"evicted"`
	Rejected        int64 `json:"rejected"`
}

// NumberOfActives returns the number of valid sessions held in memory.
func (st *Statistics) NumberOfActives() int64 { return st.active.Load() }

func (st *Statistics) HighestActive() int64 { return st.highestActive.Load() }

func (st *Statistics) Created() int64 { return st.created.Load() }

func (st *Statistics) Expired() int64 { return st.expired.Load() }

func (st *Statistics) Evicted() int64 { return st.evicted.Load() }

func (st *Statistics) Rejected() int64 { return st.rejected.Load() }

func (st *Statistics) Snapshot() StatisticsSnapshot {
	return StatisticsSnapshot{
		NumberOfActives: st.active.Load(),
		HighestActive:   st.highestActive.Load(),
		Created:         st.created.Load(),
		Expired:         st.expired.Load(),
		Evicted:         st.evicted.Load(),
		Rejected:        st.rejected.Load(),
	}
}

func (st *Statistics) sessionCreated() {
	st.created.Add(1)
	st.sessionActivated()
}

// sessionActivated counts a session entering memory, new or loaded.
func (st *Statistics) sessionActivated() {
	n := st.active.Add(1)
	for {
		hi := st.highestActive.Load()
		if n <= hi || st.highestActive.CompareAndSwap(hi, n) {
			return
		}
	}
}

func (st *Statistics) sessionDeactivated() {
	st.active.Add(-1)
}

func (st *Statistics) sessionExpired() { st.expired.Add(1) }

func (st *Statistics) sessionEvicted() { st.evicted.Add(1) }

func (st *Statistics) sessionRejected() { st.rejected.Add(1) }

// StatisticsCollector exports Statistics as Prometheus metrics.
type StatisticsCollector struct {
	stats *Statistics

	active        *prometheus.Desc
	highestActive *prometheus.Desc
	created       *prometheus.Desc
	expired       *prometheus.Desc
	evicted       *prometheus.Desc
	rejected      *prometheus.Desc
}

// NewStatisticsCollector returns a collector reading stats on every scrape.
// constLabels typically carries the worker name.
func NewStatisticsCollector(namespace string, stats *Statistics, constLabels prometheus.Labels) *StatisticsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "sessions", name), help, nil, constLabels)
	}
	return &StatisticsCollector{
		stats:         stats,
		active:        desc("active", "Number of valid sessions held in memory."),
		highestActive: desc("highest_active", "Highest number of sessions held in memory at once."),
		created:       desc("created_total", "Total number of sessions created."),
		expired:       desc("expired_total", "Total number of sessions expired."),
		evicted:       desc("evicted_total", "Total number of sessions evicted from memory."),
		rejected:      desc("rejected_total", "Total number of session creations rejected by the active session limit."),
	}
}

func (c *StatisticsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.highestActive
	ch <- c.created
	ch <- c.expired
	ch <- c.evicted
	ch <- c.rejected
}

func (c *StatisticsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(snap.NumberOfActives))
	ch <- prometheus.MustNewConstMetric(c.highestActive, prometheus.GaugeValue, float64(snap.HighestActive))
	ch <- prometheus.MustNewConstMetric(c.created, prometheus.CounterValue, float64(snap.Created))
	ch <- prometheus.MustNewConstMetric(c.expired, prometheus.CounterValue, float64(snap.Expired))
	ch <- prometheus.MustNewConstMetric(c.evicted, prometheus.CounterValue, float64(snap.Evicted))
	ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(snap.Rejected))
}

var _ prometheus.Collector = (*StatisticsCollector)(nil)
