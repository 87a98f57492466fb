package sessionkit

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatistics_Counters(t *testing.T) {
	var st Statistics

	st.sessionCreated()
	st.sessionCreated()
	st.sessionActivated()
	st.sessionDeactivated()
	st.sessionExpired()
	st.sessionEvicted()
	st.sessionRejected()

	assert.Equal(t, StatisticsSnapshot{
		NumberOfActives: 2,
		HighestActive:   3,
		Created:         2,
		Expired:         1,
		Evicted:         1,
		Rejected:        1,
	}, st.Snapshot())
}

func TestStatistics_HighestActiveUnderConcurrency(t *testing.T) {
	var st Statistics
	const n = 64

	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st.sessionActivated()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, n, st.HighestActive())

	for range n {
		st.sessionDeactivated()
	}
	assert.EqualValues(t, 0, st.NumberOfActives())
	assert.EqualValues(t, n, st.HighestActive(), "the high-water mark never decreases")
}

func TestStatisticsSnapshot_JSON(t *testing.T) {
	var st Statistics
	st.sessionCreated()

	b, err := json.Marshal(st.Snapshot())
	require.NoError(t, err)
	assert.JSONEq(t, `{"numberOfActives":1,"highestActive":1,"created":1,"expired":0,"evicted":0,"rejected":0}`, string(b))
}

func TestStatisticsCollector(t *testing.T) {
	var st Statistics
	st.sessionCreated()
	st.sessionCreated()
	st.sessionExpired()
	st.sessionDeactivated()

	c := NewStatisticsCollector("app", &st, prometheus.Labels{"worker": "w1"})

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))
	assert.Equal(t, 6, testutil.CollectAndCount(c))

	expected := `
# HELP app_sessions_active Number of valid sessions held in memory.
# TYPE app_sessions_active gauge
app_sessions_active{worker="w1"} 1
# HELP app_sessions_created_total Total number of sessions created.
# TYPE app_sessions_created_total counter
app_sessions_created_total{worker="w1"} 2
# HELP app_sessions_expired_total Total number of sessions expired.
# TYPE app_sessions_expired_total counter
app_sessions_expired_total{worker="w1"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"app_sessions_active", "app_sessions_created_total", "app_sessions_expired_total"))
}

func TestStatisticsCollector_ReadsLiveManager(t *testing.T) {
	m := newTestManager(t, newMemStore(), func(cfg *Config) { cfg.MaxActiveSessions = 1 })
	c := NewStatisticsCollector("", m.Statistics(), nil)

	agent := NewAgent(m, "")
	require.NoError(t, agent.SetAttribute(t.Context(), "k", "v"))
	defer agent.Complete(t.Context())

	_, err := m.GetSession(t.Context(), "", true)
	require.ErrorIs(t, err, ErrMaxSessionsExceeded)

	expected := `
# HELP sessions_active Number of valid sessions held in memory.
# TYPE sessions_active gauge
sessions_active 1
# HELP sessions_rejected_total Total number of session creations rejected by the active session limit.
# TYPE sessions_rejected_total counter
sessions_rejected_total 1
`
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"sessions_active", "sessions_rejected_total"))
}
