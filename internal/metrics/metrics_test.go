package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.jobsStarted, "jobsStarted counter should be initialized")
	assert.NotNil(t, collector.jobsStopped, "jobsStopped counter should be initialized")
	assert.NotNil(t, collector.jobsRespawned, "jobsRespawned counter should be initialized")
	assert.NotNil(t, collector.jobsFailed, "jobsFailed counter should be initialized")
	assert.NotNil(t, collector.respawnLimited, "respawnLimited counter should be initialized")
	assert.NotNil(t, collector.spawnLatency, "spawnLatency histogram should be initialized")
	assert.NotNil(t, collector.killLatency, "killLatency histogram should be initialized")
	assert.NotNil(t, collector.jobsRunning, "jobsRunning gauge should be initialized")
	assert.NotNil(t, collector.jobsAtRest, "jobsAtRest gauge should be initialized")
	assert.NotNil(t, collector.jobsTotal, "jobsTotal gauge should be initialized")
	assert.NotNil(t, collector.stalledTotal, "stalledTotal counter should be initialized")
}

func TestRecordStarted(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordStarted()
	}, "RecordStarted should not panic")

	for i := 0; i < 5; i++ {
		collector.RecordStarted()
	}
}

func TestRecordStopped(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordStopped()
	}, "RecordStopped should not panic")

	for i := 0; i < 10; i++ {
		collector.RecordStopped()
	}
}

func TestObserveSpawnLatency(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	latencies := []float64{0.001, 0.01, 0.1, 1.0, 5.0}

	for _, latency := range latencies {
		assert.NotPanics(t, func() {
			collector.ObserveSpawnLatency(latency)
		}, "ObserveSpawnLatency should not panic with latency %f", latency)
	}
}

func TestRecordFailed(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordFailed()
	}, "RecordFailed should not panic")

	for i := 0; i < 3; i++ {
		collector.RecordFailed()
	}
}

func TestRecordRespawnLimited(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordRespawnLimited()
	}, "RecordRespawnLimited should not panic")

	for i := 0; i < 2; i++ {
		collector.RecordRespawnLimited()
	}
}

func TestObserveKillLatency(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	recoveryTimes := []float64{0.001, 0.5, 1.5, 3.0}

	for _, rt := range recoveryTimes {
		assert.NotPanics(t, func() {
			collector.ObserveKillLatency(rt)
		}, "ObserveKillLatency should not panic with time %f", rt)
	}
}

func TestUpdateJobStats(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	testCases := []struct {
		name    string
		running int
		atRest  int
		total   int
	}{
		{"zero values", 0, 0, 0},
		{"normal values", 2, 10, 12},
		{"all running", 8, 0, 8},
		{"all at rest", 0, 50, 50},
		{"equal values", 20, 20, 40},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				collector.UpdateJobStats(tc.running, tc.atRest, tc.total)
			}, "UpdateJobStats should not panic")
		})
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	// Test concurrent updates (Prometheus metrics should be thread-safe)
	done := make(chan bool, 100)

	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordStarted()
			collector.RecordRespawned()
			collector.ObserveSpawnLatency(0.1)
			collector.UpdateJobStats(10, 5, 15)
			done <- true
		}()
	}

	for i := 0; i < 100; i++ {
		<-done
	}
}

func TestCollectorIsolation(t *testing.T) {
	// Test multiple collector instances work independently
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector1 := NewCollector()
	require.NotNil(t, collector1)

	// Second collector will panic due to duplicate registration
	// This is expected: a process should have only one collector
	assert.Panics(t, func() {
		NewCollector()
	}, "Creating a second collector should panic due to duplicate registration")
}

func TestMetricOperationSequence(t *testing.T) {
	// Test a typical job lifecycle
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		// 1. Job starts
		collector.RecordStarted()
		collector.UpdateJobStats(0, 0, 1)

		// 2. Job running
		collector.UpdateJobStats(1, 0, 1)

		// 3. Job stops
		collector.RecordStopped()
		collector.UpdateJobStats(0, 1, 1)
	}, "Complete job lifecycle should not panic")
}

func TestMetricOperationWithFailure(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordStarted()
		collector.RecordFailed()
		collector.RecordRespawned()
		collector.RecordRespawnLimited()
		collector.RecordStopped()
	}, "Job failure/respawn scenario should not panic")
}

func TestZeroAndNegativeValues(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	// Test boundary values
	assert.NotPanics(t, func() {
		collector.ObserveSpawnLatency(0.0) // zero latency
		collector.ObserveKillLatency(0.0)  // zero latency
		collector.UpdateJobStats(0, 0, 0)  // empty table
		collector.UpdateJobStats(-1, -1, -1) // negative values (shouldn't happen)
	}, "Edge case values should not panic")
}
