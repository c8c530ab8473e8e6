package utils

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountersAreConcurrencySafe(t *testing.T) {
	m := NewMetricsCollector()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncrementCounter("zine.generated")
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), m.GetCounterValue("zine.generated"))
	assert.Equal(t, int64(0), m.GetCounterValue("missing"))
}

func TestGaugeAndHistogramSnapshot(t *testing.T) {
	m := NewMetricsCollector()
	m.IncGauge("zine.in_flight")
	m.IncGauge("zine.in_flight")
	m.DecGauge("zine.in_flight")

	m.RecordHistogram("zine.duration_ms", 30)
	m.RecordHistogram("zine.duration_ms", 10)
	m.RecordHistogram("zine.duration_ms", 20)

	assert.Equal(t, int64(1), m.GetGauge("zine.in_flight"))

	snapshot := m.GetMetrics()
	histograms := snapshot["histograms"].(map[string]interface{})
	assert.Equal(t, map[string]int64{"count": 3, "sum": 60, "min": 10, "max": 30, "avg": 20}, histograms["zine.duration_ms"])
}

func TestNilCollectorIsNoop(t *testing.T) {
	var m *MetricsCollector
	assert.NotPanics(t, func() {
		m.IncrementCounter("a")
		m.IncGauge("b")
		m.RecordHistogram("c", 1)
	})
	assert.Equal(t, int64(0), m.GetCounterValue("a"))
	assert.NotNil(t, m.GetMetrics()["counters"])
}
