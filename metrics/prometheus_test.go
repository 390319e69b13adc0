package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestPrometheusSink_IncCounterAccumulates(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink("counters", reg)

	sink.IncCounter("pool_worker_crashes_total", map[string]string{"workerId": "w1"})
	sink.IncCounter("pool_worker_crashes_total", map[string]string{"workerId": "w1"})

	families, err := reg.Gather()
	require.NoError(t, err)

	var found *dto.MetricFamily
	for _, fam := range families {
		if fam.GetName() == "counters_pool_worker_crashes_total" {
			found = fam
		}
	}
	require.NotNil(t, found)
	require.Len(t, found.Metric, 1)
	require.Equal(t, float64(2), found.Metric[0].GetCounter().GetValue())
}

func TestPrometheusSink_ObserveLatencyRegistersHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink("counters", reg)

	sink.ObserveLatency("dispatch_batch_duration_seconds", nil, 25*time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
