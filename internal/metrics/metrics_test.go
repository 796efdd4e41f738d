package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestRegistryCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.PacketsSent.Add(3)
	m.SchedulerEnqueued.WithLabelValues("streaming").Inc()

	var out dto.Metric
	require.NoError(t, m.PacketsSent.Write(&out))
	require.Equal(t, float64(3), out.GetCounter().GetValue())
}

func TestRegistryRegistersEveryCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRegistry(reg)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)
}
