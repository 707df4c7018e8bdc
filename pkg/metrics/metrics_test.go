package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yawm/pkg/model"
	"yawm/pkg/store"
)

// sample gathers m and returns the value of name, restricted to the series
// whose result label equals result when result is not empty.
func sample(t *testing.T, m *Metrics, name, result string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, s := range f.GetMetric() {
			if result != "" {
				match := false
				for _, l := range s.GetLabel() {
					if l.GetName() == "result" && l.GetValue() == result {
						match = true
					}
				}
				if !match {
					continue
				}
			}
			if c := s.GetCounter(); c != nil {
				return c.GetValue()
			}
			return s.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s{result=%q} not found", name, result)
	return 0
}

func TestMetrics(t *testing.T) {
	stats := model.Stats{Meshes: 3, Nodes: 7, MaxMeshes: 100}
	m := New(func() model.Stats { return stats })

	m.ObserveRegister(ResultOK)
	m.ObserveRegister(ResultOK)
	m.ObserveRegister(ResultCapacity)
	m.ObserveFetch(ResultNotFound)
	m.ObserveEviction(store.EvictEvent{MeshID: "a", Nodes: 2, MeshRemoved: true})
	m.ObserveEviction(store.EvictEvent{MeshID: "b", Nodes: 1})

	assert.Equal(t, 2.0, sample(t, m, "yawm_registrations_total", ResultOK))
	assert.Equal(t, 1.0, sample(t, m, "yawm_registrations_total", ResultCapacity))
	assert.Equal(t, 1.0, sample(t, m, "yawm_config_fetches_total", ResultNotFound))
	assert.Equal(t, 3.0, sample(t, m, "yawm_nodes_evicted_total", ""))
	assert.Equal(t, 1.0, sample(t, m, "yawm_meshes_evicted_total", ""))

	assert.Equal(t, 3.0, sample(t, m, "yawm_meshes_live", ""))
	assert.Equal(t, 7.0, sample(t, m, "yawm_nodes_live", ""))
	stats.Meshes = 4
	assert.Equal(t, 4.0, sample(t, m, "yawm_meshes_live", ""))
	assert.Equal(t, 100.0, sample(t, m, "yawm_meshes_max", ""))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRegister(ResultOK)
		m.ObserveFetch(ResultOK)
		m.ObserveEviction(store.EvictEvent{Nodes: 1})
	})
	assert.NotNil(t, m.Handler())
	assert.Nil(t, m.Registry())
}
