package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"connpool/pkg/pool"
)

func TestRegistryRecordsCounters(t *testing.T) {
	r := NewRegistry()
	origin := pool.Origin{Scheme: "https", Host: "example.com", Port: 443}

	r.ConnectionCreated(origin)
	r.ConnectionCreated(origin)
	r.ConnectionReused(origin)
	r.ConnectionEvicted(origin, "expired")
	r.PoolTimeout(origin)
	r.SetPooled(origin, 3)

	assert.Equal(t, float64(2), testutil.ToFloat64(r.connectionsCreated.WithLabelValues(origin.String())))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.connectionsReused.WithLabelValues(origin.String())))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.connectionsEvicted.WithLabelValues(origin.String(), "expired")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.poolTimeouts.WithLabelValues(origin.String())))
	assert.Equal(t, float64(3), testutil.ToFloat64(r.pooledConnections.WithLabelValues(origin.String())))
}

func TestRegistererExposesUnderlyingRegistry(t *testing.T) {
	r := NewRegistry()
	families, err := r.Registerer().Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}
