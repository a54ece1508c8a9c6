package system

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRegisters(t *testing.T) {
	c, err := NewCollector("flock")
	require.NoError(t, err)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.LessOrEqual(t, n, 4)
}

func TestSampleRanges(t *testing.T) {
	c, err := NewCollector("flock")
	require.NoError(t, err)

	s, ok := c.sample()
	if ok.hostMem {
		assert.GreaterOrEqual(t, s.HostMemoryPercent, 0.0)
		assert.LessOrEqual(t, s.HostMemoryPercent, 100.0)
	}
	if ok.processMem {
		assert.Greater(t, s.ProcessMemoryPercent, 0.0)
	}
}
