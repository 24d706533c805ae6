package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeMetrics_NeedsTwoPoints(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	_, ok := computeMetrics(nil, now)
	assert.False(t, ok)
	_, ok = computeMetrics([]float64{10000}, now)
	assert.False(t, ok)
}

func TestComputeMetrics_FlatSeries(t *testing.T) {
	t.Parallel()

	m, ok := computeMetrics([]float64{10000, 10000, 10000}, time.Now().UTC())
	require.True(t, ok)

	assert.Zero(t, m.TotalReturn)
	assert.Zero(t, m.SharpeRatio, "zero variance yields no Sharpe, not an Inf")
	assert.Zero(t, m.MaxDrawdown)
	assert.Equal(t, 10000.0, m.StartValue)
	assert.Equal(t, 10000.0, m.EndValue)
}

func TestComputeMetrics_ReturnAndDrawdown(t *testing.T) {
	t.Parallel()

	// Peak 12000, trough 9000 afterwards: drawdown 25%.
	m, ok := computeMetrics([]float64{10000, 12000, 9000, 11000}, time.Now().UTC())
	require.True(t, ok)

	assert.InDelta(t, 0.10, m.TotalReturn, 1e-9)
	assert.InDelta(t, 0.25, m.MaxDrawdown, 1e-9)
	assert.NotZero(t, m.SharpeRatio)
}

func TestComputeMetrics_ZeroStartValue(t *testing.T) {
	t.Parallel()

	m, ok := computeMetrics([]float64{0, 100}, time.Now().UTC())
	require.True(t, ok)
	assert.Zero(t, m.TotalReturn, "no division by a zero start")
}
