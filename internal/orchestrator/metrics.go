package orchestrator

import (
	"math"
	"time"
)

// Metrics summarizes a value series accumulated during this session.
type Metrics struct {
	Timestamp   time.Time `json:"timestamp"`
	StartValue  float64   `json:"start_value"`
	EndValue    float64   `json:"end_value"`
	TotalReturn float64   `json:"total_return"`
	SharpeRatio float64   `json:"sharpe_ratio"`
	MaxDrawdown float64   `json:"max_drawdown"`
}

const (
	_minutesPerYear = 390 * 252 // trading minutes
	_riskFreeRate   = 0.05
)

// computeMetrics derives return/Sharpe/drawdown from a minute-value series.
// Needs at least two points; returns false otherwise.
func computeMetrics(values []float64, ts time.Time) (Metrics, bool) {
	if len(values) < 2 {
		return Metrics{}, false
	}

	start, end := values[0], values[len(values)-1]
	m := Metrics{
		Timestamp:  ts,
		StartValue: start,
		EndValue:   end,
	}
	if start > 0 {
		m.TotalReturn = (end - start) / start
	}

	var rets []float64
	for i := 1; i < len(values); i++ {
		if prev := values[i-1]; prev > 0 {
			rets = append(rets, (values[i]-prev)/prev)
		}
	}
	if len(rets) > 0 {
		mean := 0.0
		for _, r := range rets {
			mean += r
		}
		mean /= float64(len(rets))

		variance := 0.0
		for _, r := range rets {
			variance += (r - mean) * (r - mean)
		}
		variance /= math.Max(1, float64(len(rets)-1))
		std := math.Sqrt(variance)

		if std > 0 {
			m.SharpeRatio = (mean*_minutesPerYear - _riskFreeRate) / (std * math.Sqrt(_minutesPerYear))
		}
	}

	peak := values[0]
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > m.MaxDrawdown {
				m.MaxDrawdown = dd
			}
		}
	}

	return m, true
}
