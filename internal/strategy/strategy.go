package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/qtc-alpha/arena/internal/model"
	"github.com/shopspring/decimal"
)

// ErrTimeout marks a signal call that exceeded its execution bound.
var ErrTimeout = errors.New("strategy execution timed out")

// SignalError wraps everything a tenant can get wrong at runtime: raising
// inside generate_signal or returning a malformed signal. It never becomes a
// trade and never crosses the tenant boundary.
type SignalError struct {
	Phase   string // "signal_generation" or "signal_validation"
	Message string
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Phase, e.Message)
}

// PositionContext is the tenant-visible view of one of its own positions.
type PositionContext struct {
	Quantity float64 `json:"quantity"`
	Side     string  `json:"side"`
	AvgCost  float64 `json:"avg_cost"`
}

// TeamContext is the tenant-visible slice of its own state for one call.
type TeamContext struct {
	ID        string                     `json:"id"`
	Name      string                     `json:"name"`
	Cash      float64                    `json:"cash"`
	Positions map[string]PositionContext `json:"positions"`
	Params    map[string]any             `json:"params"`
}

// Series holds one symbol's bars as parallel arrays, the shape user
// strategies consume.
type Series struct {
	Timestamp []string  `json:"timestamp"`
	Open      []float64 `json:"open"`
	High      []float64 `json:"high"`
	Low       []float64 `json:"low"`
	Close     []float64 `json:"close"`
	Volume    []float64 `json:"volume"`
}

type BarsContext map[string]*Series

// BuildBarsContext groups bars into per-symbol parallel arrays.
func BuildBarsContext(bars []model.MinuteBar) BarsContext {
	out := make(BarsContext)
	for _, b := range bars {
		s, ok := out[b.Ticker]
		if !ok {
			s = &Series{}
			out[b.Ticker] = s
		}
		s.Timestamp = append(s.Timestamp, b.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
		s.Open = append(s.Open, b.Open)
		s.High = append(s.High, b.High)
		s.Low = append(s.Low, b.Low)
		s.Close = append(s.Close, b.Close)
		s.Volume = append(s.Volume, b.Volume)
	}
	return out
}

// Runner is the capability a loaded strategy exposes: one signal call per
// tick. A nil signal with nil error means "no trade this minute".
type Runner interface {
	GenerateSignal(ctx context.Context, team TeamContext, bars BarsContext, prices map[string]float64) (*model.Signal, error)
}

// ValidateSignal enforces the strict signal schema. Anything off-schema is a
// SignalError, not a trade.
func ValidateSignal(sig *model.Signal) error {
	if sig == nil {
		return nil
	}
	reject := func(format string, args ...any) error {
		return &SignalError{Phase: "signal_validation", Message: fmt.Sprintf(format, args...)}
	}

	if sig.Symbol == "" {
		return reject("empty symbol")
	}
	if !sig.Action.Valid() {
		return reject("invalid action %q", sig.Action)
	}
	if sig.Quantity.LessThanOrEqual(decimal.Zero) {
		return reject("quantity must be positive, got %s", sig.Quantity)
	}
	if sig.Price.LessThanOrEqual(decimal.Zero) {
		return reject("price must be positive, got %s", sig.Price)
	}
	if sig.OrderType == "" {
		sig.OrderType = model.Market
	}
	if !sig.OrderType.Valid() {
		return reject("invalid order type %q", sig.OrderType)
	}
	if sig.TimeInForce == "" {
		sig.TimeInForce = model.Day
	}
	if !sig.TimeInForce.Valid() {
		return reject("invalid time in force %q", sig.TimeInForce)
	}
	return nil
}
