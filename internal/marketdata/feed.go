package marketdata

import (
	"context"
	"time"

	"github.com/qtc-alpha/arena/internal/model"
)

// Feed supplies minute bars. The orchestrator depends on this interface only
// so tests can inject canned data.
type Feed interface {
	// FetchLatest returns the most recent minute bar per symbol. Symbols
	// with no fresh bar are simply absent from the result.
	FetchLatest(ctx context.Context, symbols []string) ([]model.MinuteBar, error)
	// FetchHistoricalDay returns every minute bar of the given UTC day.
	FetchHistoricalDay(ctx context.Context, day time.Time, symbols []string) ([]model.MinuteBar, error)
}
