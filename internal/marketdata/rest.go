package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/qtc-alpha/arena/internal/config"
	"github.com/qtc-alpha/arena/internal/logger"
	"github.com/qtc-alpha/arena/internal/model"
	"go.uber.org/ratelimit"
	"resty.dev/v3"
)

const (
	_latestBarsURL = "/v2/stocks/bars/latest"
	_dayBarsURL    = "/v2/stocks/bars"
)

// RESTFeed fetches minute bars from an Alpaca-style market data REST API.
type RESTFeed struct {
	c           *resty.Client
	rateLimiter ratelimit.Limiter // 500 T/M

	logger logger.Logger
}

func NewRESTFeed(cfg config.MarketDataConfig, logger logger.Logger) *RESTFeed {
	client := resty.New().
		SetLogger(logger).
		SetBaseURL(cfg.Address)

	return &RESTFeed{
		c:           client,
		rateLimiter: ratelimit.New(500, ratelimit.Per(time.Minute)),
		logger:      logger,
	}
}

type barPayload struct {
	Timestamp  time.Time `json:"t"`
	Open       float64   `json:"o"`
	High       float64   `json:"h"`
	Low        float64   `json:"l"`
	Close      float64   `json:"c"`
	Volume     float64   `json:"v"`
	TradeCount int64     `json:"n"`
	VWAP       float64   `json:"vw"`
}

type latestBarsPayload struct {
	Bars map[string]barPayload `json:"bars"`
}

type dayBarsPayload struct {
	Bars          map[string][]barPayload `json:"bars"`
	NextPageToken string                  `json:"next_page_token"`
}

type feedError struct {
	Message string `json:"message"`
}

func (f *RESTFeed) FetchLatest(ctx context.Context, symbols []string) ([]model.MinuteBar, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	f.rateLimiter.Take()

	resp, err := f.c.R().
		SetContext(ctx).
		SetQueryParam("symbols", strings.Join(symbols, ",")).
		SetResult(&latestBarsPayload{}).
		SetError(&feedError{}).
		Get(_latestBarsURL)
	if err != nil {
		return nil, fmt.Errorf("%w: can't fetch latest bars", err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return nil, fmt.Errorf("latest bars request error: %s", resp.Error().(*feedError).Message)
	}

	payload := resp.Result().(*latestBarsPayload)
	now := time.Now().UTC()
	bars := make([]model.MinuteBar, 0, len(payload.Bars))
	for sym, b := range payload.Bars {
		bars = append(bars, toMinuteBar(sym, b, now))
	}
	return bars, nil
}

func (f *RESTFeed) FetchHistoricalDay(ctx context.Context, day time.Time, symbols []string) ([]model.MinuteBar, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)
	now := time.Now().UTC()

	var (
		bars      []model.MinuteBar
		pageToken string
	)
	for {
		f.rateLimiter.Take()

		req := f.c.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"symbols":   strings.Join(symbols, ","),
				"timeframe": "1Min",
				"start":     start.Format(time.RFC3339),
				"end":       end.Format(time.RFC3339),
			}).
			SetResult(&dayBarsPayload{}).
			SetError(&feedError{})
		if pageToken != "" {
			req.SetQueryParam("page_token", pageToken)
		}

		resp, err := req.Get(_dayBarsURL)
		if err != nil {
			return nil, fmt.Errorf("%w: can't fetch day bars for %s", err, start.Format(time.DateOnly))
		}

		if resp.IsError() {
			resp.Body.Close()
			return nil, fmt.Errorf("day bars request error: %s", resp.Error().(*feedError).Message)
		}

		payload := resp.Result().(*dayBarsPayload)
		resp.Body.Close()

		for sym, symBars := range payload.Bars {
			for _, b := range symBars {
				bars = append(bars, toMinuteBar(sym, b, now))
			}
		}

		if payload.NextPageToken == "" {
			return bars, nil
		}
		pageToken = payload.NextPageToken
	}
}

func toMinuteBar(symbol string, b barPayload, asOf time.Time) model.MinuteBar {
	bar := model.MinuteBar{
		Ticker:     symbol,
		Timestamp:  b.Timestamp,
		Open:       b.Open,
		High:       b.High,
		Low:        b.Low,
		Close:      b.Close,
		Volume:     b.Volume,
		TradeCount: b.TradeCount,
		VWAP:       b.VWAP,
		AsOf:       asOf,
	}
	bar.NormalizeTimestamp()
	return bar
}
