package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"MarketPulse/internal/model"
)

// AlpacaFetcher reads US equity bars from Alpaca market data.
type AlpacaFetcher struct {
	client *marketdata.Client
	now    func() time.Time
}

func NewAlpacaFetcher(apiKey, apiSecret, baseURL string) *AlpacaFetcher {
	return &AlpacaFetcher{
		client: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		now: time.Now,
	}
}

func (f *AlpacaFetcher) Name() string { return "alpaca" }

func (f *AlpacaFetcher) FetchBars(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]model.PriceBar, error) {
	end := f.now()
	req := marketdata.GetBarsRequest{End: end}
	switch tf {
	case model.Intraday:
		req.TimeFrame = marketdata.OneMin
		req.Start = end.Add(-24 * time.Hour)
	case model.Daily:
		req.TimeFrame = marketdata.OneDay
		req.Start = end.AddDate(0, 0, -limit*2)
	default:
		return nil, tf.Validate()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bars, err := f.client.GetBars(symbol, req)
	if err != nil {
		return nil, fmt.Errorf("alpaca bars %s: %w", symbol, err)
	}
	return lastN(convertAlpacaBars(symbol, tf, bars), limit), nil
}

func convertAlpacaBars(symbol string, tf model.Timeframe, bars []marketdata.Bar) []model.PriceBar {
	out := make([]model.PriceBar, len(bars))
	for i, b := range bars {
		out[i] = model.PriceBar{
			Symbol:    symbol,
			Timeframe: tf,
			Time:      b.Timestamp.UTC(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    int64(b.Volume),
		}
	}
	return out
}
