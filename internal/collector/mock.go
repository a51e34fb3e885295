package collector

import (
	"context"
	"sync"
	"time"

	"MarketPulse/internal/model"
)

// MockFetcher returns controllable bars for development and testing.
// Bars set in Data are returned as-is; otherwise a gently rising series
// around Price is generated.
type MockFetcher struct {
	Price float64
	Now   func() time.Time

	mu    sync.Mutex
	Data  map[string]map[model.Timeframe][]model.PriceBar
	Err   error
	Calls map[model.Timeframe]int
}

func (m *MockFetcher) Name() string { return "mock" }

// Set replaces the bars returned for symbol and tf.
func (m *MockFetcher) Set(symbol string, tf model.Timeframe, bars []model.PriceBar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Data == nil {
		m.Data = make(map[string]map[model.Timeframe][]model.PriceBar)
	}
	if m.Data[symbol] == nil {
		m.Data[symbol] = make(map[model.Timeframe][]model.PriceBar)
	}
	m.Data[symbol][tf] = bars
}

func (m *MockFetcher) FetchBars(_ context.Context, symbol string, tf model.Timeframe, limit int) ([]model.PriceBar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Calls == nil {
		m.Calls = make(map[model.Timeframe]int)
	}
	m.Calls[tf]++
	if m.Err != nil {
		return nil, m.Err
	}
	if bars, ok := m.Data[symbol][tf]; ok {
		return lastN(append([]model.PriceBar(nil), bars...), limit), nil
	}
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	return generateMockBars(symbol, tf, m.Price, limit, now()), nil
}

func generateMockBars(symbol string, tf model.Timeframe, basePrice float64, count int, end time.Time) []model.PriceBar {
	if basePrice <= 0 {
		basePrice = 100
	}
	step := time.Minute
	if tf == model.Daily {
		step = 24 * time.Hour
	}
	end = end.Truncate(step)
	bars := make([]model.PriceBar, count)
	for i := 0; i < count; i++ {
		p := basePrice * (1 + float64(i-count/2)*0.001)
		bars[i] = model.PriceBar{
			Symbol:    symbol,
			Timeframe: tf,
			Time:      end.Add(-time.Duration(count-1-i) * step),
			Open:      p * 0.999,
			High:      p * 1.005,
			Low:       p * 0.995,
			Close:     p,
			Volume:    1000000,
		}
	}
	return bars
}
