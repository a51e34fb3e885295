package collector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"MarketPulse/internal/logger"
	"MarketPulse/internal/model"
)

// Options configures a Collector.
type Options struct {
	IntradayLimit int
	DailyLimit    int
	DailyRefresh  time.Duration
	Now           func() time.Time
}

// Collector fetches the bars one poll cycle needs for a symbol: the latest
// intraday bars every time, daily history only when it is due for refresh.
type Collector struct {
	fetcher Fetcher
	opts    Options
	log     *logrus.Entry

	mu      sync.Mutex
	dailyAt map[string]time.Time
}

func NewCollector(fetcher Fetcher, opts Options, log *logrus.Entry) *Collector {
	if opts.IntradayLimit <= 0 {
		opts.IntradayLimit = 5
	}
	if opts.DailyLimit <= 0 {
		opts.DailyLimit = 60
	}
	if opts.DailyRefresh <= 0 {
		opts.DailyRefresh = 6 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Collector{
		fetcher: fetcher,
		opts:    opts,
		log:     logger.OrDiscard(log).WithField("provider", fetcher.Name()),
		dailyAt: make(map[string]time.Time),
	}
}

// Fetch returns intraday bars plus daily bars when the daily refresh is due.
// A daily failure is logged and retried next cycle; an intraday failure is
// returned unless daily bars were fetched.
func (c *Collector) Fetch(ctx context.Context, symbol string) ([]model.PriceBar, error) {
	symbol = strings.ToUpper(symbol)
	var bars []model.PriceBar

	if c.dailyDue(symbol) {
		daily, err := c.fetcher.FetchBars(ctx, symbol, model.Daily, c.opts.DailyLimit)
		if err != nil {
			c.log.WithField("symbol", symbol).WithError(err).Warn("daily fetch failed")
		} else {
			c.mu.Lock()
			c.dailyAt[symbol] = c.opts.Now()
			c.mu.Unlock()
			bars = append(bars, daily...)
		}
	}

	intraday, err := c.fetcher.FetchBars(ctx, symbol, model.Intraday, c.opts.IntradayLimit)
	if err != nil {
		if len(bars) == 0 {
			return nil, fmt.Errorf("fetch %s: %w", symbol, err)
		}
		c.log.WithField("symbol", symbol).WithError(err).Warn("intraday fetch failed")
	}
	return append(bars, intraday...), nil
}

func (c *Collector) dailyDue(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.dailyAt[symbol]
	return !ok || c.opts.Now().Sub(last) >= c.opts.DailyRefresh
}
