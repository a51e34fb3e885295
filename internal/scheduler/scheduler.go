package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"MarketPulse/internal/logger"
	"MarketPulse/internal/model"
)

// Tier groups symbols polled at the same interval.
type Tier string

const (
	TierDefault   Tier = "default"
	TierWatchlist Tier = "watchlist"
	TierHot       Tier = "hot"
)

var tiers = []Tier{TierDefault, TierWatchlist, TierHot}

// ErrRunning is returned by Start on a poller that is already started.
var ErrRunning = errors.New("poller already running")

// BarSource fetches the latest bars for one symbol.
type BarSource interface {
	Fetch(ctx context.Context, symbol string) ([]model.PriceBar, error)
}

// BatchFunc receives every bar fetched in one cycle.
type BatchFunc func(ctx context.Context, bars []model.PriceBar) error

// Options configures a Poller.
type Options struct {
	DefaultInterval   time.Duration
	WatchlistInterval time.Duration
	HotInterval       time.Duration
	RequestDelay      time.Duration
}

// TierStats describes one tier.
type TierStats struct {
	IntervalSeconds float64 `json:"interval_s"`
	Symbols         int     `json:"symbols"`
}

// Stats is a copy of the poller counters.
type Stats struct {
	Running      bool               `json:"running"`
	CyclesRun    int64              `json:"cycles_run"`
	CyclesFailed int64              `json:"cycles_failed"`
	FetchErrors  int64              `json:"fetch_errors"`
	BarsFetched  int64              `json:"bars_fetched"`
	LastCycle    time.Time          `json:"last_cycle,omitempty"`
	Tiers        map[Tier]TierStats `json:"tiers"`
}

// Poller fetches bars for each tier on its own interval and hands every
// cycle's batch to a callback.
type Poller struct {
	source    BarSource
	onBatch   BatchFunc
	log       *logrus.Entry
	intervals map[Tier]time.Duration
	limiters  map[Tier]*rate.Limiter // one request budget per tier
	cycleMu   map[Tier]*sync.Mutex

	mu      sync.Mutex
	symbols map[Tier][]string
	cron    *cron.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	statsMu sync.Mutex
	stats   Stats
}

// NewPoller creates a stopped poller with empty tiers.
func NewPoller(source BarSource, onBatch BatchFunc, opts Options, log *logrus.Entry) *Poller {
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = 60 * time.Second
	}
	if opts.WatchlistInterval <= 0 {
		opts.WatchlistInterval = 30 * time.Second
	}
	if opts.HotInterval <= 0 {
		opts.HotInterval = 15 * time.Second
	}
	limit := rate.Inf
	if opts.RequestDelay > 0 {
		limit = rate.Every(opts.RequestDelay)
	}
	p := &Poller{
		source:  source,
		onBatch: onBatch,
		log:     logger.OrDiscard(log),
		intervals: map[Tier]time.Duration{
			TierDefault:   opts.DefaultInterval,
			TierWatchlist: opts.WatchlistInterval,
			TierHot:       opts.HotInterval,
		},
		limiters: make(map[Tier]*rate.Limiter, len(tiers)),
		cycleMu:  make(map[Tier]*sync.Mutex, len(tiers)),
		symbols:  make(map[Tier][]string, len(tiers)),
	}
	for _, t := range tiers {
		p.cycleMu[t] = &sync.Mutex{}
		p.limiters[t] = rate.NewLimiter(limit, 1)
	}
	return p
}

func validTier(t Tier) bool {
	switch t {
	case TierDefault, TierWatchlist, TierHot:
		return true
	}
	return false
}

// SetSymbols replaces the symbols of tier. A symbol moves out of any other
// tier it was in.
func (p *Poller) SetSymbols(tier Tier, symbols []string) error {
	if !validTier(tier) {
		return fmt.Errorf("unknown tier %q", tier)
	}
	seen := make(map[string]bool, len(symbols))
	var clean []string
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		clean = append(clean, s)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range tiers {
		if t == tier {
			continue
		}
		kept := p.symbols[t][:0:0]
		for _, s := range p.symbols[t] {
			if !seen[s] {
				kept = append(kept, s)
			}
		}
		p.symbols[t] = kept
	}
	p.symbols[tier] = clean
	p.log.WithFields(logrus.Fields{"tier": tier, "symbols": len(clean)}).Info("tier updated")
	return nil
}

// Symbols returns a copy of the tier's symbols.
func (p *Poller) Symbols(tier Tier) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.symbols[tier]...)
}

// AllSymbols returns every polled symbol, sorted.
func (p *Poller) AllSymbols() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, t := range tiers {
		out = append(out, p.symbols[t]...)
	}
	sort.Strings(out)
	return out
}

// Start schedules one job per tier and runs a first cycle for each tier
// right away.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	cl := cron.PrintfLogger(p.log)
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	for _, t := range tiers {
		tier := t
		c.Schedule(cron.Every(p.intervals[tier]), cron.FuncJob(func() { p.RunCycle(loopCtx, tier) }))
	}
	c.Start()

	for _, t := range tiers {
		tier := t
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.RunCycle(loopCtx, tier)
		}()
	}

	p.cron = c
	p.cancel = cancel
	p.running = true
	p.setRunning(true)
	p.log.WithFields(logrus.Fields{
		"default":   p.intervals[TierDefault],
		"watchlist": p.intervals[TierWatchlist],
		"hot":       p.intervals[TierHot],
	}).Info("poller started")
	return nil
}

// Stop cancels in-flight fetches and waits for running cycles.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	c, cancel := p.cron, p.cancel
	p.running = false
	p.mu.Unlock()

	cancel()
	<-c.Stop().Done()
	p.wg.Wait()
	p.setRunning(false)
	p.log.Info("poller stopped")
}

func (p *Poller) setRunning(v bool) {
	p.statsMu.Lock()
	p.stats.Running = v
	p.statsMu.Unlock()
}

// RunCycle polls every symbol of tier once. A cycle already running for the
// same tier makes this call a no-op.
func (p *Poller) RunCycle(ctx context.Context, tier Tier) {
	mu, ok := p.cycleMu[tier]
	if !ok || !mu.TryLock() {
		return
	}
	defer mu.Unlock()

	symbols := p.Symbols(tier)
	if len(symbols) == 0 {
		return
	}

	start := time.Now()
	var (
		batch  []model.PriceBar
		failed int
	)
	for _, sym := range symbols {
		if err := p.limiters[tier].Wait(ctx); err != nil {
			p.log.WithField("tier", tier).WithError(err).Debug("cycle interrupted")
			return
		}
		bars, err := p.source.Fetch(ctx, sym)
		if err != nil {
			failed++
			p.log.WithFields(logrus.Fields{"tier": tier, "symbol": sym}).WithError(err).Warn("fetch failed")
			continue
		}
		batch = append(batch, bars...)
	}

	cycleFailed := failed == len(symbols)
	if len(batch) > 0 && p.onBatch != nil {
		if err := p.onBatch(ctx, batch); err != nil {
			cycleFailed = true
			p.log.WithField("tier", tier).WithError(err).Error("batch callback failed")
		}
	}

	p.statsMu.Lock()
	p.stats.CyclesRun++
	p.stats.FetchErrors += int64(failed)
	p.stats.BarsFetched += int64(len(batch))
	p.stats.LastCycle = time.Now()
	if cycleFailed {
		p.stats.CyclesFailed++
	}
	p.statsMu.Unlock()

	p.log.WithFields(logrus.Fields{
		"tier":    tier,
		"symbols": len(symbols),
		"failed":  failed,
		"bars":    len(batch),
		"took":    time.Since(start).Round(time.Millisecond),
	}).Debug("cycle done")
}

// Stats returns a snapshot of the counters.
func (p *Poller) Stats() Stats {
	p.mu.Lock()
	perTier := make(map[Tier]TierStats, len(tiers))
	for _, t := range tiers {
		perTier[t] = TierStats{IntervalSeconds: p.intervals[t].Seconds(), Symbols: len(p.symbols[t])}
	}
	p.mu.Unlock()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	out := p.stats
	out.Tiers = perTier
	return out
}
