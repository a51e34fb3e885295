package state

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"MarketPulse/internal/calculator"
	"MarketPulse/internal/logger"
	"MarketPulse/internal/model"
)

const dayLayout = "2006-01-02"

// Options configures window sizes and staleness.
type Options struct {
	IntradayWindow int
	DailyWindow    int
	StaleAfter     time.Duration
	Now            func() time.Time
}

func (o *Options) setDefaults() {
	if o.IntradayWindow <= 0 {
		o.IntradayWindow = 60
	}
	if o.DailyWindow <= 0 {
		o.DailyWindow = 60
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 300 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// symbolState is the rolling state of one symbol, guarded by its own mutex.
type symbolState struct {
	mu        sync.Mutex
	intraday  []model.PriceBar
	daily     []model.PriceBar
	session   session
	updatedAt time.Time
}

type session struct {
	day    string
	date   time.Time
	open   float64
	high   float64
	low    float64
	volume int64
}

// Stats summarises store health.
type Stats struct {
	TrackedSymbols int      `json:"symbols_in_state"`
	StaleSymbols   int      `json:"stale_symbols"`
	Healthy        int      `json:"healthy_symbols"`
	Stale          []string `json:"stale,omitempty"`
}

// Store owns all rolling per-symbol market state.
type Store struct {
	opts Options
	log  *logrus.Entry

	mu      sync.RWMutex
	symbols map[string]*symbolState
}

// NewStore creates an empty store.
func NewStore(opts Options, log *logrus.Entry) *Store {
	opts.setDefaults()
	return &Store{
		opts:    opts,
		log:     logger.OrDiscard(log),
		symbols: make(map[string]*symbolState),
	}
}

// Update ingests a batch of bars and returns how many were stored.
// A bar with an unknown timeframe rejects the whole batch.
func (s *Store) Update(bars []model.PriceBar) (int, error) {
	groups := make(map[string][]model.PriceBar)
	for _, b := range bars {
		if err := b.Timeframe.Validate(); err != nil {
			return 0, fmt.Errorf("update %s: %w", b.Symbol, err)
		}
		sym := strings.ToUpper(strings.TrimSpace(b.Symbol))
		if sym == "" {
			return 0, fmt.Errorf("update: bar without symbol")
		}
		b.Symbol = sym
		groups[sym] = append(groups[sym], b)
	}

	inserted := 0
	for sym, group := range groups {
		sort.SliceStable(group, func(i, j int) bool { return group[i].Time.Before(group[j].Time) })
		st := s.getOrCreate(sym)

		st.mu.Lock()
		n := 0
		for _, b := range group {
			if s.insert(st, b) {
				n++
			}
		}
		if n > 0 {
			st.updatedAt = s.opts.Now()
		}
		st.mu.Unlock()

		inserted += n
		if n < len(group) {
			s.log.WithFields(logrus.Fields{"symbol": sym, "skipped": len(group) - n}).Debug("duplicate or expired bars skipped")
		}
	}
	return inserted, nil
}

func (s *Store) getOrCreate(sym string) *symbolState {
	s.mu.RLock()
	st, ok := s.symbols[sym]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.symbols[sym]; ok {
		return st
	}
	st = &symbolState{}
	s.symbols[sym] = st
	return st
}

func (s *Store) get(sym string) *symbolState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.symbols[strings.ToUpper(sym)]
}

// insert must be called with st.mu held.
func (s *Store) insert(st *symbolState, b model.PriceBar) bool {
	if b.Timeframe == model.Daily {
		var ok bool
		st.daily, ok = insertBar(st.daily, b, s.opts.DailyWindow)
		return ok
	}

	var ok bool
	st.intraday, ok = insertBar(st.intraday, b, s.opts.IntradayWindow)
	if ok {
		st.session.merge(b)
	}
	return ok
}

// insertBar keeps window sorted by time, unique by timestamp and at most
// capacity long, dropping the oldest bar on overflow.
func insertBar(window []model.PriceBar, b model.PriceBar, capacity int) ([]model.PriceBar, bool) {
	n := len(window)
	// Fast path: strictly newer than the last bar.
	if n == 0 || window[n-1].Time.Before(b.Time) {
		window = append(window, b)
		if len(window) > capacity {
			window = window[len(window)-capacity:]
		}
		return window, true
	}

	idx := sort.Search(n, func(i int) bool { return !window[i].Time.Before(b.Time) })
	if idx < n && window[idx].Time.Equal(b.Time) {
		return window, false
	}
	if n >= capacity && idx == 0 {
		return window, false
	}

	window = append(window, model.PriceBar{})
	copy(window[idx+1:], window[idx:])
	window[idx] = b
	if len(window) > capacity {
		window = window[len(window)-capacity:]
	}
	return window, true
}

// merge folds an intraday bar into the session. A bar from a later calendar
// day starts a new session; bars from earlier days are ignored.
func (ss *session) merge(b model.PriceBar) {
	day := b.Time.Format(dayLayout)
	switch {
	case ss.day == "" || day > ss.day:
		*ss = session{
			day:    day,
			date:   b.Date(),
			open:   b.Open,
			high:   b.High,
			low:    b.Low,
			volume: b.Volume,
		}
	case day == ss.day:
		ss.high = max(ss.high, b.High)
		ss.low = min(ss.low, b.Low)
		ss.volume += b.Volume
	}
}

// Snapshot computes the derived view of a symbol. ok is false when the
// symbol has no bars.
func (s *Store) Snapshot(symbol string) (*model.MarketSnapshot, bool) {
	st := s.get(symbol)
	if st == nil {
		return nil, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.intraday) == 0 && len(st.daily) == 0 {
		return nil, false
	}

	snap := &model.MarketSnapshot{
		Symbol:        strings.ToUpper(symbol),
		SessionDate:   st.session.date,
		SessionOpen:   st.session.open,
		SessionHigh:   st.session.high,
		SessionLow:    st.session.low,
		SessionVolume: st.session.volume,
		IntradayBars:  len(st.intraday),
		DailyBars:     len(st.daily),
		UpdatedAt:     st.updatedAt,
		Stale:         s.opts.Now().Sub(st.updatedAt) > s.opts.StaleAfter,
	}

	var last model.PriceBar
	if n := len(st.intraday); n > 0 {
		last = st.intraday[n-1]
	} else {
		last = st.daily[len(st.daily)-1]
	}
	snap.LastPrice = last.Close
	snap.LastVolume = last.Volume
	snap.LastBarTime = last.Time

	refDay := st.session.day
	if refDay == "" && len(st.daily) > 0 {
		refDay = st.daily[len(st.daily)-1].Time.Format(dayLayout)
	}
	for i := len(st.daily) - 1; i >= 0; i-- {
		if st.daily[i].Time.Format(dayLayout) < refDay {
			prev := st.daily[i].Close
			snap.PrevClose = &prev
			if prev != 0 {
				chg := calculator.PercentChange(prev, snap.LastPrice)
				snap.ChangePct = &chg
			}
			break
		}
	}

	closes := model.Closes(st.daily)
	if v, err := calculator.SMA(closes, 20); err == nil {
		snap.MA20 = &v
	}
	if v, err := calculator.SMA(closes, 50); err == nil {
		snap.MA50 = &v
	}
	if v, err := calculator.RSI(closes, 14); err == nil {
		snap.RSI14 = &v
	}
	return snap, true
}

// RecentBars returns up to n of the latest bars, oldest first.
func (s *Store) RecentBars(symbol string, tf model.Timeframe, n int) []model.PriceBar {
	st := s.get(symbol)
	if st == nil || n <= 0 {
		return []model.PriceBar{}
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	src := st.intraday
	if tf == model.Daily {
		src = st.daily
	}
	if n > len(src) {
		n = len(src)
	}
	out := make([]model.PriceBar, n)
	copy(out, src[len(src)-n:])
	return out
}

// TrackedSymbols lists every symbol with state, sorted.
func (s *Store) TrackedSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Stats reports tracked, stale and healthy symbol counts.
func (s *Store) Stats() Stats {
	now := s.opts.Now()
	var st Stats
	for _, sym := range s.TrackedSymbols() {
		ss := s.get(sym)
		ss.mu.Lock()
		stale := now.Sub(ss.updatedAt) > s.opts.StaleAfter
		ss.mu.Unlock()
		st.TrackedSymbols++
		if stale {
			st.StaleSymbols++
			st.Stale = append(st.Stale, sym)
		} else {
			st.Healthy++
		}
	}
	return st
}
