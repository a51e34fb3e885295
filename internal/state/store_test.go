package state

import (
	"sync"
	"testing"
	"time"

	"MarketPulse/internal/model"
)

var base = time.Date(2026, 3, 2, 2, 15, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore() (*Store, *fakeClock) {
	clk := &fakeClock{now: base}
	return NewStore(Options{Now: clk.Now}, nil), clk
}

func minuteBar(sym string, i int, price float64, vol int64) model.PriceBar {
	return model.PriceBar{
		Symbol: sym, Timeframe: model.Intraday, Time: base.Add(time.Duration(i) * time.Minute),
		Open: price, High: price + 1, Low: price - 1, Close: price + 0.5, Volume: vol,
	}
}

func dayBar(sym string, i int, close float64) model.PriceBar {
	return model.PriceBar{
		Symbol: sym, Timeframe: model.Daily, Time: base.AddDate(0, 0, i-100),
		Open: close - 1, High: close + 1, Low: close - 2, Close: close, Volume: 1000,
	}
}

func TestUpdateIdempotent(t *testing.T) {
	s, _ := newTestStore()
	bars := []model.PriceBar{minuteBar("vic", 0, 100, 10), minuteBar("VIC", 1, 101, 20)}
	n, err := s.Update(bars)
	if err != nil || n != 2 {
		t.Fatalf("Update = %d, %v; want 2", n, err)
	}
	before := s.RecentBars("VIC", model.Intraday, 100)

	n, err = s.Update(bars)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if n != 0 {
		t.Errorf("re-ingest stored %d bars, want 0", n)
	}
	after := s.RecentBars("VIC", model.Intraday, 100)
	if len(after) != len(before) {
		t.Fatalf("window len changed %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("bar %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}
	snap, _ := s.Snapshot("VIC")
	if snap.SessionVolume != 30 {
		t.Errorf("session volume = %d, want 30 (duplicates must not merge)", snap.SessionVolume)
	}
}

func TestUpdateRejectsBadTimeframe(t *testing.T) {
	s, _ := newTestStore()
	bad := minuteBar("VIC", 0, 100, 1)
	bad.Timeframe = "weekly"
	if _, err := s.Update([]model.PriceBar{minuteBar("VIC", 1, 1, 1), bad}); err == nil {
		t.Fatal("expected error for unknown timeframe")
	}
	if len(s.TrackedSymbols()) != 0 {
		t.Error("rejected batch must not mutate state")
	}
}

func TestBoundedWindows(t *testing.T) {
	s, _ := newTestStore()
	var bars []model.PriceBar
	for i := 0; i < 75; i++ {
		bars = append(bars, minuteBar("HPG", i, float64(100+i), 1))
	}
	for i := 0; i < 70; i++ {
		bars = append(bars, dayBar("HPG", i, float64(50+i)))
	}
	if _, err := s.Update(bars); err != nil {
		t.Fatalf("Update: %v", err)
	}

	intra := s.RecentBars("HPG", model.Intraday, 1000)
	if len(intra) != 60 {
		t.Fatalf("intraday len = %d, want 60", len(intra))
	}
	if !intra[0].Time.Equal(base.Add(15*time.Minute)) || !intra[59].Time.Equal(base.Add(74*time.Minute)) {
		t.Errorf("intraday window not the latest bars: %v .. %v", intra[0].Time, intra[59].Time)
	}
	daily := s.RecentBars("HPG", model.Daily, 1000)
	if len(daily) != 60 {
		t.Fatalf("daily len = %d, want 60", len(daily))
	}
	if daily[59].Close != 119 {
		t.Errorf("last daily close = %v, want 119", daily[59].Close)
	}

	// older than the oldest in a full window is dropped
	n, _ := s.Update([]model.PriceBar{minuteBar("HPG", 1, 1, 1)})
	if n != 0 {
		t.Errorf("stale bar stored into full window")
	}
}

func TestOutOfOrderInsertKeepsOrder(t *testing.T) {
	s, _ := newTestStore()
	if _, err := s.Update([]model.PriceBar{minuteBar("FPT", 0, 1, 1), minuteBar("FPT", 2, 1, 1)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update([]model.PriceBar{minuteBar("FPT", 1, 1, 1)}); err != nil {
		t.Fatal(err)
	}
	bars := s.RecentBars("FPT", model.Intraday, 10)
	if len(bars) != 3 {
		t.Fatalf("len = %d, want 3", len(bars))
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i-1].Time.Before(bars[i].Time) {
			t.Errorf("window not strictly increasing at %d", i)
		}
	}
}

func TestSessionReset(t *testing.T) {
	s, _ := newTestStore()
	day1 := minuteBar("MWG", 0, 100, 500)
	day1b := minuteBar("MWG", 1, 110, 700)
	day2 := minuteBar("MWG", 0, 90, 42)
	day2.Time = day2.Time.AddDate(0, 0, 1)

	if _, err := s.Update([]model.PriceBar{day1, day1b}); err != nil {
		t.Fatal(err)
	}
	snap, _ := s.Snapshot("MWG")
	if snap.SessionHigh != 111 || snap.SessionLow != 99 || snap.SessionVolume != 1200 {
		t.Errorf("day1 session = %v/%v/%v", snap.SessionHigh, snap.SessionLow, snap.SessionVolume)
	}

	if _, err := s.Update([]model.PriceBar{day2}); err != nil {
		t.Fatal(err)
	}
	snap, _ = s.Snapshot("MWG")
	if snap.SessionOpen != 90 || snap.SessionHigh != 91 || snap.SessionLow != 89 || snap.SessionVolume != 42 {
		t.Errorf("day2 session merged with day1: %+v", snap)
	}
}

func TestSnapshotIndicators(t *testing.T) {
	s, clk := newTestStore()
	var bars []model.PriceBar
	for i := 0; i < 30; i++ {
		bars = append(bars, dayBar("X", i, float64(100+i)))
	}
	if _, err := s.Update(bars); err != nil {
		t.Fatal(err)
	}
	snap, ok := s.Snapshot("x")
	if !ok {
		t.Fatal("expected snapshot")
	}
	if snap.RSI14 == nil || *snap.RSI14 != 100 {
		t.Errorf("RSI14 = %v, want 100", snap.RSI14)
	}
	if snap.MA20 == nil || *snap.MA20 != 119.5 {
		t.Errorf("MA20 = %v, want 119.5", snap.MA20)
	}
	if snap.MA50 != nil {
		t.Errorf("MA50 should be absent with 30 bars")
	}
	if snap.PrevClose == nil || *snap.PrevClose != 128 {
		t.Errorf("PrevClose = %v, want 128", snap.PrevClose)
	}
	if snap.LastPrice != 129 {
		t.Errorf("LastPrice = %v, want 129", snap.LastPrice)
	}
	if snap.Stale {
		t.Error("fresh snapshot marked stale")
	}

	clk.Advance(301 * time.Second)
	snap, _ = s.Snapshot("X")
	if !snap.Stale {
		t.Error("expected stale after 301s")
	}
	if st := s.Stats(); st.StaleSymbols != 1 || st.TrackedSymbols != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSnapshotRSIAbsentWithShortHistory(t *testing.T) {
	s, _ := newTestStore()
	var bars []model.PriceBar
	for i := 0; i < 14; i++ {
		bars = append(bars, dayBar("Y", i, float64(100+i%3)))
	}
	if _, err := s.Update(bars); err != nil {
		t.Fatal(err)
	}
	snap, _ := s.Snapshot("Y")
	if snap.RSI14 != nil {
		t.Errorf("RSI14 = %v, want absent", *snap.RSI14)
	}
}

func TestSnapshotUnknownSymbol(t *testing.T) {
	s, _ := newTestStore()
	if _, ok := s.Snapshot("NOPE"); ok {
		t.Error("expected no snapshot")
	}
	if got := s.RecentBars("NOPE", model.Daily, 5); len(got) != 0 {
		t.Errorf("RecentBars = %v, want empty", got)
	}
}

func TestConcurrentSymbols(t *testing.T) {
	s, _ := newTestStore()
	var wg sync.WaitGroup
	for _, sym := range []string{"A", "B", "C", "D"} {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if _, err := s.Update([]model.PriceBar{minuteBar(sym, i, 10, 1)}); err != nil {
					t.Error(err)
				}
				s.Snapshot(sym)
			}
		}(sym)
	}
	wg.Wait()
	if got := len(s.TrackedSymbols()); got != 4 {
		t.Errorf("tracked = %d, want 4", got)
	}
	for _, sym := range s.TrackedSymbols() {
		if n := len(s.RecentBars(sym, model.Intraday, 100)); n != 60 {
			t.Errorf("%s window = %d, want 60", sym, n)
		}
	}
}
