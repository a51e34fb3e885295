package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"MarketPulse/internal/alert"
	"MarketPulse/internal/insight"
	"MarketPulse/internal/model"
	"MarketPulse/internal/monitor"
	"MarketPulse/internal/state"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []model.AlertNotification
	err  error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, n model.AlertNotification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, n)
	return nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type fixture struct {
	store    *state.Store
	engine   *insight.Engine
	router   *alert.Router
	monitor  *monitor.Monitor
	dispatch *fakeDispatcher
	pipe     *Pipeline
}

func newFixture(outbox int, alerts ...model.UserAlert) *fixture {
	f := &fixture{
		store:    state.NewStore(state.Options{}, nil),
		engine:   insight.NewEngine(insight.Options{}, nil),
		monitor:  monitor.New(0, nil),
		dispatch: &fakeDispatcher{},
	}
	f.router = alert.NewRouter(alert.NewMemoryStore(alerts...), alert.Options{Observer: f.monitor}, nil)
	f.monitor.Register(nil, f.store, f.engine, f.router)
	f.pipe = New(f.store, f.engine, f.router, f.monitor, f.dispatch, nil, Options{OutboxSize: outbox}, nil)
	return f
}

// uptrend returns 30 rising daily bars followed by one strong bullish minute bar.
func uptrend(symbol string) []model.PriceBar {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var bars []model.PriceBar
	for i := 0; i < 30; i++ {
		p := float64(i)
		bars = append(bars, model.PriceBar{
			Symbol:    symbol,
			Timeframe: model.Daily,
			Time:      base.AddDate(0, 0, i),
			Open:      100 + p,
			High:      101.2 + p,
			Low:       99.8 + p,
			Close:     101 + p,
			Volume:    100000,
		})
	}
	bars = append(bars, model.PriceBar{
		Symbol:    symbol,
		Timeframe: model.Intraday,
		Time:      base.AddDate(0, 0, 30).Add(9*time.Hour + 15*time.Minute),
		Open:      130,
		High:      131,
		Low:       129.95,
		Close:     130.95,
		Volume:    5000,
	})
	return bars
}

func TestEndToEndUptrend(t *testing.T) {
	f := newFixture(16, model.UserAlert{ID: "a1", UserID: "u1", Symbol: "X", Enabled: true})

	var codes []model.InsightCode
	f.engine.Subscribe(func(_ context.Context, ev model.InsightEvent) error {
		codes = append(codes, ev.Code)
		if ev.Severity != model.SeverityHigh {
			t.Errorf("%s severity = %s, want HIGH", ev.Code, ev.Severity)
		}
		return nil
	})

	if err := f.pipe.HandleBars(context.Background(), uptrend("X")); err != nil {
		t.Fatalf("HandleBars: %v", err)
	}

	got := map[model.InsightCode]bool{}
	for _, c := range codes {
		got[c] = true
	}
	if len(codes) != 2 || !got[model.BullishCandle] || !got[model.RSIOverbought] {
		t.Fatalf("insights = %v, want PA01 and TM04", codes)
	}

	recent := f.router.RecentNotifications(0)
	if len(recent) != 2 {
		t.Fatalf("notifications = %d, want 2", len(recent))
	}
	for _, n := range recent {
		if !strings.Contains(n.Message, "X") {
			t.Errorf("message %q does not mention the symbol", n.Message)
		}
	}

	if st := f.pipe.Stats(); st.Queued != 2 || st.Pending != 2 {
		t.Errorf("stats before run = %+v", st)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.pipe.Run(ctx)

	if f.dispatch.count() != 2 {
		t.Errorf("dispatched = %d, want 2", f.dispatch.count())
	}
	if st := f.pipe.Stats(); st.Dispatched != 2 || st.Pending != 0 {
		t.Errorf("stats after run = %+v", st)
	}
	status := f.monitor.FullStatus(5)
	if status.Activity.InsightsTotal != 2 || status.Activity.AlertsTotal != 2 {
		t.Errorf("activity = %+v", status.Activity)
	}
}

func TestMovingAverageCrossThroughPipeline(t *testing.T) {
	f := newFixture(16)
	var codes []model.InsightCode
	f.engine.Subscribe(func(_ context.Context, ev model.InsightEvent) error {
		codes = append(codes, ev.Code)
		return nil
	})

	// MA20 sits under MA50 until the last close lifts it above.
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var bars []model.PriceBar
	for i := 0; i < 60; i++ {
		c := 100.0
		switch {
		case i == 59:
			c = 300
		case i >= 40:
			c = 90
		}
		bars = append(bars, model.PriceBar{
			Symbol: "MSN", Timeframe: model.Daily, Time: base.AddDate(0, 0, i),
			Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1000,
		})
	}

	if err := f.pipe.HandleBars(context.Background(), bars); err != nil {
		t.Fatalf("HandleBars: %v", err)
	}
	if n := len(f.store.RecentBars("MSN", model.Daily, 100)); n < 51 {
		t.Fatalf("daily bars kept = %d, want at least 51", n)
	}
	found := false
	for _, c := range codes {
		if c == model.MACross {
			found = true
		}
	}
	if !found {
		t.Errorf("insights = %v, want %s", codes, model.MACross)
	}
}

func TestOutboxFullDrops(t *testing.T) {
	f := newFixture(1, model.UserAlert{ID: "a1", UserID: "u1", Symbol: "X", Enabled: true})

	if err := f.pipe.HandleBars(context.Background(), uptrend("X")); err != nil {
		t.Fatalf("HandleBars: %v", err)
	}
	st := f.pipe.Stats()
	if st.Queued != 1 || st.Dropped != 1 || st.Pending != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDispatchFailureCounted(t *testing.T) {
	f := newFixture(4, model.UserAlert{ID: "a1", UserID: "u1", Symbol: "X", Enabled: true})
	f.dispatch.err = errors.New("telegram down")

	if err := f.pipe.HandleBars(context.Background(), uptrend("X")); err != nil {
		t.Fatalf("HandleBars: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.pipe.Run(ctx)

	if st := f.pipe.Stats(); st.DispatchFailed != 2 || st.Dispatched != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestHandleBarsRejectsBadBatch(t *testing.T) {
	f := newFixture(4)
	bars := []model.PriceBar{{Symbol: "X", Timeframe: "weekly", Time: time.Now(), Close: 1}}
	if err := f.pipe.HandleBars(context.Background(), bars); err == nil {
		t.Error("expected error for unknown timeframe")
	}
	if len(f.store.TrackedSymbols()) != 0 {
		t.Error("rejected batch reached the store")
	}
}

func TestAnalyzeAll(t *testing.T) {
	f := newFixture(4)
	if _, err := f.store.Update(uptrend("X")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if n := f.pipe.AnalyzeAll(context.Background()); n != 2 {
		t.Errorf("AnalyzeAll = %d, want 2", n)
	}
	// same insights inside the dedup window
	if n := f.pipe.AnalyzeAll(context.Background()); n != 0 {
		t.Errorf("second AnalyzeAll = %d, want 0", n)
	}
}

func TestHandleCommand(t *testing.T) {
	f := newFixture(4)
	if _, err := f.store.Update(uptrend("X")); err != nil {
		t.Fatalf("Update: %v", err)
	}

	tests := []struct {
		text string
		want string
	}{
		{"/symbols", "X"},
		{"/snapshot x", "X"},
		{"/snapshot", "/snapshot MÃ"},
		{"/snapshot ZZZ", "Không có dữ liệu cho ZZZ"},
		{"/status@PulseBot", "MarketPulse"},
		{"/help", "/status"},
		{"", "/symbols"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := f.pipe.HandleCommand(tt.text); !strings.Contains(got, tt.want) {
				t.Errorf("HandleCommand(%q) = %q, want it to contain %q", tt.text, got, tt.want)
			}
		})
	}
}
