package insight

import (
	"context"
	"math"
	"testing"
	"time"

	"MarketPulse/internal/model"
)

var t0 = time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)

func bar(tf model.Timeframe, i int, o, h, l, c float64, v int64) model.PriceBar {
	step := time.Minute
	if tf == model.Daily {
		step = 24 * time.Hour
	}
	return model.PriceBar{Symbol: "VIC", Timeframe: tf, Time: t0.Add(time.Duration(i) * step), Open: o, High: h, Low: l, Close: c, Volume: v}
}

func flatIntraday(n int, vol int64) []model.PriceBar {
	bars := make([]model.PriceBar, n)
	for i := range bars {
		bars[i] = bar(model.Intraday, i, 100, 100.5, 99.5, 100, vol)
	}
	return bars
}

func flatDaily(n int, price float64) []model.PriceBar {
	bars := make([]model.PriceBar, n)
	for i := range bars {
		bars[i] = bar(model.Daily, i, price, price+1, price-1, price, 1000)
	}
	return bars
}

func run(t *testing.T, fn DetectFunc, in Input) *model.InsightEvent {
	t.Helper()
	if in.Symbol == "" {
		in.Symbol = "VIC"
	}
	ev, err := fn(context.Background(), in)
	if err != nil {
		t.Fatalf("detector error: %v", err)
	}
	return ev
}

func ptr(v float64) *float64 { return &v }

func TestBullishCandle(t *testing.T) {
	tests := []struct {
		name    string
		bar     model.PriceBar
		fire    bool
		sev     model.Severity
		bodyPct float64
	}{
		{"medium body 81.8%", bar(model.Intraday, 0, 100, 111, 100, 109, 1), true, model.SeverityMedium, 0.818},
		{"high body 90.9%", bar(model.Intraday, 0, 100, 111, 100, 110, 1), true, model.SeverityHigh, 0.909},
		{"exactly 70%", bar(model.Intraday, 0, 100, 110, 100, 107, 1), true, model.SeverityMedium, 0.7},
		{"small body", bar(model.Intraday, 0, 100, 110, 100, 103, 1), false, 0, 0},
		{"bearish", bar(model.Intraday, 0, 110, 111, 100, 100, 1), false, 0, 0},
		{"flat", bar(model.Intraday, 0, 100, 100, 100, 100, 1), false, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := run(t, detectBullishCandle, Input{Intraday: []model.PriceBar{tt.bar}})
			if (ev != nil) != tt.fire {
				t.Fatalf("fired = %v, want %v", ev != nil, tt.fire)
			}
			if ev == nil {
				return
			}
			if ev.Severity != tt.sev {
				t.Errorf("severity = %v, want %v", ev.Severity, tt.sev)
			}
			if got := ev.Signals["body_percent"].(float64); math.Abs(got-tt.bodyPct) > 0.001 {
				t.Errorf("body_percent = %v, want %v", got, tt.bodyPct)
			}
			if ev.Code != model.BullishCandle || ev.Timeframe != model.Intraday {
				t.Errorf("unexpected event header %+v", ev)
			}
		})
	}
}

func TestUpperWick(t *testing.T) {
	tests := []struct {
		name string
		bar  model.PriceBar
		fire bool
		sev  model.Severity
	}{
		{"wick 50%", bar(model.Intraday, 0, 100, 110, 100, 105, 1), true, model.SeverityMedium},
		{"wick 80%", bar(model.Intraday, 0, 101, 110, 100, 102, 1), true, model.SeverityHigh},
		{"short wick", bar(model.Intraday, 0, 100, 110, 100, 109, 1), false, 0},
		{"zero range", bar(model.Intraday, 0, 100, 100, 100, 100, 1), false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := run(t, detectUpperWick, Input{Intraday: []model.PriceBar{tt.bar}})
			if (ev != nil) != tt.fire {
				t.Fatalf("fired = %v, want %v", ev != nil, tt.fire)
			}
			if ev != nil && ev.Severity != tt.sev {
				t.Errorf("severity = %v, want %v", ev.Severity, tt.sev)
			}
		})
	}
}

func TestGap(t *testing.T) {
	prev := bar(model.Daily, 0, 100, 100, 95, 98, 1)
	tests := []struct {
		name    string
		open    float64
		fire    bool
		sev     model.Severity
		gapType string
	}{
		{"gap up 1.5%", 101.5, true, model.SeverityMedium, "up"},
		{"gap up 3%", 103, true, model.SeverityHigh, "up"},
		{"gap up 0.9%", 100.9, false, 0, ""},
		{"gap down 2.5%", 92.625, true, model.SeverityHigh, "down"},
		{"inside range", 97, false, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			today := bar(model.Daily, 1, tt.open, tt.open+1, tt.open-1, tt.open, 1)
			ev := run(t, detectGap, Input{Daily: []model.PriceBar{prev, today}})
			if (ev != nil) != tt.fire {
				t.Fatalf("fired = %v, want %v", ev != nil, tt.fire)
			}
			if ev == nil {
				return
			}
			if ev.Severity != tt.sev {
				t.Errorf("severity = %v, want %v", ev.Severity, tt.sev)
			}
			if ev.Signals["gap_type"] != tt.gapType {
				t.Errorf("gap_type = %v, want %v", ev.Signals["gap_type"], tt.gapType)
			}
		})
	}
	if ev := run(t, detectGap, Input{Daily: []model.PriceBar{prev}}); ev != nil {
		t.Error("gap with a single daily bar")
	}
}

func TestFailedBreakout(t *testing.T) {
	daily := flatDaily(20, 100) // highs at 101
	rejected := bar(model.Daily, 20, 100, 102, 99, 99.5, 1)
	held := bar(model.Daily, 20, 100, 102, 99, 101.5, 1)

	if ev := run(t, detectFailedBreakout, Input{Daily: append(append([]model.PriceBar{}, daily...), rejected)}); ev == nil {
		t.Fatal("expected failed breakout")
	} else if ev.Severity != model.SeverityMedium || ev.Signals["n_day_high"].(float64) != 101 {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev := run(t, detectFailedBreakout, Input{Daily: append(append([]model.PriceBar{}, daily...), held)}); ev != nil {
		t.Error("close near the high must not fire")
	}
	if ev := run(t, detectFailedBreakout, Input{Daily: daily}); ev != nil {
		t.Error("fired with only 20 bars")
	}
}

func TestVolumeBreakoutAndDivergence(t *testing.T) {
	base := flatIntraday(5, 1000)
	tests := []struct {
		name     string
		last     model.PriceBar
		breakout bool
		sev      model.Severity
		diverge  bool
	}{
		{"2.5x with 1% move", bar(model.Intraday, 5, 100, 101.5, 100, 101, 2500), true, model.SeverityMedium, false},
		{"4x with 1% drop", bar(model.Intraday, 5, 100, 100, 98.5, 99, 4000), true, model.SeverityHigh, false},
		{"3x no move", bar(model.Intraday, 5, 100, 100.5, 99.5, 100.2, 3000), false, 0, false},
		{"thin volume rally", bar(model.Intraday, 5, 100, 101.5, 100, 101, 500), false, 0, true},
		{"thin volume small rally", bar(model.Intraday, 5, 100, 100.8, 100, 100.5, 500), false, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bars := append(append([]model.PriceBar{}, base...), tt.last)
			ev := run(t, detectVolumeBreakout, Input{Intraday: bars})
			if (ev != nil) != tt.breakout {
				t.Fatalf("breakout fired = %v, want %v", ev != nil, tt.breakout)
			}
			if ev != nil && ev.Severity != tt.sev {
				t.Errorf("severity = %v, want %v", ev.Severity, tt.sev)
			}
			if dv := run(t, detectVolumeDivergence, Input{Intraday: bars}); (dv != nil) != tt.diverge {
				t.Errorf("divergence fired = %v, want %v", dv != nil, tt.diverge)
			}
		})
	}
	if ev := run(t, detectVolumeBreakout, Input{Intraday: flatIntraday(5, 0)}); ev != nil {
		t.Error("fired with fewer than 6 bars")
	}
}

func TestVolumeClimax(t *testing.T) {
	bars := flatIntraday(19, 1000)
	bars = append(bars, bar(model.Intraday, 19, 100, 101, 99, 100, 5000))
	ev := run(t, detectVolumeClimax, Input{Intraday: bars})
	if ev == nil {
		t.Fatal("expected climax")
	}
	if ev.Signals["volume_rank"] != 1 {
		t.Errorf("rank = %v, want 1", ev.Signals["volume_rank"])
	}

	bars[5].Volume = 9000
	if ev := run(t, detectVolumeClimax, Input{Intraday: bars}); ev != nil {
		t.Error("fired when not the highest volume")
	}
	if ev := run(t, detectVolumeClimax, Input{Intraday: flatIntraday(20, 0)}); ev != nil {
		t.Error("fired on zero volume")
	}
	if ev := run(t, detectVolumeClimax, Input{Intraday: bars[:19]}); ev != nil {
		t.Error("fired with 19 bars")
	}
}

func crossSeries(tail []float64) []model.PriceBar {
	var bars []model.PriceBar
	for i := 0; i < 50; i++ {
		bars = append(bars, bar(model.Daily, i, 100, 101, 99, 100, 1))
	}
	for j, c := range tail {
		bars = append(bars, bar(model.Daily, 50+j, c, c+1, c-1, c, 1))
	}
	return bars
}

func TestMACross(t *testing.T) {
	// flat at 100 then a jump: yesterday MA20 == MA50, today MA20 > MA50
	golden := crossSeries([]float64{130})
	ev := run(t, detectMACross, Input{Daily: golden})
	if ev == nil || ev.Signals["cross_type"] != "golden" || ev.Severity != model.SeverityHigh {
		t.Fatalf("expected golden cross, got %+v", ev)
	}

	death := crossSeries([]float64{70})
	ev = run(t, detectMACross, Input{Daily: death})
	if ev == nil || ev.Signals["cross_type"] != "death" {
		t.Fatalf("expected death cross, got %+v", ev)
	}

	// already above: no new cross
	if ev := run(t, detectMACross, Input{Daily: crossSeries([]float64{130, 131})}); ev != nil {
		t.Errorf("unexpected cross %+v", ev.Signals)
	}
	if ev := run(t, detectMACross, Input{Daily: golden[:50]}); ev != nil {
		t.Error("fired with 50 bars")
	}
}

func TestRSIDetectors(t *testing.T) {
	tests := []struct {
		rsi  *float64
		code model.InsightCode
		sev  model.Severity
	}{
		{ptr(75), model.RSIOverbought, model.SeverityMedium},
		{ptr(85), model.RSIOverbought, model.SeverityHigh},
		{ptr(25), model.RSIOversold, model.SeverityMedium},
		{ptr(15), model.RSIOversold, model.SeverityHigh},
		{ptr(70), "", 0},
		{ptr(30), "", 0},
		{nil, "", 0},
	}
	for _, tt := range tests {
		snap := &model.MarketSnapshot{Symbol: "VIC", RSI14: tt.rsi, LastPrice: 50}
		over := run(t, detectRSIOverbought, Input{Snapshot: snap})
		under := run(t, detectRSIOversold, Input{Snapshot: snap})
		var got *model.InsightEvent
		switch tt.code {
		case model.RSIOverbought:
			got = over
			if under != nil {
				t.Errorf("oversold fired for %v", *tt.rsi)
			}
		case model.RSIOversold:
			got = under
			if over != nil {
				t.Errorf("overbought fired for %v", *tt.rsi)
			}
		default:
			if over != nil || under != nil {
				t.Errorf("fired for %v", tt.rsi)
			}
			continue
		}
		if got == nil {
			t.Errorf("%s did not fire for %v", tt.code, *tt.rsi)
			continue
		}
		if got.Severity != tt.sev {
			t.Errorf("%s severity = %v, want %v", tt.code, got.Severity, tt.sev)
		}
	}
}
