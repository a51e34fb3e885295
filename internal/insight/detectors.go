package insight

import (
	"context"
	"fmt"
	"math"
	"time"

	"MarketPulse/internal/calculator"
	"MarketPulse/internal/model"
)

// Input is everything a detector may look at for one symbol.
type Input struct {
	Symbol   string
	Snapshot *model.MarketSnapshot
	Intraday []model.PriceBar
	Daily    []model.PriceBar
	Now      time.Time
}

// DetectFunc returns nil when the pattern is absent.
type DetectFunc func(ctx context.Context, in Input) (*model.InsightEvent, error)

// Detector pairs a code with its rule.
type Detector struct {
	Code   model.InsightCode
	Detect DetectFunc
}

// Thresholds shared by the rules below.
const (
	bullishBodyMin   = 0.70
	bullishBodyHigh  = 0.85
	wickMin          = 0.50
	wickHigh         = 0.70
	gapMinPct        = 1.0
	gapHighPct       = 2.0
	breakoutDays     = 20
	breakoutReject   = 0.99
	volumeLookback   = 5
	volumeRatioMin   = 2.0
	volumeRatioHigh  = 3.0
	volumeMoveMinPct = 0.5
	divergeRatioMax  = 0.65
	divergeMoveMin   = 0.8
	climaxBars       = 20
	maFast           = 20
	maSlow           = 50
	rsiOverbought    = 70.0
	rsiOverboughtHi  = 80.0
	rsiOversold      = 30.0
	rsiOversoldHi    = 20.0
)

// DefaultDetectors is the fixed rule table in dispatch order.
func DefaultDetectors() []Detector {
	return []Detector{
		{model.BullishCandle, detectBullishCandle},
		{model.UpperWick, detectUpperWick},
		{model.GapOpen, detectGap},
		{model.FailedBreakout, detectFailedBreakout},
		{model.VolumeBreakout, detectVolumeBreakout},
		{model.VolumeDiverge, detectVolumeDivergence},
		{model.VolumeClimax, detectVolumeClimax},
		{model.MACross, detectMACross},
		{model.RSIOverbought, detectRSIOverbought},
		{model.RSIOversold, detectRSIOversold},
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func newEvent(in Input, code model.InsightCode, tf model.Timeframe, sev model.Severity, signals map[string]any, explanation string) *model.InsightEvent {
	return &model.InsightEvent{
		Code:           code,
		Symbol:         in.Symbol,
		Timeframe:      tf,
		Severity:       sev,
		Confidence:     1.0,
		Signals:        signals,
		RawExplanation: explanation,
		DetectedAt:     in.Now,
	}
}

func lastBar(bars []model.PriceBar) (model.PriceBar, bool) {
	if len(bars) == 0 {
		return model.PriceBar{}, false
	}
	return bars[len(bars)-1], true
}

// detectBullishCandle fires on a bullish bar whose body is at least 70% of its range.
func detectBullishCandle(_ context.Context, in Input) (*model.InsightEvent, error) {
	b, ok := lastBar(in.Intraday)
	if !ok || b.Range() <= 0 || !b.IsBullish() {
		return nil, nil
	}
	bodyPct := b.BodyPercent()
	if bodyPct < bullishBodyMin {
		return nil, nil
	}
	sev := model.SeverityMedium
	if bodyPct >= bullishBodyHigh {
		sev = model.SeverityHigh
	}
	change := calculator.PercentChange(b.Open, b.Close)
	return newEvent(in, model.BullishCandle, model.Intraday, sev, map[string]any{
		"body_percent":     round(bodyPct, 3),
		"close_change_pct": round(change, 2),
		"range":            b.Range(),
		"close":            b.Close,
	}, fmt.Sprintf("Strong bullish candle: body %.1f%% of range, %+.2f%% gain", bodyPct*100, change)), nil
}

// detectUpperWick fires when the upper shadow is at least half of the range.
func detectUpperWick(_ context.Context, in Input) (*model.InsightEvent, error) {
	b, ok := lastBar(in.Intraday)
	if !ok || b.Range() <= 0 {
		return nil, nil
	}
	wickPct := b.UpperWick() / b.Range()
	if wickPct < wickMin {
		return nil, nil
	}
	sev := model.SeverityMedium
	if wickPct >= wickHigh {
		sev = model.SeverityHigh
	}
	return newEvent(in, model.UpperWick, model.Intraday, sev, map[string]any{
		"wick_percent": round(wickPct, 3),
		"wick_size":    round(b.UpperWick(), 2),
		"range":        round(b.Range(), 2),
		"high":         b.High,
		"close":        b.Close,
	}, fmt.Sprintf("Long upper wick: %.1f%% of range (rejection pattern)", wickPct*100)), nil
}

// detectGap compares today's open with yesterday's high and low.
func detectGap(_ context.Context, in Input) (*model.InsightEvent, error) {
	if len(in.Daily) < 2 {
		return nil, nil
	}
	today := in.Daily[len(in.Daily)-1]
	prev := in.Daily[len(in.Daily)-2]

	var (
		gapType string
		ref     float64
		gapSize float64
	)
	switch {
	case today.Open > prev.High && prev.High > 0:
		gapType, ref, gapSize = "up", prev.High, today.Open-prev.High
	case today.Open < prev.Low && prev.Low > 0:
		gapType, ref, gapSize = "down", prev.Low, prev.Low-today.Open
	default:
		return nil, nil
	}
	gapPct := gapSize / ref * 100
	if gapPct <= gapMinPct {
		return nil, nil
	}
	sev := model.SeverityMedium
	if gapPct > gapHighPct {
		sev = model.SeverityHigh
	}
	signals := map[string]any{
		"gap_type":    gapType,
		"gap_size":    round(gapSize, 2),
		"gap_percent": round(gapPct, 2),
		"today_open":  today.Open,
		"prev_close":  prev.Close,
	}
	if gapType == "up" {
		signals["prev_high"] = prev.High
	} else {
		signals["prev_low"] = prev.Low
	}
	return newEvent(in, model.GapOpen, model.Daily, sev, signals,
		fmt.Sprintf("Gap %s: %.2f%% beyond yesterday's range", gapType, gapPct)), nil
}

// detectFailedBreakout fires when today touches the prior 20-day high but
// closes more than 1% below it.
func detectFailedBreakout(_ context.Context, in Input) (*model.InsightEvent, error) {
	if len(in.Daily) < breakoutDays+1 {
		return nil, nil
	}
	highs := make([]float64, len(in.Daily))
	for i, b := range in.Daily {
		highs[i] = b.High
	}
	nHigh, err := calculator.MaxHigh(highs, breakoutDays)
	if err != nil {
		return nil, err
	}
	today := in.Daily[len(in.Daily)-1]
	if today.High < nHigh || today.Close >= nHigh*breakoutReject {
		return nil, nil
	}
	rejection := today.High - today.Close
	rejectionPct := 0.0
	if today.High > 0 {
		rejectionPct = rejection / today.High * 100
	}
	return newEvent(in, model.FailedBreakout, model.Daily, model.SeverityMedium, map[string]any{
		"n_day_high":        round(nHigh, 2),
		"today_high":        round(today.High, 2),
		"today_close":       round(today.Close, 2),
		"rejection_size":    round(rejection, 2),
		"rejection_percent": round(rejectionPct, 2),
		"n_days":            breakoutDays,
	}, fmt.Sprintf("Failed breakout: touched %d-day high but closed %.2f%% below", breakoutDays, rejectionPct)), nil
}

// volumeContext returns the last bar, its volume ratio against the previous
// five bars and the close-to-close change in percent.
func volumeContext(bars []model.PriceBar) (last model.PriceBar, ratio, avg, change float64, ok bool) {
	if len(bars) < volumeLookback+1 {
		return last, 0, 0, 0, false
	}
	last = bars[len(bars)-1]
	prev := bars[len(bars)-volumeLookback-1 : len(bars)-1]
	avg = calculator.Mean(model.Volumes(prev))
	if avg <= 0 {
		return last, 0, 0, 0, false
	}
	ratio = float64(last.Volume) / avg
	change = calculator.PercentChange(bars[len(bars)-2].Close, last.Close)
	return last, ratio, avg, change, true
}

// detectVolumeBreakout fires on more than twice the trailing volume with a real price move.
func detectVolumeBreakout(_ context.Context, in Input) (*model.InsightEvent, error) {
	last, ratio, avg, change, ok := volumeContext(in.Intraday)
	if !ok || ratio <= volumeRatioMin || math.Abs(change) <= volumeMoveMinPct {
		return nil, nil
	}
	sev := model.SeverityMedium
	if ratio > volumeRatioHigh {
		sev = model.SeverityHigh
	}
	return newEvent(in, model.VolumeBreakout, model.Intraday, sev, map[string]any{
		"volume_ratio":     round(ratio, 2),
		"last_volume":      last.Volume,
		"avg_volume_5bar":  round(avg, 0),
		"price_change_pct": round(change, 2),
	}, fmt.Sprintf("High volume breakout: %.2fx avg volume, price %+.2f%%", ratio, change)), nil
}

// detectVolumeDivergence fires when price rises on thin volume.
func detectVolumeDivergence(_ context.Context, in Input) (*model.InsightEvent, error) {
	last, ratio, avg, change, ok := volumeContext(in.Intraday)
	if !ok || ratio >= divergeRatioMax || change <= divergeMoveMin {
		return nil, nil
	}
	return newEvent(in, model.VolumeDiverge, model.Intraday, model.SeverityMedium, map[string]any{
		"price_change_pct": round(change, 2),
		"volume_ratio":     round(ratio, 2),
		"last_volume":      last.Volume,
		"avg_volume_5bar":  round(avg, 0),
	}, fmt.Sprintf("Price %+.2f%% but volume %.0f%% of avg (divergence)", change, ratio*100)), nil
}

// detectVolumeClimax fires when the last bar has the highest volume of the last 20.
func detectVolumeClimax(_ context.Context, in Input) (*model.InsightEvent, error) {
	if len(in.Intraday) < climaxBars {
		return nil, nil
	}
	window := in.Intraday[len(in.Intraday)-climaxBars:]
	last := window[len(window)-1]
	if last.Volume <= 0 {
		return nil, nil
	}
	vols := model.Volumes(window)
	rank, err := calculator.Rank(vols, climaxBars)
	if err != nil {
		return nil, err
	}
	// top 5% of 20 bars is the single highest
	if rank > 1 {
		return nil, nil
	}
	avg := calculator.Mean(vols)
	ratio := 0.0
	if avg > 0 {
		ratio = float64(last.Volume) / avg
	}
	return newEvent(in, model.VolumeClimax, model.Intraday, model.SeverityMedium, map[string]any{
		"volume":              last.Volume,
		"volume_rank":         rank,
		"total_bars":          climaxBars,
		"volume_ratio_to_avg": round(ratio, 2),
		"avg_volume":          round(avg, 0),
	}, fmt.Sprintf("Volume climax: rank #%d/%d bars (%.2fx avg)", rank, climaxBars, ratio)), nil
}

// detectMACross compares MA20/MA50 today against the same averages one bar earlier.
func detectMACross(_ context.Context, in Input) (*model.InsightEvent, error) {
	if len(in.Daily) < maSlow+1 {
		return nil, nil
	}
	closes := model.Closes(in.Daily)
	fastNow, err := calculator.SMA(closes, maFast)
	if err != nil {
		return nil, err
	}
	slowNow, err := calculator.SMA(closes, maSlow)
	if err != nil {
		return nil, err
	}
	fastPrev, err := calculator.SMAPrev(closes, maFast)
	if err != nil {
		return nil, err
	}
	slowPrev, err := calculator.SMAPrev(closes, maSlow)
	if err != nil {
		return nil, err
	}

	var crossType string
	switch {
	case fastPrev <= slowPrev && fastNow > slowNow:
		crossType = "golden"
	case fastPrev >= slowPrev && fastNow < slowNow:
		crossType = "death"
	default:
		return nil, nil
	}
	verb := "above"
	if crossType == "death" {
		verb = "below"
	}
	return newEvent(in, model.MACross, model.Daily, model.SeverityHigh, map[string]any{
		"cross_type": crossType,
		"ma20":       round(fastNow, 2),
		"ma50":       round(slowNow, 2),
		"ma20_prev":  round(fastPrev, 2),
		"ma50_prev":  round(slowPrev, 2),
	}, fmt.Sprintf("%s cross: MA20 (%.2f) crossed %s MA50 (%.2f)", crossName(crossType), fastNow, verb, slowNow)), nil
}

func crossName(t string) string {
	if t == "golden" {
		return "Golden"
	}
	return "Death"
}

func detectRSIOverbought(_ context.Context, in Input) (*model.InsightEvent, error) {
	if in.Snapshot == nil || in.Snapshot.RSI14 == nil {
		return nil, nil
	}
	rsi := *in.Snapshot.RSI14
	if rsi <= rsiOverbought {
		return nil, nil
	}
	sev := model.SeverityMedium
	if rsi > rsiOverboughtHi {
		sev = model.SeverityHigh
	}
	return newEvent(in, model.RSIOverbought, model.Daily, sev, map[string]any{
		"rsi14":      round(rsi, 2),
		"threshold":  rsiOverbought,
		"last_price": in.Snapshot.LastPrice,
	}, fmt.Sprintf("RSI overbought: %.2f (> 70)", rsi)), nil
}

func detectRSIOversold(_ context.Context, in Input) (*model.InsightEvent, error) {
	if in.Snapshot == nil || in.Snapshot.RSI14 == nil {
		return nil, nil
	}
	rsi := *in.Snapshot.RSI14
	if rsi >= rsiOversold {
		return nil, nil
	}
	sev := model.SeverityMedium
	if rsi < rsiOversoldHi {
		sev = model.SeverityHigh
	}
	return newEvent(in, model.RSIOversold, model.Daily, sev, map[string]any{
		"rsi14":      round(rsi, 2),
		"threshold":  rsiOversold,
		"last_price": in.Snapshot.LastPrice,
	}, fmt.Sprintf("RSI oversold: %.2f (< 30)", rsi)), nil
}
