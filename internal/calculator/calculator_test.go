package calculator

import (
	"errors"
	"math"
	"testing"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestSMA(t *testing.T) {
	tests := []struct {
		name    string
		values  []float64
		period  int
		want    float64
		wantErr bool
	}{
		{"exact window", []float64{1, 2, 3}, 3, 2, false},
		{"uses tail", []float64{100, 1, 2, 3}, 3, 2, false},
		{"short series", []float64{1, 2}, 3, 0, true},
		{"bad period", []float64{1, 2}, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SMA(tt.values, tt.period)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !almostEqual(got, tt.want) {
				t.Errorf("SMA = %v, want %v", got, tt.want)
			}
		})
	}

	prev, err := SMAPrev([]float64{1, 2, 3, 10}, 3)
	if err != nil || !almostEqual(prev, 2) {
		t.Errorf("SMAPrev = %v, %v; want 2", prev, err)
	}
}

func TestRSI(t *testing.T) {
	rising := make([]float64, 15)
	for i := range rising {
		rising[i] = float64(100 + i)
	}
	got, err := RSI(rising, 14)
	if err != nil {
		t.Fatalf("RSI: %v", err)
	}
	if got != 100 {
		t.Errorf("all gains RSI = %v, want 100", got)
	}

	// 7 gains of 2, 7 losses of 1: RS = 2, RSI = 66.67
	alt := []float64{100}
	for i := 0; i < 7; i++ {
		alt = append(alt, alt[len(alt)-1]+2, alt[len(alt)-1]+1)
	}
	got, err = RSI(alt, 14)
	if err != nil {
		t.Fatalf("RSI: %v", err)
	}
	if math.Abs(got-(100-100.0/3)) > 1e-6 {
		t.Errorf("mixed RSI = %v, want 66.67", got)
	}

	falling := make([]float64, 15)
	for i := range falling {
		falling[i] = float64(200 - i)
	}
	got, _ = RSI(falling, 14)
	if got != 0 {
		t.Errorf("all losses RSI = %v, want 0", got)
	}

	if _, err := RSI(rising[:14], 14); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("expected ErrInsufficientData, got %v", err)
	}
}

func TestMaxHighExcludesLast(t *testing.T) {
	highs := []float64{5, 9, 7, 20}
	got, err := MaxHigh(highs, 3)
	if err != nil {
		t.Fatalf("MaxHigh: %v", err)
	}
	if got != 9 {
		t.Errorf("MaxHigh = %v, want 9", got)
	}
	if _, err := MaxHigh(highs, 4); err == nil {
		t.Error("expected error for short series")
	}
}

func TestRank(t *testing.T) {
	tests := []struct {
		values []float64
		want   int
	}{
		{[]float64{1, 2, 3, 10}, 1},
		{[]float64{10, 2, 3, 10}, 1},
		{[]float64{10, 20, 3, 5}, 3},
	}
	for _, tt := range tests {
		got, err := Rank(tt.values, len(tt.values))
		if err != nil {
			t.Fatalf("Rank: %v", err)
		}
		if got != tt.want {
			t.Errorf("Rank(%v) = %d, want %d", tt.values, got, tt.want)
		}
	}
}

func TestPercentChange(t *testing.T) {
	if got := PercentChange(100, 101); !almostEqual(got, 1) {
		t.Errorf("PercentChange = %v, want 1", got)
	}
	if got := PercentChange(0, 5); got != 0 {
		t.Errorf("PercentChange from 0 = %v, want 0", got)
	}
	if got := Mean(nil); got != 0 {
		t.Errorf("Mean(nil) = %v", got)
	}
}
