package calculator

import (
	"errors"
	"math"
)

// MaxHigh returns the highest value in the n elements preceding the last one.
// Used for "prior N-day high" comparisons where today is excluded.
func MaxHigh(highs []float64, n int) (float64, error) {
	if n <= 0 {
		return 0, errors.New("n must be positive")
	}
	if len(highs) < n+1 {
		return 0, ErrInsufficientData
	}
	high := math.Inf(-1)
	for _, h := range highs[len(highs)-n-1 : len(highs)-1] {
		if h > high {
			high = h
		}
	}
	return high, nil
}

// Rank returns the 1-based rank of the last value within the trailing n
// values, highest first. Ties rank equal to the best of them.
func Rank(values []float64, n int) (int, error) {
	if n <= 0 {
		return 0, errors.New("n must be positive")
	}
	if len(values) < n {
		return 0, ErrInsufficientData
	}
	window := values[len(values)-n:]
	last := window[len(window)-1]
	rank := 1
	for _, v := range window[:len(window)-1] {
		if v > last {
			rank++
		}
	}
	return rank, nil
}

// PercentChange returns (to-from)/from*100, 0 when from is 0.
func PercentChange(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return (to - from) / from * 100
}
