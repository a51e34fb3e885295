package calculator

import (
	"errors"

	"gonum.org/v1/gonum/stat"
)

// ErrInsufficientData is returned when a series is shorter than the period.
var ErrInsufficientData = errors.New("not enough data")

// SMA computes the simple moving average of the last period values.
func SMA(values []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, errors.New("period must be positive")
	}
	if len(values) < period {
		return 0, ErrInsufficientData
	}
	return stat.Mean(values[len(values)-period:], nil), nil
}

// SMAPrev computes the SMA of the window ending one element before the last,
// i.e. yesterday's moving average when values are daily closes.
func SMAPrev(values []float64, period int) (float64, error) {
	if len(values) == 0 {
		return 0, ErrInsufficientData
	}
	return SMA(values[:len(values)-1], period)
}

// Mean is the arithmetic mean, 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}
