package analysis

import (
	"math"

	"github.com/shopspring/decimal"
)

// priceScale is the number of decimal places carried by statistical
// outputs (drift, volatility, probabilities, price levels).
const priceScale = 8

// percentScale is the number of decimal places carried by
// percentage-style outputs (trend percentage, expected change).
const percentScale = 2

// round8 rounds half away from zero to eight decimal places. Every
// stage of the analysis pipeline consumes the rounded outputs of the
// stage before it, so rounding here is part of the numeric contract,
// not presentation.
func round8(v float64) float64 {
	return roundScale(v, priceScale)
}

// round2 rounds half away from zero to two decimal places.
func round2(v float64) float64 {
	return roundScale(v, percentScale)
}

func roundScale(v float64, scale int32) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	f, _ := decimal.NewFromFloat(v).Round(scale).Float64()
	return f
}

// clamp01 restricts a confidence value to the closed unit interval.
func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
