package analysis

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"market-analytics/internal/model"
)

// Weakly informative prior for the standalone estimator.
const (
	bayesPriorMean     = 0.0
	bayesPriorVariance = 0.01
	bayesPriorN        = 1.0
)

// BayesianAnalyzer estimates annualized drift and volatility from log
// returns with a conjugate normal update and a zero-mean prior. Unlike
// the momentum stage of the integrated pipeline it takes no hint from
// the trend analysis.
type BayesianAnalyzer struct{}

// NewBayesianAnalyzer returns a stateless analyzer.
func NewBayesianAnalyzer() *BayesianAnalyzer {
	return &BayesianAnalyzer{}
}

// Analyze derives posterior drift and volatility for the series.
// Fewer than two prices yield the zero-valued default.
func (b *BayesianAnalyzer) Analyze(prices []float64) *model.BayesianMetrics {
	returns := logReturns(prices)
	if len(returns) == 0 {
		return defaultBayesianMetrics()
	}

	sampleMean := stat.Mean(returns, nil)
	sampleVar := sampleVariance(returns)
	sampleSize := float64(len(returns))

	posteriorN := bayesPriorN + sampleSize
	posteriorMean := (bayesPriorN*bayesPriorMean + sampleSize*sampleMean) / posteriorN
	posteriorVariance := (bayesPriorN*bayesPriorVariance +
		sampleSize*sampleVar +
		(bayesPriorN*sampleSize/posteriorN)*math.Pow(sampleMean-bayesPriorMean, 2)) / posteriorN

	return &model.BayesianMetrics{
		Drift:         round8(posteriorMean * tradingDaysPerYear),
		Volatility:    round8(math.Sqrt(posteriorVariance * tradingDaysPerYear)),
		Confidence:    round8(baseConfidence(len(returns))),
		SampleSize:    len(returns),
		PriorMean:     bayesPriorMean,
		PriorVariance: bayesPriorVariance,
	}
}

func defaultBayesianMetrics() *model.BayesianMetrics {
	return &model.BayesianMetrics{PriorVariance: bayesPriorVariance}
}
