// Package model defines the wire-level domain records shared by the
// ingest, analytics, and broadcast services. Field names and JSON casing
// are part of the external contract; downstream consumers depend on them.
package model

import "time"

// Market regime labels emitted by the analyzer. Closed set.
const (
	RegimeBullishStable   = "BULLISH_STABLE"
	RegimeBullishVolatile = "BULLISH_VOLATILE"
	RegimeBearishStable   = "BEARISH_STABLE"
	RegimeBearishVolatile = "BEARISH_VOLATILE"
	RegimeNeutralStable   = "NEUTRAL_STABLE"
	RegimeNeutralVolatile = "NEUTRAL_VOLATILE"
	RegimeChange          = "REGIME_CHANGE"
	RegimeHighVolatility  = "HIGH_VOLATILITY"
	RegimeUnknown         = "UNKNOWN"
)

// Most-likely-scenario labels for the Monte Carlo prediction.
const (
	ScenarioUp       = "UPWARD_MOVEMENT"
	ScenarioDown     = "DOWNWARD_MOVEMENT"
	ScenarioSideways = "SIDEWAYS_MOVEMENT"
	ScenarioUnknown  = "UNKNOWN"
)

// MarketTick is a single normalized market observation. Created by the
// ingest decoder, never mutated afterwards.
type MarketTick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
	Exchange  string    `json:"exchange"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
	High      float64   `json:"high,omitempty"`
	Low       float64   `json:"low,omitempty"`
	Open      float64   `json:"open,omitempty"`
}

// MarketSnapshot is the composite analytical output for one symbol at one
// instant. Stored under latest_snapshot:<symbol> and pushed to WebSocket
// subscribers as-is.
type MarketSnapshot struct {
	Symbol            string             `json:"symbol"`
	Timestamp         time.Time          `json:"timestamp"`
	CurrentPrice      float64            `json:"currentPrice"`
	BayesianMetrics   *BayesianMetrics   `json:"bayesianMetrics"`
	ArimaForecast     *ArimaForecast     `json:"arimaForecast"`
	MonteCarloResults *MonteCarloResults `json:"monteCarloResults"`
	MarketState       string             `json:"marketState"`
	ABCAnalysis       *ABCAnalysisResult `json:"abcAnalysis"`
}

// ABCAnalysisResult bundles the three analysis stages with the combined
// confidence, the recalibration flag, and the regime classification.
type ABCAnalysisResult struct {
	ArimaSignal              *ARIMASignal      `json:"arimaSignal"`
	MomentumMetrics          *MomentumMetrics  `json:"momentumMetrics"`
	MarketPrediction         *MarketPrediction `json:"marketPrediction"`
	ABCIntegrationConfidence float64           `json:"abcIntegrationConfidence"`
	NeedsRecalibration       bool              `json:"needsRecalibration"`
	MarketRegime             string            `json:"marketRegime"`
}

// ARIMASignal carries the smoothed trend estimate and the CUSUM
// structural-break statistic.
type ARIMASignal struct {
	Trend                   float64 `json:"trend"`
	TrendPercentage         float64 `json:"trendPercentage"`
	StructuralBreakDetected bool    `json:"structuralBreakDetected"`
	Confidence              float64 `json:"confidence"`
	Description             string  `json:"description"`
	CusumStatistic          float64 `json:"cusumStatistic"`
	Threshold               float64 `json:"threshold"`
}

// MomentumMetrics is the Bayesian posterior over annualised log-return
// drift and volatility.
type MomentumMetrics struct {
	Drift             float64 `json:"drift"`
	Volatility        float64 `json:"volatility"`
	Confidence        float64 `json:"confidence"`
	PriorMean         float64 `json:"priorMean"`
	PosteriorMean     float64 `json:"posteriorMean"`
	PriorVariance     float64 `json:"priorVariance"`
	PosteriorVariance float64 `json:"posteriorVariance"`
}

// MarketPrediction is the Monte Carlo view of the forecast horizon.
// PriceTargets always carries the 5/25/50/75/95 percentiles in order.
type MarketPrediction struct {
	ProbabilityUp              float64       `json:"probabilityUp"`
	ProbabilityDown            float64       `json:"probabilityDown"`
	ProbabilityNeutral         float64       `json:"probabilityNeutral"`
	ExpectedPriceChange        float64       `json:"expectedPriceChange"`
	ExpectedPriceChangePercent float64       `json:"expectedPriceChangePercent"`
	MostLikelyScenario         string        `json:"mostLikelyScenario"`
	PriceTargets               []PriceTarget `json:"priceTargets"`
}

// PriceTarget is one percentile of the simulated terminal distribution.
type PriceTarget struct {
	Percentile    int     `json:"percentile"`
	Price         float64 `json:"price"`
	ChangePercent float64 `json:"changePercent"`
}

// MonteCarloResults is the risk-metric block of the snapshot.
type MonteCarloResults struct {
	Simulations     int               `json:"simulations"`
	ProbabilityUp   float64           `json:"probabilityUp"`
	ProbabilityDown float64           `json:"probabilityDown"`
	ExpectedReturn  float64           `json:"expectedReturn"`
	ValueAtRisk95   float64           `json:"valueAtRisk95"`
	ValueAtRisk99   float64           `json:"valueAtRisk99"`
	ConditionalVaR  float64           `json:"conditionalVaR"`
	Percentiles     []PercentileValue `json:"percentiles"`
}

// PercentileValue pairs a percentile level with the simulated price.
type PercentileValue struct {
	Level int     `json:"level"`
	Value float64 `json:"value"`
}

// BayesianMetrics is the legacy zero-mean-prior posterior block kept for
// snapshot compatibility.
type BayesianMetrics struct {
	Drift         float64 `json:"drift"`
	Volatility    float64 `json:"volatility"`
	Confidence    float64 `json:"confidence"`
	SampleSize    int     `json:"sampleSize"`
	PriorMean     float64 `json:"priorMean"`
	PriorVariance float64 `json:"priorVariance"`
}

// ArimaForecast is the legacy linear level+trend forecast block.
type ArimaForecast struct {
	Predictions             []float64 `json:"predictions"`
	ConfidenceIntervalLower []float64 `json:"confidenceIntervalLower"`
	ConfidenceIntervalUpper []float64 `json:"confidenceIntervalUpper"`
	Horizon                 int       `json:"horizon"`
	ModelOrder              string    `json:"modelOrder"`
	AIC                     float64   `json:"aic"`
}
