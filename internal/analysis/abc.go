package analysis

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"market-analytics/internal/model"
)

// Pipeline defaults, overridable through configuration.
const (
	DefaultMinWindow   = 30
	DefaultSimulations = 10000
	DefaultHorizonDays = 7
)

const (
	// cusumThresholdMultiplier scales the window standard deviation
	// into the structural break threshold.
	cusumThresholdMultiplier = 3.0

	// highVolatilityThreshold is the annualized volatility above which
	// the pipeline demands recalibration.
	highVolatilityThreshold = 0.50

	// volatileRegimeThreshold splits the *_STABLE and *_VOLATILE
	// regime variants.
	volatileRegimeThreshold = 0.30

	// structuralBreakPenalty discounts confidence after a detected
	// break.
	structuralBreakPenalty = 0.7
)

// Holt double exponential smoothing coefficients, shared by the trend
// stage and the standalone forecaster.
const (
	holtAlpha = 0.3
	holtBeta  = 0.1
)

// ABCAnalyzer chains three stages over a rolling price window: Holt
// trend extraction with CUSUM structural break detection, a Bayesian
// momentum update whose prior is seeded by the trend stage, and Monte
// Carlo path simulation driven by the posterior drift and volatility.
// Each stage consumes the rounded outputs of the stage before it.
type ABCAnalyzer struct {
	minWindow   int
	simulations int
	horizonDays int
	simulator   *MonteCarloSimulator
}

// NewABCAnalyzer builds an analyzer with a clock-seeded simulator.
// Non-positive arguments fall back to the package defaults.
func NewABCAnalyzer(minWindow, simulations, horizonDays int) *ABCAnalyzer {
	return newABCAnalyzer(minWindow, simulations, horizonDays, NewMonteCarloSimulator())
}

// NewSeededABCAnalyzer pins the Monte Carlo random source so repeated
// runs over the same window produce identical results.
func NewSeededABCAnalyzer(minWindow, simulations, horizonDays int, seed int64) *ABCAnalyzer {
	return newABCAnalyzer(minWindow, simulations, horizonDays, NewSeededMonteCarloSimulator(seed))
}

func newABCAnalyzer(minWindow, simulations, horizonDays int, simulator *MonteCarloSimulator) *ABCAnalyzer {
	if minWindow <= 0 {
		minWindow = DefaultMinWindow
	}
	if simulations <= 0 {
		simulations = DefaultSimulations
	}
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}
	return &ABCAnalyzer{
		minWindow:   minWindow,
		simulations: simulations,
		horizonDays: horizonDays,
		simulator:   simulator,
	}
}

// Analyze runs the full pipeline over the price window. Windows
// shorter than the minimum, or a non-positive current price, yield the
// neutral default result instead of a partial read.
func (a *ABCAnalyzer) Analyze(prices []float64, currentPrice float64) *model.ABCAnalysisResult {
	if len(prices) < a.minWindow || currentPrice <= 0 {
		return defaultABCResult()
	}

	signal := a.trendSignal(prices)
	momentum := a.momentumMetrics(prices, signal)
	prediction := a.marketPrediction(currentPrice, momentum)

	return &model.ABCAnalysisResult{
		ArimaSignal:              signal,
		MomentumMetrics:          momentum,
		MarketPrediction:         prediction,
		ABCIntegrationConfidence: round8(integrationConfidence(signal, momentum)),
		NeedsRecalibration:       signal.StructuralBreakDetected || momentum.Volatility > highVolatilityThreshold,
		MarketRegime:             classifyRegime(signal, momentum, prediction),
	}
}

// trendSignal is stage one: Holt smoothing for the trend component and
// a CUSUM walk over the tail of the window for break detection.
func (a *ABCAnalyzer) trendSignal(prices []float64) *model.ARIMASignal {
	mean := stat.Mean(prices, nil)
	stdDev := stat.StdDev(prices, nil)

	_, trend := holtSmooth(prices)
	trendPct := (trend / mean) * 100.0

	cusum := cusumStatistic(prices, mean, stdDev)
	threshold := cusumThresholdMultiplier * stdDev
	structuralBreak := math.Abs(cusum) > threshold

	confidence := baseConfidence(len(prices))
	if structuralBreak {
		confidence *= structuralBreakPenalty
	}

	return &model.ARIMASignal{
		Trend:                   round8(trend),
		TrendPercentage:         round2(trendPct),
		StructuralBreakDetected: structuralBreak,
		Confidence:              round8(clamp01(confidence)),
		Description:             trendDescription(trendPct, structuralBreak),
		CusumStatistic:          round8(cusum),
		Threshold:               round8(threshold),
	}
}

// momentumMetrics is stage two: a conjugate normal update where the
// prior mean follows the trend stage and the prior weight grows with
// its confidence.
func (a *ABCAnalyzer) momentumMetrics(prices []float64, signal *model.ARIMASignal) *model.MomentumMetrics {
	returns := logReturns(prices)
	if len(returns) == 0 {
		return defaultMomentumMetrics()
	}

	priorMean := signal.Trend * 10.0
	priorVariance := 0.01 * (2.0 - signal.Confidence)
	priorN := 1.0 + signal.Confidence

	sampleMean := stat.Mean(returns, nil)
	sampleVar := sampleVariance(returns)
	sampleSize := float64(len(returns))

	posteriorN := priorN + sampleSize
	posteriorMean := (priorN*priorMean + sampleSize*sampleMean) / posteriorN
	posteriorVariance := (priorN*priorVariance +
		sampleSize*sampleVar +
		(priorN*sampleSize/posteriorN)*math.Pow(sampleMean-priorMean, 2)) / posteriorN

	confidence := baseConfidence(len(returns))
	if signal.StructuralBreakDetected {
		confidence *= structuralBreakPenalty
	}

	return &model.MomentumMetrics{
		Drift:             round8(posteriorMean * tradingDaysPerYear),
		Volatility:        round8(math.Sqrt(posteriorVariance * tradingDaysPerYear)),
		Confidence:        round8(confidence),
		PriorMean:         round8(priorMean),
		PosteriorMean:     round8(posteriorMean),
		PriorVariance:     round8(priorVariance),
		PosteriorVariance: round8(posteriorVariance),
	}
}

// marketPrediction is stage three: Monte Carlo paths from the current
// price using the posterior drift and volatility, summarized into
// probabilities and percentile price targets.
func (a *ABCAnalyzer) marketPrediction(currentPrice float64, momentum *model.MomentumMetrics) *model.MarketPrediction {
	mc := a.simulator.Simulate(currentPrice, momentum.Drift, momentum.Volatility, a.simulations, a.horizonDays)

	probNeutral := 1.0 - mc.ProbabilityUp - mc.ProbabilityDown

	targets := make([]model.PriceTarget, 0, len(mc.Percentiles))
	for _, p := range mc.Percentiles {
		changePct := ((p.Value - currentPrice) / currentPrice) * 100.0
		targets = append(targets, model.PriceTarget{
			Percentile:    p.Level,
			Price:         p.Value,
			ChangePercent: round2(changePct),
		})
	}

	return &model.MarketPrediction{
		ProbabilityUp:              round8(mc.ProbabilityUp),
		ProbabilityDown:            round8(mc.ProbabilityDown),
		ProbabilityNeutral:         round8(math.Max(0, probNeutral)),
		ExpectedPriceChange:        round2(currentPrice * mc.ExpectedReturn),
		ExpectedPriceChangePercent: round2(mc.ExpectedReturn * 100.0),
		MostLikelyScenario:         likelyScenario(mc.ProbabilityUp, mc.ProbabilityDown, probNeutral),
		PriceTargets:               targets,
	}
}

// holtSmooth runs Holt's double exponential smoothing and returns the
// final level and trend components.
func holtSmooth(prices []float64) (level, trend float64) {
	if len(prices) < 2 {
		return 0, 0
	}

	level = prices[0]
	trend = (prices[len(prices)-1] - prices[0]) / float64(len(prices))

	for i := 1; i < len(prices); i++ {
		prevLevel := level
		level = holtAlpha*prices[i] + (1-holtAlpha)*(level+trend)
		trend = holtBeta*(level-prevLevel) + (1-holtBeta)*trend
	}
	return level, trend
}

// cusumStatistic walks the last 30% of the window and tracks the
// largest cumulative standardized deviation from the window mean.
// Short or flat windows report zero.
func cusumStatistic(prices []float64, mean, stdDev float64) float64 {
	if len(prices) < 10 || stdDev == 0 {
		return 0
	}

	monitorStart := int(float64(len(prices)) * 0.7)
	cusum := 0.0
	maxCusum := 0.0
	for i := monitorStart; i < len(prices); i++ {
		cusum += (prices[i] - mean) / stdDev
		if math.Abs(cusum) > maxCusum {
			maxCusum = math.Abs(cusum)
		}
	}
	return maxCusum
}

// logReturns produces one log return per adjacent pair. A pair with a
// non-positive price leaves a zero in its slot so the sample size
// stays tied to the window length.
func logReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i] > 0 && prices[i-1] > 0 {
			returns[i-1] = math.Log(prices[i] / prices[i-1])
		}
	}
	return returns
}

// baseConfidence grows with sample size and approaches one
// asymptotically.
func baseConfidence(n int) float64 {
	return 1.0 - 1.0/math.Sqrt(float64(n)+1)
}

// sampleVariance is the n-1 estimator with a zero result for a single
// observation.
func sampleVariance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return stat.Variance(xs, nil)
}

func trendDescription(trendPercentage float64, structuralBreak bool) string {
	suffix := ""
	if structuralBreak {
		suffix = " [STRUCTURAL BREAK DETECTED]"
	}

	if math.Abs(trendPercentage) < 1.0 {
		return "Price stable" + suffix
	}
	if trendPercentage > 0 {
		return fmt.Sprintf("Price increasing %.2f%% in trend", trendPercentage) + suffix
	}
	return fmt.Sprintf("Price decreasing %.2f%% in trend", math.Abs(trendPercentage)) + suffix
}

// integrationConfidence is the geometric mean of the stage confidences
// discounted after a structural break.
func integrationConfidence(signal *model.ARIMASignal, momentum *model.MomentumMetrics) float64 {
	stability := 1.0
	if signal.StructuralBreakDetected {
		stability = structuralBreakPenalty
	}
	return math.Sqrt(signal.Confidence*momentum.Confidence) * stability
}

// classifyRegime folds the three stages into one of the named market
// regimes. Break detection wins outright, then raw volatility, then a
// two-of-three vote across trend, drift and simulated upside.
func classifyRegime(signal *model.ARIMASignal, momentum *model.MomentumMetrics, prediction *model.MarketPrediction) string {
	if signal.StructuralBreakDetected {
		return model.RegimeChange
	}
	if momentum.Volatility > highVolatilityThreshold {
		return model.RegimeHighVolatility
	}

	bullish := 0
	if signal.TrendPercentage > 2.0 {
		bullish++
	}
	if momentum.Drift > 0.05 {
		bullish++
	}
	if prediction.ProbabilityUp > 0.6 {
		bullish++
	}
	if bullish >= 2 {
		if momentum.Volatility > volatileRegimeThreshold {
			return model.RegimeBullishVolatile
		}
		return model.RegimeBullishStable
	}

	bearish := 0
	if signal.TrendPercentage < -2.0 {
		bearish++
	}
	if momentum.Drift < -0.05 {
		bearish++
	}
	if prediction.ProbabilityUp < 0.4 {
		bearish++
	}
	if bearish >= 2 {
		if momentum.Volatility > volatileRegimeThreshold {
			return model.RegimeBearishVolatile
		}
		return model.RegimeBearishStable
	}

	if momentum.Volatility > volatileRegimeThreshold {
		return model.RegimeNeutralVolatile
	}
	return model.RegimeNeutralStable
}

func likelyScenario(probUp, probDown, probNeutral float64) string {
	if probUp > probDown && probUp > probNeutral {
		return model.ScenarioUp
	}
	if probDown > probUp && probDown > probNeutral {
		return model.ScenarioDown
	}
	return model.ScenarioSideways
}

func defaultABCResult() *model.ABCAnalysisResult {
	return &model.ABCAnalysisResult{
		ArimaSignal:              defaultARIMASignal(),
		MomentumMetrics:          defaultMomentumMetrics(),
		MarketPrediction:         defaultMarketPrediction(),
		ABCIntegrationConfidence: 0,
		NeedsRecalibration:       false,
		MarketRegime:             model.RegimeUnknown,
	}
}

func defaultARIMASignal() *model.ARIMASignal {
	return &model.ARIMASignal{Description: "Insufficient data"}
}

func defaultMomentumMetrics() *model.MomentumMetrics {
	return &model.MomentumMetrics{PriorVariance: 0.01}
}

func defaultMarketPrediction() *model.MarketPrediction {
	return &model.MarketPrediction{
		ProbabilityUp:      0.5,
		ProbabilityDown:    0.5,
		MostLikelyScenario: model.ScenarioUnknown,
		PriceTargets:       []model.PriceTarget{},
	}
}
