package analysis

import (
	"math"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"market-analytics/internal/model"
)

func linearSeries(start, step float64, n int) []float64 {
	prices := make([]float64, n)
	for i := range prices {
		prices[i] = start + step*float64(i)
	}
	return prices
}

func flatSeries(price float64, n int) []float64 {
	prices := make([]float64, n)
	for i := range prices {
		prices[i] = price
	}
	return prices
}

// TestAnalyzeInsufficientWindow tests the default result below the
// minimum window size
func TestAnalyzeInsufficientWindow(t *testing.T) {
	analyzer := NewSeededABCAnalyzer(30, 500, 7, 1)

	result := analyzer.Analyze(linearSeries(100, 1, 29), 128)

	if result.MarketRegime != model.RegimeUnknown {
		t.Errorf("Expected regime %s, got %s", model.RegimeUnknown, result.MarketRegime)
	}
	if result.ABCIntegrationConfidence != 0 {
		t.Errorf("Expected zero integration confidence, got %v", result.ABCIntegrationConfidence)
	}
	if result.NeedsRecalibration {
		t.Error("Expected no recalibration flag on the default result")
	}
	if result.ArimaSignal.Description != "Insufficient data" {
		t.Errorf("Expected default description, got %q", result.ArimaSignal.Description)
	}
	if result.MomentumMetrics.PriorVariance != 0.01 {
		t.Errorf("Expected default prior variance 0.01, got %v", result.MomentumMetrics.PriorVariance)
	}
	if result.MarketPrediction.ProbabilityUp != 0.5 || result.MarketPrediction.ProbabilityDown != 0.5 {
		t.Errorf("Expected coin-flip default probabilities, got up=%v down=%v",
			result.MarketPrediction.ProbabilityUp, result.MarketPrediction.ProbabilityDown)
	}
	if result.MarketPrediction.MostLikelyScenario != model.ScenarioUnknown {
		t.Errorf("Expected scenario %s, got %s", model.ScenarioUnknown, result.MarketPrediction.MostLikelyScenario)
	}
	if result.MarketPrediction.PriceTargets == nil || len(result.MarketPrediction.PriceTargets) != 0 {
		t.Errorf("Expected empty price targets, got %v", result.MarketPrediction.PriceTargets)
	}
}

// TestAnalyzeZeroCurrentPrice tests that a missing current price also
// yields the default result
func TestAnalyzeZeroCurrentPrice(t *testing.T) {
	analyzer := NewSeededABCAnalyzer(30, 500, 7, 1)

	result := analyzer.Analyze(linearSeries(100, 1, 50), 0)

	if result.MarketRegime != model.RegimeUnknown {
		t.Errorf("Expected regime %s, got %s", model.RegimeUnknown, result.MarketRegime)
	}
}

// TestAnalyzeFlatWindow tests a constant price series: no structural
// break and no drift, with residual volatility from the prior alone
func TestAnalyzeFlatWindow(t *testing.T) {
	analyzer := NewSeededABCAnalyzer(30, 4000, 7, 17)

	result := analyzer.Analyze(flatSeries(100, 50), 100)

	signal := result.ArimaSignal
	if signal.StructuralBreakDetected {
		t.Error("Expected no structural break on a flat series")
	}
	if signal.CusumStatistic != 0 {
		t.Errorf("Expected zero CUSUM statistic, got %v", signal.CusumStatistic)
	}
	if signal.Threshold != 0 {
		t.Errorf("Expected zero threshold, got %v", signal.Threshold)
	}
	if signal.Trend != 0 {
		t.Errorf("Expected zero trend, got %v", signal.Trend)
	}
	if signal.Description != "Price stable" {
		t.Errorf("Expected stable description, got %q", signal.Description)
	}

	momentum := result.MomentumMetrics
	if momentum.Drift != 0 {
		t.Errorf("Expected zero drift, got %v", momentum.Drift)
	}
	if momentum.Volatility <= 0.30 || momentum.Volatility >= 0.40 {
		t.Errorf("Expected prior-driven volatility just above 0.30, got %v", momentum.Volatility)
	}

	if result.NeedsRecalibration {
		t.Error("Expected no recalibration for a flat series")
	}
	if result.MarketRegime != model.RegimeNeutralVolatile {
		t.Errorf("Expected regime %s, got %s", model.RegimeNeutralVolatile, result.MarketRegime)
	}
}

// TestAnalyzeLinearUptrend tests a steady rise: increasing description,
// positive drift, and a prior mismatch large enough to flag volatility
func TestAnalyzeLinearUptrend(t *testing.T) {
	analyzer := NewSeededABCAnalyzer(30, 1000, 7, 5)
	prices := linearSeries(100, 2, 50)

	result := analyzer.Analyze(prices, prices[len(prices)-1])

	signal := result.ArimaSignal
	if signal.StructuralBreakDetected {
		t.Error("Expected no structural break on a smooth uptrend")
	}
	if signal.TrendPercentage <= 1.0 || signal.TrendPercentage >= 2.0 {
		t.Errorf("Expected trend percentage between 1 and 2, got %v", signal.TrendPercentage)
	}
	if !strings.HasPrefix(signal.Description, "Price increasing") {
		t.Errorf("Expected increasing description, got %q", signal.Description)
	}

	momentum := result.MomentumMetrics
	if momentum.Drift <= 0 {
		t.Errorf("Expected positive drift, got %v", momentum.Drift)
	}
	if momentum.PriorMean != round8(signal.Trend*10.0) {
		t.Errorf("Expected prior mean derived from the trend, got %v for trend %v",
			momentum.PriorMean, signal.Trend)
	}
	if momentum.Volatility <= highVolatilityThreshold {
		t.Errorf("Expected volatility above %v from the prior mismatch, got %v",
			highVolatilityThreshold, momentum.Volatility)
	}

	if !result.NeedsRecalibration {
		t.Error("Expected recalibration for high volatility")
	}
	if result.MarketRegime != model.RegimeHighVolatility {
		t.Errorf("Expected regime %s, got %s", model.RegimeHighVolatility, result.MarketRegime)
	}
}

// TestAnalyzeLinearDowntrend tests the mirrored decline
func TestAnalyzeLinearDowntrend(t *testing.T) {
	analyzer := NewSeededABCAnalyzer(30, 1000, 7, 5)
	prices := linearSeries(198, -2, 50)

	result := analyzer.Analyze(prices, prices[len(prices)-1])

	signal := result.ArimaSignal
	if signal.StructuralBreakDetected {
		t.Error("Expected no structural break on a smooth downtrend")
	}
	if signal.TrendPercentage >= -1.0 {
		t.Errorf("Expected trend percentage below -1, got %v", signal.TrendPercentage)
	}
	if !strings.HasPrefix(signal.Description, "Price decreasing") {
		t.Errorf("Expected decreasing description, got %q", signal.Description)
	}
	if result.MomentumMetrics.Drift >= 0 {
		t.Errorf("Expected negative drift, got %v", result.MomentumMetrics.Drift)
	}
}

// TestAnalyzeStructuralBreak tests a level shift on a small-priced
// series, where the CUSUM statistic dwarfs the price-scaled threshold
func TestAnalyzeStructuralBreak(t *testing.T) {
	analyzer := NewSeededABCAnalyzer(30, 1000, 7, 5)
	prices := append(flatSeries(0.50, 40), flatSeries(0.55, 10)...)

	result := analyzer.Analyze(prices, 0.55)

	signal := result.ArimaSignal
	if !signal.StructuralBreakDetected {
		t.Fatal("Expected a structural break after the level shift")
	}
	if signal.CusumStatistic <= signal.Threshold {
		t.Errorf("Expected CUSUM %v above threshold %v", signal.CusumStatistic, signal.Threshold)
	}
	if signal.Description != "Price stable [STRUCTURAL BREAK DETECTED]" {
		t.Errorf("Expected break suffix on stable description, got %q", signal.Description)
	}
	if signal.Confidence >= baseConfidence(len(prices)) {
		t.Errorf("Expected penalized confidence below %v, got %v",
			baseConfidence(len(prices)), signal.Confidence)
	}

	if result.MarketRegime != model.RegimeChange {
		t.Errorf("Expected regime %s, got %s", model.RegimeChange, result.MarketRegime)
	}
	if !result.NeedsRecalibration {
		t.Error("Expected recalibration after a structural break")
	}
}

// TestAnalyzePriceTargets tests the five percentile price targets
func TestAnalyzePriceTargets(t *testing.T) {
	analyzer := NewSeededABCAnalyzer(30, 1000, 7, 21)
	prices := linearSeries(100, 2, 50)
	currentPrice := prices[len(prices)-1]

	result := analyzer.Analyze(prices, currentPrice)

	targets := result.MarketPrediction.PriceTargets
	if len(targets) != 5 {
		t.Fatalf("Expected 5 price targets, got %d", len(targets))
	}

	expectedLevels := []int{5, 25, 50, 75, 95}
	for i, target := range targets {
		if target.Percentile != expectedLevels[i] {
			t.Errorf("Expected percentile %d at position %d, got %d", expectedLevels[i], i, target.Percentile)
		}
		if i > 0 && target.Price < targets[i-1].Price {
			t.Errorf("Expected non-decreasing target prices, got %v after %v",
				target.Price, targets[i-1].Price)
		}
		expectedChange := round2(((target.Price - currentPrice) / currentPrice) * 100.0)
		if target.ChangePercent != expectedChange {
			t.Errorf("Expected change percent %v for target %d, got %v",
				expectedChange, target.Percentile, target.ChangePercent)
		}
	}
}

// TestAnalyzeInvariantsOnNoise tests the documented invariants over a
// pseudo-random walk
func TestAnalyzeInvariantsOnNoise(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	prices := make([]float64, 120)
	price := 100.0
	for i := range prices {
		price *= 1 + 0.002*rng.NormFloat64()
		prices[i] = price
	}

	analyzer := NewSeededABCAnalyzer(30, 2000, 7, 3)
	result := analyzer.Analyze(prices, prices[len(prices)-1])

	prediction := result.MarketPrediction
	if prediction.ProbabilityUp < 0 || prediction.ProbabilityUp > 1 {
		t.Errorf("Expected probabilityUp in [0,1], got %v", prediction.ProbabilityUp)
	}
	if prediction.ProbabilityDown < 0 || prediction.ProbabilityDown > 1 {
		t.Errorf("Expected probabilityDown in [0,1], got %v", prediction.ProbabilityDown)
	}
	if math.Abs(prediction.ProbabilityUp+prediction.ProbabilityDown-1.0) > 1e-9 {
		t.Errorf("Expected up and down probabilities to sum to 1, got %v",
			prediction.ProbabilityUp+prediction.ProbabilityDown)
	}
	if prediction.ProbabilityNeutral < 0 {
		t.Errorf("Expected non-negative neutral probability, got %v", prediction.ProbabilityNeutral)
	}

	if result.MomentumMetrics.Volatility < 0 {
		t.Errorf("Expected non-negative volatility, got %v", result.MomentumMetrics.Volatility)
	}
	for name, confidence := range map[string]float64{
		"arima":       result.ArimaSignal.Confidence,
		"momentum":    result.MomentumMetrics.Confidence,
		"integration": result.ABCIntegrationConfidence,
	} {
		if confidence < 0 || confidence > 1 {
			t.Errorf("Expected %s confidence in [0,1], got %v", name, confidence)
		}
	}

	validRegimes := map[string]bool{
		model.RegimeBullishStable:   true,
		model.RegimeBullishVolatile: true,
		model.RegimeBearishStable:   true,
		model.RegimeBearishVolatile: true,
		model.RegimeNeutralStable:   true,
		model.RegimeNeutralVolatile: true,
		model.RegimeChange:          true,
		model.RegimeHighVolatility:  true,
	}
	if !validRegimes[result.MarketRegime] {
		t.Errorf("Unexpected regime %q", result.MarketRegime)
	}

	expectedRecalibration := result.ArimaSignal.StructuralBreakDetected ||
		result.MomentumMetrics.Volatility > highVolatilityThreshold
	if result.NeedsRecalibration != expectedRecalibration {
		t.Errorf("Expected recalibration %v, got %v", expectedRecalibration, result.NeedsRecalibration)
	}
}

// TestAnalyzeDeterministicStages tests that the trend and momentum
// stages do not depend on the simulation seed, and that equal seeds
// reproduce the whole result
func TestAnalyzeDeterministicStages(t *testing.T) {
	prices := linearSeries(100, 1, 60)

	a := NewSeededABCAnalyzer(30, 500, 7, 1).Analyze(prices, 159)
	b := NewSeededABCAnalyzer(30, 500, 7, 2).Analyze(prices, 159)

	if !reflect.DeepEqual(a.ArimaSignal, b.ArimaSignal) {
		t.Errorf("Expected seed-independent trend stage, got %+v and %+v", a.ArimaSignal, b.ArimaSignal)
	}
	if !reflect.DeepEqual(a.MomentumMetrics, b.MomentumMetrics) {
		t.Errorf("Expected seed-independent momentum stage, got %+v and %+v",
			a.MomentumMetrics, b.MomentumMetrics)
	}

	c := NewSeededABCAnalyzer(30, 500, 7, 9).Analyze(prices, 159)
	d := NewSeededABCAnalyzer(30, 500, 7, 9).Analyze(prices, 159)
	if !reflect.DeepEqual(c, d) {
		t.Error("Expected identical results for identical seeds")
	}
}

// TestClassifyRegime tests the regime ladder on handcrafted stage
// outputs, including the strict volatility boundaries
func TestClassifyRegime(t *testing.T) {
	cases := []struct {
		name       string
		breakFlag  bool
		trendPct   float64
		drift      float64
		volatility float64
		probUp     float64
		expected   string
	}{
		{"break wins over volatility", true, 5, 0.2, 0.9, 0.9, model.RegimeChange},
		{"volatility just above threshold", false, 0, 0, 0.51, 0.5, model.RegimeHighVolatility},
		{"volatility exactly at threshold is not high", false, 0, 0, 0.50, 0.5, model.RegimeNeutralVolatile},
		{"two bullish votes stable", false, 3, 0.06, 0.10, 0.5, model.RegimeBullishStable},
		{"two bullish votes volatile", false, 3, 0.06, 0.31, 0.5, model.RegimeBullishVolatile},
		{"three bullish votes", false, 3, 0.06, 0.10, 0.7, model.RegimeBullishStable},
		{"two bearish votes stable", false, -3, -0.06, 0.20, 0.5, model.RegimeBearishStable},
		{"bearish via probability", false, 0, -0.06, 0.20, 0.39, model.RegimeBearishStable},
		{"single bullish vote is neutral", false, 3, 0, 0.20, 0.5, model.RegimeNeutralStable},
		{"votes at exact thresholds do not count", false, 2.0, 0.05, 0.20, 0.6, model.RegimeNeutralStable},
		{"neutral volatile boundary is strict", false, 0, 0, 0.30, 0.5, model.RegimeNeutralStable},
	}

	for _, tc := range cases {
		signal := &model.ARIMASignal{
			StructuralBreakDetected: tc.breakFlag,
			TrendPercentage:         tc.trendPct,
		}
		momentum := &model.MomentumMetrics{Drift: tc.drift, Volatility: tc.volatility}
		prediction := &model.MarketPrediction{ProbabilityUp: tc.probUp}

		regime := classifyRegime(signal, momentum, prediction)
		if regime != tc.expected {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.expected, regime)
		}
	}
}

// TestLikelyScenario tests scenario selection including ties
func TestLikelyScenario(t *testing.T) {
	cases := []struct {
		probUp, probDown, probNeutral float64
		expected                      string
	}{
		{0.7, 0.3, 0.0, model.ScenarioUp},
		{0.3, 0.7, 0.0, model.ScenarioDown},
		{0.2, 0.2, 0.6, model.ScenarioSideways},
		{0.5, 0.5, 0.0, model.ScenarioSideways},
	}

	for _, tc := range cases {
		scenario := likelyScenario(tc.probUp, tc.probDown, tc.probNeutral)
		if scenario != tc.expected {
			t.Errorf("likelyScenario(%v, %v, %v): expected %s, got %s",
				tc.probUp, tc.probDown, tc.probNeutral, tc.expected, scenario)
		}
	}
}

// TestTrendDescription tests the description wording and the break
// suffix
func TestTrendDescription(t *testing.T) {
	cases := []struct {
		trendPct  float64
		breakFlag bool
		expected  string
	}{
		{5.0, false, "Price increasing 5.00% in trend"},
		{-3.5, false, "Price decreasing 3.50% in trend"},
		{1.0, false, "Price increasing 1.00% in trend"},
		{-1.0, false, "Price decreasing 1.00% in trend"},
		{0.5, false, "Price stable"},
		{-0.99, false, "Price stable"},
		{0.5, true, "Price stable [STRUCTURAL BREAK DETECTED]"},
		{5.0, true, "Price increasing 5.00% in trend [STRUCTURAL BREAK DETECTED]"},
	}

	for _, tc := range cases {
		got := trendDescription(tc.trendPct, tc.breakFlag)
		if got != tc.expected {
			t.Errorf("trendDescription(%v, %v): expected %q, got %q",
				tc.trendPct, tc.breakFlag, tc.expected, got)
		}
	}
}

// TestCusumStatisticGuards tests the short-series and flat-series
// short circuits
func TestCusumStatisticGuards(t *testing.T) {
	short := linearSeries(100, 1, 9)
	if got := cusumStatistic(short, 104, 2.74); got != 0 {
		t.Errorf("Expected zero CUSUM for fewer than 10 prices, got %v", got)
	}

	flat := flatSeries(100, 50)
	if got := cusumStatistic(flat, 100, 0); got != 0 {
		t.Errorf("Expected zero CUSUM for zero deviation, got %v", got)
	}
}

// TestLogReturns tests return extraction and the zero fill for
// non-positive prices
func TestLogReturns(t *testing.T) {
	returns := logReturns([]float64{100, 110})
	if len(returns) != 1 {
		t.Fatalf("Expected 1 return, got %d", len(returns))
	}
	if math.Abs(returns[0]-math.Log(1.1)) > 1e-12 {
		t.Errorf("Expected log return %v, got %v", math.Log(1.1), returns[0])
	}

	withZero := logReturns([]float64{100, 0, 100})
	if len(withZero) != 2 {
		t.Fatalf("Expected 2 slots, got %d", len(withZero))
	}
	if withZero[0] != 0 || withZero[1] != 0 {
		t.Errorf("Expected zero-filled slots around a non-positive price, got %v", withZero)
	}

	if logReturns([]float64{100}) != nil {
		t.Error("Expected nil returns for a single price")
	}
}
