package analysis

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"market-analytics/internal/model"
)

// tradingDaysPerYear is the annualization basis shared by the
// Bayesian estimators and the Monte Carlo price paths.
const tradingDaysPerYear = 252.0

// percentileLevels are the distribution cut points reported with
// every simulation, in ascending order.
var percentileLevels = []int{5, 25, 50, 75, 95}

// MonteCarloSimulator generates geometric Brownian motion price paths
// and summarizes the terminal price distribution.
type MonteCarloSimulator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewMonteCarloSimulator returns a simulator seeded from the clock.
func NewMonteCarloSimulator() *MonteCarloSimulator {
	return NewSeededMonteCarloSimulator(time.Now().UnixNano())
}

// NewSeededMonteCarloSimulator returns a simulator with a fixed seed
// so runs can be reproduced.
func NewSeededMonteCarloSimulator(seed int64) *MonteCarloSimulator {
	return &MonteCarloSimulator{rng: rand.New(rand.NewSource(seed))}
}

// Simulate runs the requested number of price paths from currentPrice
// using annualized drift and volatility, stepping one trading day at a
// time over horizonDays. Paths that finish strictly above the starting
// price count toward probabilityUp; everything else, including an exact
// tie, counts toward probabilityDown.
func (s *MonteCarloSimulator) Simulate(currentPrice, drift, volatility float64, simulations, horizonDays int) *model.MonteCarloResults {
	if currentPrice <= 0 || simulations <= 0 || horizonDays < 0 {
		return defaultMonteCarloResults(simulations)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s0 := currentPrice
	dt := 1.0 / tradingDaysPerYear
	diffusion := volatility * math.Sqrt(dt)
	stepDrift := (drift - 0.5*volatility*volatility) * dt

	finalPrices := make([]float64, simulations)
	countUp := 0
	for i := 0; i < simulations; i++ {
		price := s0
		for day := 0; day < horizonDays; day++ {
			price *= math.Exp(stepDrift + diffusion*s.rng.NormFloat64())
		}
		finalPrices[i] = price
		if price > s0 {
			countUp++
		}
	}
	sort.Float64s(finalPrices)

	probUp := float64(countUp) / float64(simulations)
	probDown := float64(simulations-countUp) / float64(simulations)

	sum := 0.0
	for _, p := range finalPrices {
		sum += p
	}
	mean := sum / float64(simulations)
	expectedReturn := (mean - s0) / s0

	var95 := s0 - finalPrices[int(float64(simulations)*0.05)]
	var99 := s0 - finalPrices[int(float64(simulations)*0.01)]

	return &model.MonteCarloResults{
		Simulations:     simulations,
		ProbabilityUp:   round8(probUp),
		ProbabilityDown: round8(probDown),
		ExpectedReturn:  round8(expectedReturn),
		ValueAtRisk95:   round8(var95),
		ValueAtRisk99:   round8(var99),
		ConditionalVaR:  round8(conditionalVaR(finalPrices, s0)),
		Percentiles:     terminalPercentiles(finalPrices),
	}
}

// conditionalVaR averages the losses in the worst 5% of outcomes.
// With fewer than twenty paths the tail is empty and the loss is zero.
func conditionalVaR(sortedPrices []float64, initialPrice float64) float64 {
	cutoff := int(float64(len(sortedPrices)) * 0.05)
	if cutoff == 0 {
		return 0
	}
	sumLosses := 0.0
	for i := 0; i < cutoff; i++ {
		sumLosses += initialPrice - sortedPrices[i]
	}
	return sumLosses / float64(cutoff)
}

func terminalPercentiles(sortedPrices []float64) []model.PercentileValue {
	out := make([]model.PercentileValue, 0, len(percentileLevels))
	for _, level := range percentileLevels {
		idx := int(float64(len(sortedPrices)) * float64(level) / 100.0)
		if idx >= len(sortedPrices) {
			idx = len(sortedPrices) - 1
		}
		out = append(out, model.PercentileValue{
			Level: level,
			Value: round8(sortedPrices[idx]),
		})
	}
	return out
}

// defaultMonteCarloResults is the coin-flip stance reported when no
// paths can be simulated.
func defaultMonteCarloResults(simulations int) *model.MonteCarloResults {
	percentiles := make([]model.PercentileValue, 0, len(percentileLevels))
	for _, level := range percentileLevels {
		percentiles = append(percentiles, model.PercentileValue{Level: level, Value: 0})
	}
	return &model.MonteCarloResults{
		Simulations:     simulations,
		ProbabilityUp:   0.5,
		ProbabilityDown: 0.5,
		ExpectedReturn:  0,
		ValueAtRisk95:   0,
		ValueAtRisk99:   0,
		ConditionalVaR:  0,
		Percentiles:     percentiles,
	}
}
