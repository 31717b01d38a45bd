package analysis

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"market-analytics/internal/model"
)

// forecastMinPrices is the fewest observations the forecaster will
// extrapolate from.
const forecastMinPrices = 10

// ArimaForecaster projects a price series forward with 95% confidence
// bands. The model is Holt's linear trend reported as a simplified
// ARIMA(1,1,1).
type ArimaForecaster struct{}

// NewArimaForecaster returns a stateless forecaster.
func NewArimaForecaster() *ArimaForecaster {
	return &ArimaForecaster{}
}

// Forecast extrapolates the series the given number of periods ahead.
// Series shorter than ten observations yield the zero forecast.
func (f *ArimaForecaster) Forecast(prices []float64, horizon int) *model.ArimaForecast {
	if len(prices) < forecastMinPrices {
		return defaultForecast(horizon)
	}

	level, trend := holtSmooth(prices)
	stdError := stat.StdDev(prices, nil)

	steps := horizon
	if steps < 0 {
		steps = 0
	}
	predictions := make([]float64, 0, steps)
	lower := make([]float64, 0, steps)
	upper := make([]float64, 0, steps)
	for h := 1; h <= steps; h++ {
		forecast := level + float64(h)*trend
		margin := 1.96 * stdError * math.Sqrt(float64(h))

		predictions = append(predictions, round8(forecast))
		lower = append(lower, round8(forecast-margin))
		upper = append(upper, round8(forecast+margin))
	}

	return &model.ArimaForecast{
		Predictions:             predictions,
		ConfidenceIntervalLower: lower,
		ConfidenceIntervalUpper: upper,
		Horizon:                 horizon,
		ModelOrder:              "ARIMA(1,1,1)",
		AIC:                     round8(akaike(prices, 3)),
	}
}

// akaike is a simplified information criterion over the raw series.
// Degenerate series score the maximum penalty.
func akaike(prices []float64, numParams int) float64 {
	variance := sampleVariance(prices)
	n := len(prices)
	if variance <= 0 || n <= numParams {
		return math.MaxFloat64
	}
	return float64(n)*math.Log(variance) + 2.0*float64(numParams)
}

func defaultForecast(horizon int) *model.ArimaForecast {
	steps := horizon
	if steps < 0 {
		steps = 0
	}
	zeros := make([]float64, steps)
	return &model.ArimaForecast{
		Predictions:             zeros,
		ConfidenceIntervalLower: zeros,
		ConfidenceIntervalUpper: zeros,
		Horizon:                 horizon,
		ModelOrder:              "ARIMA(0,0,0)",
		AIC:                     0,
	}
}
