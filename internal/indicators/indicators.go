// Package indicators provides the technical indicator calculations the
// RSI-dip strategy depends on: RSI10 for entry/re-entry thresholds, EMA9 for
// the trailing sell target, EMA200 as the long-term trend filter, and a
// simple moving average used for average-volume liquidity checks.
//
// All functions are stateless and deterministic — given the same candle
// slice, they return the same result.
package indicators

import "time"

// Candle is one OHLCV bar.
type Candle struct {
	Symbol string
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// CalculateRSI computes the Relative Strength Index over the given period
// using Wilder smoothing (exponential moving average of gains/losses).
// Returns a value between 0 and 100. Returns 50 (neutral) if there is
// insufficient data to compute a meaningful value.
func CalculateRSI(candles []Candle, period int) float64 {
	if len(candles) < period+1 {
		return 50
	}

	var gainSum, lossSum float64
	for i := 1; i <= period; i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gainSum += change
		} else {
			lossSum += -change
		}
	}

	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)

	for i := period + 1; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		var gain, loss float64
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// CalculateEMA computes the Exponential Moving Average of closing prices
// over the given span, seeded with a simple average of the first `span`
// closes. Returns 0 if there isn't at least one full span of data.
func CalculateEMA(candles []Candle, span int) float64 {
	if span <= 0 || len(candles) < span {
		return 0
	}

	var seed float64
	for i := 0; i < span; i++ {
		seed += candles[i].Close
	}
	ema := seed / float64(span)

	k := 2.0 / (float64(span) + 1.0)
	for i := span; i < len(candles); i++ {
		ema = candles[i].Close*k + ema*(1-k)
	}
	return ema
}

// CalculateEMASeries computes CalculateEMA but appends an extra provisional
// bar at the given live price first, so the result reflects the current
// intraday tick rather than only the last official close. This is how
// ExitEngine re-evaluates EMA9 every monitor cycle (spec §4.5).
func CalculateEMASeries(candles []Candle, span int, livePrice float64, asOf time.Time) float64 {
	if livePrice <= 0 {
		return CalculateEMA(candles, span)
	}
	withLive := make([]Candle, len(candles)+1)
	copy(withLive, candles)
	withLive[len(candles)] = Candle{
		Symbol: lastSymbol(candles),
		Date:   asOf,
		Open:   livePrice,
		High:   livePrice,
		Low:    livePrice,
		Close:  livePrice,
	}
	return CalculateEMA(withLive, span)
}

func lastSymbol(candles []Candle) string {
	if len(candles) == 0 {
		return ""
	}
	return candles[len(candles)-1].Symbol
}

// CalculateSMA computes the Simple Moving Average over the given period.
// Used for average-volume liquidity checks. Returns 0 if insufficient data.
func CalculateSMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	var sum float64
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period)
}

// AverageVolume computes the average daily traded volume over the given
// number of most recent candles.
func AverageVolume(candles []Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		volumes[i] = float64(c.Volume)
	}
	return CalculateSMA(volumes, period)
}
