// Package indicators provides technical indicator calculations.
//
// All functions operate on ascending series and return a vector of the same
// length as the input. Positions without enough history hold NaN, as do
// positions where a denominator is zero; screening rules treat NaN as
// "condition not met".
package indicators

import (
	"math"
)

// SMA calculates the simple moving average over the given period.
func SMA(values []float64, period int) []float64 {
	out := nanVector(len(values))
	if period <= 0 || len(values) < period {
		return out
	}

	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA calculates the exponential moving average with smoothing 2/(period+1),
// seeded at the first value. This is the "span, no adjustment" convention;
// Wilder smoothing gives different values and must not be substituted.
func EMA(values []float64, period int) []float64 {
	out := nanVector(len(values))
	if period <= 0 || len(values) == 0 {
		return out
	}

	alpha := 2.0 / float64(period+1)
	ema := values[0]
	out[0] = ema
	for i := 1; i < len(values); i++ {
		ema = alpha*values[i] + (1-alpha)*ema
		out[i] = ema
	}
	return out
}

// StdDev calculates the rolling sample standard deviation (divisor n-1).
func StdDev(values []float64, period int) []float64 {
	out := nanVector(len(values))
	if period < 2 || len(values) < period {
		return out
	}

	for i := period - 1; i < len(values); i++ {
		window := values[i-period+1 : i+1]
		mean := 0.0
		for _, v := range window {
			mean += v
		}
		mean /= float64(period)

		ss := 0.0
		for _, v := range window {
			d := v - mean
			ss += d * d
		}
		out[i] = math.Sqrt(ss / float64(period-1))
	}
	return out
}

// Bollinger calculates Bollinger Bands: mid = SMA, upper/lower = mid ± k·stdev.
func Bollinger(values []float64, period int, k float64) (mid, upper, lower []float64) {
	mid = SMA(values, period)
	sd := StdDev(values, period)

	upper = nanVector(len(values))
	lower = nanVector(len(values))
	for i := range values {
		upper[i] = mid[i] + k*sd[i]
		lower[i] = mid[i] - k*sd[i]
	}
	return mid, upper, lower
}

// BBW calculates the Bollinger Band Width as a percentage of the middle band.
func BBW(values []float64, period int, k float64) []float64 {
	mid, upper, lower := Bollinger(values, period, k)

	out := nanVector(len(values))
	for i := range values {
		if mid[i] == 0 || math.IsNaN(mid[i]) {
			continue
		}
		out[i] = (upper[i] - lower[i]) / mid[i] * 100
	}
	return out
}

// RollingMax calculates the maximum over a trailing window.
func RollingMax(values []float64, period int) []float64 {
	out := nanVector(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	for i := period - 1; i < len(values); i++ {
		m := values[i-period+1]
		for _, v := range values[i-period+2 : i+1] {
			if v > m {
				m = v
			}
		}
		out[i] = m
	}
	return out
}

// RollingMin calculates the minimum over a trailing window.
func RollingMin(values []float64, period int) []float64 {
	out := nanVector(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	for i := period - 1; i < len(values); i++ {
		m := values[i-period+1]
		for _, v := range values[i-period+2 : i+1] {
			if v < m {
				m = v
			}
		}
		out[i] = m
	}
	return out
}

// TrueRange calculates the per-bar true range
// max(H−L, |H−Cprev|, |L−Cprev|). The first bar has no previous close and
// uses H−L alone.
func TrueRange(high, low, close []float64) []float64 {
	out := nanVector(len(close))
	for i := range close {
		tr := high[i] - low[i]
		if i > 0 {
			tr = math.Max(tr, math.Abs(high[i]-close[i-1]))
			tr = math.Max(tr, math.Abs(low[i]-close[i-1]))
		}
		out[i] = tr
	}
	return out
}

// ATR calculates the Average True Range as an EMA (span convention) of the
// true range.
func ATR(high, low, close []float64, period int) []float64 {
	return EMA(TrueRange(high, low, close), period)
}

// Stochastic calculates the %K / %D oscillator pair.
// %K = (Close − min(Low,k)) / (max(High,k) − min(Low,k)) × 100, %D = SMA_d(%K).
// A flat k-window (zero denominator) yields NaN.
func Stochastic(high, low, close []float64, kPeriod, dPeriod int) (k, d []float64) {
	k = nanVector(len(close))
	hh := RollingMax(high, kPeriod)
	ll := RollingMin(low, kPeriod)

	for i := range close {
		denom := hh[i] - ll[i]
		if denom == 0 || math.IsNaN(denom) {
			continue
		}
		k[i] = (close[i] - ll[i]) / denom * 100
	}

	d = smaIgnoringLeadingNaN(k, dPeriod)
	return k, d
}

// smaIgnoringLeadingNaN is SMA over a vector whose warm-up positions hold
// NaN; a window containing NaN yields NaN.
func smaIgnoringLeadingNaN(values []float64, period int) []float64 {
	out := nanVector(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	for i := period - 1; i < len(values); i++ {
		sum := 0.0
		valid := true
		for _, v := range values[i-period+1 : i+1] {
			if math.IsNaN(v) {
				valid = false
				break
			}
			sum += v
		}
		if valid {
			out[i] = sum / float64(period)
		}
	}
	return out
}

func nanVector(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
