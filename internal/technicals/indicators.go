package technicals

import (
	"math"

	"github.com/sells-group/charlie-tr1/internal/model"
)

// Compute evaluates every indicator at the last bar of bars, which must be
// sorted by date. Indicators lacking enough bars are left nil and named in
// Absent.
func Compute(bars []model.Bar) model.Indicators {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	var ind model.Indicators
	absent := func(name string) { ind.Absent = append(ind.Absent, name) }

	if v, ok := sma(closes, 5); ok {
		ind.SMA5 = &v
	} else {
		absent(NameSMA5)
	}
	if v, ok := sma(closes, 10); ok {
		ind.SMA10 = &v
	} else {
		absent(NameSMA10)
	}

	ema12 := emaSeries(closes, 12)
	ema26 := emaSeries(closes, 26)
	if v, ok := last(ema12); ok {
		ind.EMA12 = &v
	} else {
		absent(NameEMA12)
	}
	if v, ok := last(ema26); ok {
		ind.EMA26 = &v
	} else {
		absent(NameEMA26)
	}

	// ema26 starts 14 bars later than ema12; align on the shorter tail.
	var macd []float64
	if len(ema26) > 0 {
		off := len(ema12) - len(ema26)
		macd = make([]float64, len(ema26))
		for i := range ema26 {
			macd[i] = ema12[i+off] - ema26[i]
		}
	}
	if v, ok := last(macd); ok {
		ind.MACD = &v
	} else {
		absent(NameMACD)
	}
	if v, ok := last(emaSeries(macd, 9)); ok {
		ind.MACDSignal = &v
	} else {
		absent(NameMACDSignal)
	}

	if v, ok := rsi(closes, 14); ok {
		ind.RSI14 = &v
	} else {
		absent(NameRSI14)
	}
	if v, ok := atr(bars, 14); ok {
		ind.ATR14 = &v
	} else {
		absent(NameATR14)
	}

	if up, mid, lo, ok := bollinger(closes, 20, 2); ok {
		ind.BBUpper, ind.BBMiddle, ind.BBLower = &up, &mid, &lo
	} else {
		absent(NameBollinger)
	}
	if up, lo, ok := donchian(bars, 20); ok {
		ind.DonchianUpper, ind.DonchianLower = &up, &lo
	} else {
		absent(NameDonchian)
	}
	return ind
}

func sma(xs []float64, n int) (float64, bool) {
	if n <= 0 || len(xs) < n {
		return 0, false
	}
	var sum float64
	for _, x := range xs[len(xs)-n:] {
		sum += x
	}
	return sum / float64(n), true
}

// emaSeries seeds with the SMA of the first n values and returns one EMA per
// value from index n-1 onward.
func emaSeries(xs []float64, n int) []float64 {
	if n <= 0 || len(xs) < n {
		return nil
	}
	alpha := 2 / float64(n+1)
	seed, _ := sma(xs[:n], n)
	out := make([]float64, 0, len(xs)-n+1)
	out = append(out, seed)
	prev := seed
	for _, x := range xs[n:] {
		prev = alpha*x + (1-alpha)*prev
		out = append(out, prev)
	}
	return out
}

func last(xs []float64) (float64, bool) {
	if len(xs) == 0 {
		return 0, false
	}
	return xs[len(xs)-1], true
}

// rsi is Wilder's RSI. It needs period+1 closes.
func rsi(closes []float64, period int) (float64, bool) {
	if len(closes) < period+1 {
		return 0, false
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(period)
	loss /= float64(period)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		up, down := 0.0, 0.0
		if d > 0 {
			up = d
		} else {
			down = -d
		}
		gain = (gain*float64(period-1) + up) / float64(period)
		loss = (loss*float64(period-1) + down) / float64(period)
	}
	switch {
	case gain == 0 && loss == 0:
		return 50, true
	case loss == 0:
		return 100, true
	}
	rs := gain / loss
	return 100 - 100/(1+rs), true
}

// atr is Wilder's average true range. It needs period+1 bars.
func atr(bars []model.Bar, period int) (float64, bool) {
	if len(bars) < period+1 {
		return 0, false
	}
	tr := func(i int) float64 {
		prev := bars[i-1].Close
		return math.Max(bars[i].High-bars[i].Low,
			math.Max(math.Abs(bars[i].High-prev), math.Abs(bars[i].Low-prev)))
	}
	var avg float64
	for i := 1; i <= period; i++ {
		avg += tr(i)
	}
	avg /= float64(period)
	for i := period + 1; i < len(bars); i++ {
		avg = (avg*float64(period-1) + tr(i)) / float64(period)
	}
	return avg, true
}

// bollinger uses the population standard deviation of the last n closes.
func bollinger(closes []float64, n int, k float64) (upper, middle, lower float64, ok bool) {
	middle, ok = sma(closes, n)
	if !ok {
		return 0, 0, 0, false
	}
	var ss float64
	for _, c := range closes[len(closes)-n:] {
		ss += (c - middle) * (c - middle)
	}
	sd := math.Sqrt(ss / float64(n))
	return middle + k*sd, middle, middle - k*sd, true
}

func donchian(bars []model.Bar, n int) (upper, lower float64, ok bool) {
	if len(bars) < n {
		return 0, 0, false
	}
	upper, lower = math.Inf(-1), math.Inf(1)
	for _, b := range bars[len(bars)-n:] {
		upper = math.Max(upper, b.High)
		lower = math.Min(lower, b.Low)
	}
	return upper, lower, true
}
