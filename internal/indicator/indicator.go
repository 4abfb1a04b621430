package indicator

import (
	talib "github.com/markcheno/go-talib"

	"lbankflow/models"
)

// Set carries the derived fields recomputed after every bar update. Values
// are the latest point of each series; zero until enough bars exist for the
// slowest lookback.
type Set struct {
	EMA        float64
	RSI        float64
	MACD       float64
	MACDSignal float64
	MACDHist   float64
	BollUpper  float64
	BollMiddle float64
	BollLower  float64
	ATR        float64
}

// Calculator recomputes derived indicator fields for one bar window. The
// router and the polling scheduler call it after every window mutation.
type Calculator interface {
	Compute(bars []models.Bar) Set
}

// Talib computes the default indicator set with go-talib.
type Talib struct {
	EMAPeriod    int
	RSIPeriod    int
	MACDFast     int
	MACDSlow     int
	MACDSignal   int
	BollPeriod   int
	BollDev      float64
	ATRPeriod    int
}

// NewTalib returns a calculator with the conventional periods.
func NewTalib() *Talib {
	return &Talib{
		EMAPeriod:  20,
		RSIPeriod:  14,
		MACDFast:   12,
		MACDSlow:   26,
		MACDSignal: 9,
		BollPeriod: 20,
		BollDev:    2,
		ATRPeriod:  14,
	}
}

// minBars is the shortest window the slowest indicator can run on.
func (t *Talib) minBars() int {
	min := t.MACDSlow + t.MACDSignal
	for _, p := range []int{t.EMAPeriod, t.RSIPeriod, t.BollPeriod, t.ATRPeriod} {
		if p+1 > min {
			min = p + 1
		}
	}
	return min
}

func (t *Talib) Compute(bars []models.Bar) Set {
	if len(bars) < t.minBars() {
		return Set{}
	}

	high := make([]float64, len(bars))
	low := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		high[i] = b.High
		low[i] = b.Low
		closes[i] = b.Close
	}

	last := len(closes) - 1
	macd, signal, hist := talib.Macd(closes, t.MACDFast, t.MACDSlow, t.MACDSignal)
	upper, middle, lower := talib.BBands(closes, t.BollPeriod, t.BollDev, t.BollDev, talib.SMA)

	return Set{
		EMA:        talib.Ema(closes, t.EMAPeriod)[last],
		RSI:        talib.Rsi(closes, t.RSIPeriod)[last],
		MACD:       macd[last],
		MACDSignal: signal[last],
		MACDHist:   hist[last],
		BollUpper:  upper[last],
		BollMiddle: middle[last],
		BollLower:  lower[last],
		ATR:        talib.Atr(high, low, closes, t.ATRPeriod)[last],
	}
}
