package models

// Bar is a single OHLCV observation for one timeframe interval.
type Bar struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// KbarData is the payload of a kbar push frame. Field names follow the
// venue's v2 push format.
type KbarData struct {
	Symbol    string    `json:"symbol"`
	Timestamp int64     `json:"timestamp"`
	Open      FlexFloat `json:"open"`
	High      FlexFloat `json:"high"`
	Low       FlexFloat `json:"low"`
	Close     FlexFloat `json:"close"`
	Volume    FlexFloat `json:"volume"`
}

// Bar converts the push payload into a Bar.
func (d KbarData) Bar() Bar {
	return Bar{
		Timestamp: d.Timestamp,
		Open:      float64(d.Open),
		High:      float64(d.High),
		Low:       float64(d.Low),
		Close:     float64(d.Close),
		Volume:    float64(d.Volume),
	}
}

// DepthData is a full order book snapshot for one symbol. Each push
// replaces the previous snapshot wholesale; no incremental merging is
// attempted.
type DepthData struct {
	Symbol string      `json:"symbol"`
	Asks   [][]float64 `json:"asks"`
	Bids   [][]float64 `json:"bids"`
}
