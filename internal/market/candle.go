package market

// Candle 表示单根 K 线。Closed=false 表示仍在累积中，
// 同一 open_time 的未收盘 K 线会被后续更新整体覆盖。
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
	Closed    bool    `json:"closed"`
}
