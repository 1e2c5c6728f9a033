package models

import "time"

// Quote is the latest bid/ask for an epic.
type Quote struct {
	Epic        string
	Bid         float64
	Ask         float64
	TimestampMs int64
}

// PriceFor returns the side of the book an order in dir would fill against.
func (q Quote) PriceFor(dir Direction) float64 {
	if dir == DirectionSell {
		return q.Bid
	}
	return q.Ask
}

// Distance units used by dealing rules.
const (
	DistanceUnitPoints     = "POINTS"
	DistanceUnitPercentage = "PERCENTAGE"
)

// Distance is a dealing-rule value expressed in points or percent of price.
type Distance struct {
	Unit  string  `json:"unit"`
	Value float64 `json:"value"`
}

// Abs converts the distance into price units at price.
func (d Distance) Abs(price float64) float64 {
	if d.Unit == DistanceUnitPercentage {
		return price * d.Value / 100
	}
	return d.Value
}

// DealingRules mirrors the broker's per-instrument dealing constraints.
type DealingRules struct {
	MinStepDistance         Distance `json:"minStepDistance"`
	MinDealSize             Distance `json:"minDealSize"`
	MaxDealSize             Distance `json:"maxDealSize"`
	MinSizeIncrement        Distance `json:"minSizeIncrement"`
	MinStopOrProfitDistance Distance `json:"minStopOrProfitDistance"`
	MaxStopOrProfitDistance Distance `json:"maxStopOrProfitDistance"`
	MarketOrderPreference   string   `json:"marketOrderPreference"`
}

type Instrument struct {
	Epic     string  `json:"epic"`
	Symbol   string  `json:"symbol"`
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Currency string  `json:"currency"`
	LotSize  float64 `json:"lotSize"`
}

// Market statuses reported in snapshots.
const (
	MarketStatusTradeable = "TRADEABLE"
	MarketStatusClosed    = "CLOSED"
)

type Snapshot struct {
	MarketStatus        string  `json:"marketStatus"`
	Bid                 float64 `json:"bid"`
	Offer               float64 `json:"offer"`
	High                float64 `json:"high"`
	Low                 float64 `json:"low"`
	UpdateTime          string  `json:"updateTime"`
	DecimalPlacesFactor int     `json:"decimalPlacesFactor"`
	ScalingFactor       int     `json:"scalingFactor"`
}

// MarketDetails is the body of GET /api/v1/markets/{epic}.
type MarketDetails struct {
	Instrument   Instrument   `json:"instrument"`
	DealingRules DealingRules `json:"dealingRules"`
	Snapshot     Snapshot     `json:"snapshot"`
}

// WellFormed reports whether the response actually describes an instrument.
func (m *MarketDetails) WellFormed() bool {
	return m != nil && m.Instrument.Epic != ""
}

// Tradeable reports whether orders can be placed now.
func (m *MarketDetails) Tradeable() bool {
	return m != nil && m.Snapshot.MarketStatus == MarketStatusTradeable
}

// Quote extracts the snapshot prices.
func (m *MarketDetails) Quote() Quote {
	return Quote{
		Epic:        m.Instrument.Epic,
		Bid:         m.Snapshot.Bid,
		Ask:         m.Snapshot.Offer,
		TimestampMs: time.Now().UnixMilli(),
	}
}

// Candle resolutions accepted by GET /api/v1/prices/{epic}.
const (
	ResolutionMinute   = "MINUTE"
	ResolutionMinute5  = "MINUTE_5"
	ResolutionMinute15 = "MINUTE_15"
	ResolutionMinute30 = "MINUTE_30"
	ResolutionHour     = "HOUR"
	ResolutionHour4    = "HOUR_4"
	ResolutionDay      = "DAY"
	ResolutionWeek     = "WEEK"
)

var validResolutions = map[string]struct{}{
	ResolutionMinute: {}, ResolutionMinute5: {}, ResolutionMinute15: {}, ResolutionMinute30: {},
	ResolutionHour: {}, ResolutionHour4: {}, ResolutionDay: {}, ResolutionWeek: {},
}

// ValidResolution reports whether r is a resolution the broker accepts.
func ValidResolution(r string) bool {
	_, ok := validResolutions[r]
	return ok
}

type PricePoint struct {
	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`
}

// Candle is one historical bar with bid/ask OHLC.
type Candle struct {
	SnapshotTime     string     `json:"snapshotTime"`
	SnapshotTimeUTC  string     `json:"snapshotTimeUTC"`
	OpenPrice        PricePoint `json:"openPrice"`
	ClosePrice       PricePoint `json:"closePrice"`
	HighPrice        PricePoint `json:"highPrice"`
	LowPrice         PricePoint `json:"lowPrice"`
	LastTradedVolume float64    `json:"lastTradedVolume"`
}

type PriceHistory struct {
	Prices         []Candle `json:"prices"`
	InstrumentType string   `json:"instrumentType"`
}
