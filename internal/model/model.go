package model

import "strings"

// Tier classifies a tracked instrument by liquidity bucket. Futures and
// depth polling only cover the high and ultra tiers.
type Tier string

const (
	TierHigh  Tier = "high"
	TierUltra Tier = "ultra"
	TierNone  Tier = ""
)

// Symbol is a tracked instrument loaded from the catalog. Identity is the
// uppercase identifier string; the tier is immutable after load.
type Symbol struct {
	Name string `json:"symbol"`
	Tier Tier   `json:"tier"`
}

// MetricKind identifies a metric family.
type MetricKind string

const (
	KindCandle       MetricKind = "candle"
	KindOpenInterest MetricKind = "open_interest"
	KindFundingRate  MetricKind = "funding_rate"
	KindDepth        MetricKind = "orderbook_depth"
	KindMacroIndex   MetricKind = "macro_index"
)

// Candle holds OHLCV fields for one symbol over one window.
type Candle struct {
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Record is a normalized metric observation. TimestampMs is always epoch
// milliseconds UTC regardless of what unit the source reported. Which value
// fields are meaningful depends on Kind: Candle for KindCandle, Value for the
// scalar kinds, BidVolume/AskVolume for KindDepth.
type Record struct {
	Symbol      string     `json:"symbol"`
	Kind        MetricKind `json:"kind"`
	TimestampMs int64      `json:"timestamp_ms"`

	Candle    Candle  `json:"candle,omitempty"`
	Value     float64 `json:"value,omitempty"`
	BidVolume float64 `json:"bid_volume,omitempty"`
	AskVolume float64 `json:"ask_volume,omitempty"`
}

// NormalizeSymbol canonicalizes an instrument identifier.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ParseTier maps a catalog bucket label to a Tier. Unknown labels collapse
// to TierNone rather than failing the catalog load.
func ParseTier(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return TierHigh
	case "ultra":
		return TierUltra
	default:
		return TierNone
	}
}
