// Package bucket maps raw observation timestamps onto fixed-width,
// timestamp-aligned aggregation windows and folds finer-grained candles into
// coarser ones. All arithmetic is in epoch milliseconds; bucket widths are
// milliseconds everywhere.
package bucket

import (
	"fmt"
	"time"

	"marketpulse/internal/model"
)

// Timestamps at or above this magnitude are already in milliseconds.
// 1e12 ms is Sep 2001; 1e12 s is ~33658 AD, so the ranges cannot collide.
const msThreshold = int64(1e12)

// NormalizeTimestamp converts a raw epoch timestamp of unknown unit to epoch
// milliseconds. Values above the magnitude threshold are treated as already
// milliseconds, everything else as seconds.
func NormalizeTimestamp(raw int64) int64 {
	if raw >= msThreshold {
		return raw
	}
	return raw * 1000
}

// NormalizeDate converts a calendar date string (YYYY-MM-DD) to epoch
// milliseconds at UTC midnight. Daily series report dates, not timestamps.
func NormalizeDate(date string) (int64, error) {
	t, err := time.ParseInLocation("2006-01-02", date, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("parse date %q: %w", date, err)
	}
	return t.UnixMilli(), nil
}

// Start returns the aligned start of the bucket containing tsMs for the given
// width: floor(ts / width) * width.
func Start(tsMs, widthMs int64) int64 {
	return tsMs / widthMs * widthMs
}

// Fold collapses finer-granularity candle records into a single aggregate:
// open from the earliest record, high = max, low = min, close from the
// latest record, volume = sum. When two records share a timestamp the
// later-arriving one wins, matching the store's replace-on-conflict
// semantics. Non-candle records are ignored. Returns false when no candle
// records were supplied.
func Fold(records []model.Record) (model.Candle, bool) {
	var agg model.Candle
	var earliest, latest int64
	found := false

	for _, r := range records {
		if r.Kind != model.KindCandle {
			continue
		}
		if !found {
			agg = r.Candle
			earliest, latest = r.TimestampMs, r.TimestampMs
			found = true
			continue
		}
		if r.TimestampMs <= earliest {
			earliest = r.TimestampMs
			agg.Open = r.Candle.Open
		}
		if r.TimestampMs >= latest {
			latest = r.TimestampMs
			agg.Close = r.Candle.Close
		}
		if r.Candle.High > agg.High {
			agg.High = r.Candle.High
		}
		if r.Candle.Low < agg.Low {
			agg.Low = r.Candle.Low
		}
		agg.Volume += r.Candle.Volume
	}

	return agg, found
}

// Aggregate folds records into one bucket row keyed at the aligned bucket
// start. All records are assumed to fall inside the same bucket.
func Aggregate(symbol string, bucketStart int64, records []model.Record) (model.Record, bool) {
	c, ok := Fold(records)
	if !ok {
		return model.Record{}, false
	}
	return model.Record{
		Symbol:      symbol,
		Kind:        model.KindCandle,
		TimestampMs: bucketStart,
		Candle:      c,
	}, true
}
