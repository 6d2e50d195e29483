package bucket

import (
	"testing"

	"marketpulse/internal/model"
)

func TestNormalizeTimestampUnits(t *testing.T) {
	secs := NormalizeTimestamp(1700000000)
	ms := NormalizeTimestamp(1700000000000)
	if secs != ms {
		t.Fatalf("seconds and milliseconds forms diverged: %d != %d", secs, ms)
	}
	if ms != 1700000000000 {
		t.Fatalf("expected 1700000000000, got %d", ms)
	}
}

func TestNormalizeDate(t *testing.T) {
	ts, err := NormalizeDate("2023-11-14")
	if err != nil {
		t.Fatalf("normalize date: %v", err)
	}
	if ts != 1699920000000 {
		t.Fatalf("expected UTC midnight 1699920000000, got %d", ts)
	}
	if _, err := NormalizeDate("14/11/2023"); err == nil {
		t.Fatalf("expected error for unsupported date layout")
	}
}

func TestStartAlignment(t *testing.T) {
	const width = int64(900000)
	if got := Start(1700000123456, width); got != 1700000100000 {
		t.Fatalf("expected bucket start 1700000100000, got %d", got)
	}
	// A bucket boundary maps onto itself.
	if got := Start(1700000100000, width); got != 1700000100000 {
		t.Fatalf("boundary timestamp moved to %d", got)
	}
}

func candleAt(ts int64, o, h, l, c, v float64) model.Record {
	return model.Record{
		Symbol:      "BTCUSDT",
		Kind:        model.KindCandle,
		TimestampMs: ts,
		Candle:      model.Candle{Open: o, High: h, Low: l, Close: c, Volume: v},
	}
}

func TestFoldOHLCV(t *testing.T) {
	base := int64(1700000100000)
	records := []model.Record{
		candleAt(base, 10, 12, 9, 11, 5),
		candleAt(base+60000, 11, 13, 8, 9, 6),
		candleAt(base+120000, 9, 10, 7, 10, 4),
	}

	agg, ok := Fold(records)
	if !ok {
		t.Fatalf("expected aggregate from %d records", len(records))
	}
	want := model.Candle{Open: 10, High: 13, Low: 7, Close: 10, Volume: 15}
	if agg != want {
		t.Fatalf("fold mismatch: got %+v want %+v", agg, want)
	}
}

func TestFoldOrderIndependent(t *testing.T) {
	base := int64(1700000100000)
	records := []model.Record{
		candleAt(base, 10, 12, 9, 11, 5),
		candleAt(base+60000, 11, 13, 8, 9, 6),
		candleAt(base+120000, 9, 10, 7, 10, 4),
	}
	want, _ := Fold(records)

	perms := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, p := range perms {
		shuffled := []model.Record{records[p[0]], records[p[1]], records[p[2]]}
		got, ok := Fold(shuffled)
		if !ok || got != want {
			t.Fatalf("fold not order independent for %v: got %+v want %+v", p, got, want)
		}
	}
}

func TestFoldTieLaterWriteWins(t *testing.T) {
	base := int64(1700000100000)
	records := []model.Record{
		candleAt(base, 10, 12, 9, 11, 5),
		candleAt(base, 20, 22, 19, 21, 5),
	}
	agg, _ := Fold(records)
	if agg.Open != 20 || agg.Close != 21 {
		t.Fatalf("later record should win the tie, got open=%v close=%v", agg.Open, agg.Close)
	}
}

func TestFoldSkipsNonCandles(t *testing.T) {
	records := []model.Record{
		{Symbol: "BTCUSDT", Kind: model.KindOpenInterest, TimestampMs: 1700000100000, Value: 42},
	}
	if _, ok := Fold(records); ok {
		t.Fatalf("fold of non-candle records should report no aggregate")
	}

	agg, ok := Aggregate("BTCUSDT", 1700000100000, []model.Record{
		candleAt(1700000123456, 10, 12, 9, 11, 5),
		records[0],
	})
	if !ok {
		t.Fatalf("expected aggregate")
	}
	if agg.TimestampMs != 1700000100000 || agg.Candle.Volume != 5 {
		t.Fatalf("unexpected aggregate %+v", agg)
	}
}
