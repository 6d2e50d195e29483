package fetch

import (
	"context"
	"fmt"
	"strconv"

	"github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"

	"marketpulse/internal/bucket"
	"marketpulse/internal/model"
)

// CandleFetcher retrieves the latest 1-minute klines for one symbol from the
// spot market.
type CandleFetcher struct {
	client   *binance.Client
	limiter  *rate.Limiter
	interval string
	limit    int
}

// NewCandleFetcher creates a candle fetcher sharing the account-wide request
// limiter. limit is the number of most recent klines fetched per cycle.
func NewCandleFetcher(client *binance.Client, limiter *rate.Limiter, limit int) *CandleFetcher {
	if limit <= 0 {
		limit = 1
	}
	return &CandleFetcher{
		client:   client,
		limiter:  limiter,
		interval: "1m",
		limit:    limit,
	}
}

func (f *CandleFetcher) Name() string { return "candles" }

// Fetch returns the latest klines for symbol as candle records with
// timestamps normalized to epoch milliseconds.
func (f *CandleFetcher) Fetch(ctx context.Context, symbol string) ([]model.Record, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	klines, err := f.client.NewKlinesService().
		Symbol(symbol).
		Interval(f.interval).
		Limit(f.limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch klines %s: %w", symbol, err)
	}
	if len(klines) == 0 {
		return nil, notApplicable("no klines for %s", symbol)
	}

	records := make([]model.Record, 0, len(klines))
	for _, k := range klines {
		c, err := parseKline(k)
		if err != nil {
			return nil, fmt.Errorf("kline %s: %w", symbol, err)
		}
		records = append(records, model.Record{
			Symbol:      symbol,
			Kind:        model.KindCandle,
			TimestampMs: bucket.NormalizeTimestamp(k.OpenTime),
			Candle:      c,
		})
	}
	return records, nil
}

func parseKline(k *binance.Kline) (model.Candle, error) {
	var c model.Candle
	fields := []struct {
		name string
		raw  string
		dst  *float64
	}{
		{"open", k.Open, &c.Open},
		{"high", k.High, &c.High},
		{"low", k.Low, &c.Low},
		{"close", k.Close, &c.Close},
		{"volume", k.Volume, &c.Volume},
	}
	for _, f := range fields {
		v, err := strconv.ParseFloat(f.raw, 64)
		if err != nil {
			return model.Candle{}, malformed("parse %s %q", f.name, f.raw)
		}
		*f.dst = v
	}
	return c, nil
}
