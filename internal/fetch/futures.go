package fetch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"marketpulse/internal/bucket"
	"marketpulse/internal/model"
	"marketpulse/logger"
)

// FuturesFetcher retrieves the open-interest and funding-rate snapshots for
// one symbol's USDT perpetual. The two sides are independent: a symbol with
// open interest but no funding data (or the reverse) still yields the side
// that exists, and the missing side is reported as not applicable rather
// than a failure.
type FuturesFetcher struct {
	client  *futures.Client
	limiter *rate.Limiter
	log     *logger.Log
}

// NewFuturesFetcher creates a futures metrics fetcher sharing the
// account-wide request limiter.
func NewFuturesFetcher(client *futures.Client, limiter *rate.Limiter) *FuturesFetcher {
	return &FuturesFetcher{
		client:  client,
		limiter: limiter,
		log:     logger.GetLogger(),
	}
}

func (f *FuturesFetcher) Name() string { return "futures_metrics" }

// Fetch returns up to two records per symbol: open interest and funding
// rate. When one side fails transiently the other side's record is still
// returned alongside the error so the caller can persist the partial result.
// A symbol with no futures market at all classifies as not applicable.
func (f *FuturesFetcher) Fetch(ctx context.Context, symbol string) ([]model.Record, error) {
	log := f.log.WithComponent("futures_fetcher").WithFields(logger.Fields{"symbol": symbol})

	var records []model.Record
	var firstErr error
	missing := 0

	oi, err := f.fetchOpenInterest(ctx, symbol)
	switch Classify(err) {
	case Success:
		records = append(records, oi)
	case UnknownInstrument, NotApplicable:
		missing++
		log.WithError(err).Debug("no open interest for symbol")
	default:
		firstErr = err
	}

	fr, err := f.fetchFundingRate(ctx, symbol)
	switch Classify(err) {
	case Success:
		records = append(records, fr)
	case UnknownInstrument, NotApplicable:
		missing++
		log.WithError(err).Debug("no funding rate for symbol")
	default:
		if firstErr == nil {
			firstErr = err
		}
	}

	if len(records) == 0 && firstErr == nil && missing > 0 {
		return nil, notApplicable("%s has no futures market", symbol)
	}
	return records, firstErr
}

func (f *FuturesFetcher) fetchOpenInterest(ctx context.Context, symbol string) (model.Record, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return model.Record{}, fmt.Errorf("rate limiter: %w", err)
	}

	res, err := f.client.NewGetOpenInterestService().Symbol(symbol).Do(ctx)
	if err != nil {
		return model.Record{}, fmt.Errorf("fetch open interest %s: %w", symbol, err)
	}
	value, err := strconv.ParseFloat(res.OpenInterest, 64)
	if err != nil {
		return model.Record{}, malformed("parse open interest %q", res.OpenInterest)
	}

	// The snapshot endpoint does not always carry a timestamp; fall back to
	// the observation time.
	ts := res.Time
	if ts <= 0 {
		ts = time.Now().UTC().UnixMilli()
	}
	return model.Record{
		Symbol:      symbol,
		Kind:        model.KindOpenInterest,
		TimestampMs: bucket.NormalizeTimestamp(ts),
		Value:       value,
	}, nil
}

func (f *FuturesFetcher) fetchFundingRate(ctx context.Context, symbol string) (model.Record, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return model.Record{}, fmt.Errorf("rate limiter: %w", err)
	}

	res, err := f.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return model.Record{}, fmt.Errorf("fetch premium index %s: %w", symbol, err)
	}
	if len(res) == 0 {
		return model.Record{}, notApplicable("empty premium index for %s", symbol)
	}

	pi := res[0]
	value, err := strconv.ParseFloat(pi.LastFundingRate, 64)
	if err != nil {
		return model.Record{}, malformed("parse funding rate %q", pi.LastFundingRate)
	}
	ts := pi.Time
	if ts <= 0 {
		ts = time.Now().UTC().UnixMilli()
	}
	return model.Record{
		Symbol:      symbol,
		Kind:        model.KindFundingRate,
		TimestampMs: bucket.NormalizeTimestamp(ts),
		Value:       value,
	}, nil
}
