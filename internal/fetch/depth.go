package fetch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"

	"marketpulse/internal/model"
)

// DepthFetcher retrieves an order-book snapshot for one symbol and reduces
// it to the summed bid and ask volumes across the top levels. A REST
// snapshot is a lightweight approximation of book pressure; it does not
// track individual levels.
type DepthFetcher struct {
	client  *binance.Client
	limiter *rate.Limiter
	levels  int
	now     func() time.Time
}

// NewDepthFetcher creates a depth fetcher reading the top `levels` price
// levels on both sides.
func NewDepthFetcher(client *binance.Client, limiter *rate.Limiter, levels int) *DepthFetcher {
	if levels <= 0 {
		levels = 20
	}
	return &DepthFetcher{
		client:  client,
		limiter: limiter,
		levels:  levels,
		now:     time.Now,
	}
}

func (f *DepthFetcher) Name() string { return "orderbook_depth" }

// Fetch returns one depth record per call, timestamped at observation time.
func (f *DepthFetcher) Fetch(ctx context.Context, symbol string) ([]model.Record, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	res, err := f.client.NewDepthService().
		Symbol(symbol).
		Limit(f.levels).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch depth %s: %w", symbol, err)
	}
	if len(res.Bids) == 0 && len(res.Asks) == 0 {
		return nil, notApplicable("empty order book for %s", symbol)
	}

	var bidVol, askVol float64
	for _, b := range res.Bids {
		q, err := strconv.ParseFloat(b.Quantity, 64)
		if err != nil {
			return nil, malformed("parse bid quantity %q", b.Quantity)
		}
		bidVol += q
	}
	for _, a := range res.Asks {
		q, err := strconv.ParseFloat(a.Quantity, 64)
		if err != nil {
			return nil, malformed("parse ask quantity %q", a.Quantity)
		}
		askVol += q
	}

	return []model.Record{{
		Symbol:      symbol,
		Kind:        model.KindDepth,
		TimestampMs: f.now().UTC().UnixMilli(),
		BidVolume:   bidVol,
		AskVolume:   askVol,
	}}, nil
}
