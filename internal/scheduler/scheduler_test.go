package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"

	"marketpulse/internal/model"
	"marketpulse/internal/resolver"
)

type fakeFetcher struct {
	mu      sync.Mutex
	name    string
	byKey   map[string][]model.Record
	errs    map[string]error
	fetched []string
}

func (f *fakeFetcher) Name() string { return f.name }

func (f *fakeFetcher) Fetch(_ context.Context, symbol string) ([]model.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, symbol)
	// Records and an error together model a partial result.
	return f.byKey[symbol], f.errs[symbol]
}

type key struct {
	symbol string
	kind   model.MetricKind
	ts     int64
}

// memStore is an in-memory keyed upsert store.
type memStore struct {
	mu         sync.Mutex
	rows       map[key]model.Record
	recomputed []string
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[key]model.Record)}
}

func (m *memStore) Upsert(_ context.Context, rec model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[key{rec.Symbol, rec.Kind, rec.TimestampMs}] = rec
	return nil
}

func (m *memStore) RecomputeBucket(_ context.Context, symbol string, bucketStart, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recomputed = append(m.recomputed, symbol)
	return nil
}

func newTestScheduler(cfg Config, f Fetcher, symbols []string, res *resolver.Resolver, store Storage) *Scheduler {
	s := New(cfg, f, symbols, res, store)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func candleRecord(symbol string, ts int64, close float64) model.Record {
	return model.Record{
		Symbol:      symbol,
		Kind:        model.KindCandle,
		TimestampMs: ts,
		Candle:      model.Candle{Open: close, High: close, Low: close, Close: close, Volume: 1},
	}
}

func TestCycleStoresAllSymbols(t *testing.T) {
	store := newMemStore()
	f := &fakeFetcher{
		name: "candles",
		byKey: map[string][]model.Record{
			"BTCUSDT": {candleRecord("BTCUSDT", 1700000040000, 42000)},
			"ETHUSDT": {candleRecord("ETHUSDT", 1700000040000, 2200)},
		},
	}
	s := newTestScheduler(Config{Concurrency: 4, Timeout: time.Second}, f, []string{"BTCUSDT", "ETHUSDT"}, nil, store)

	s.runCycle()

	if len(store.rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(store.rows))
	}
}

func TestCycleIdempotent(t *testing.T) {
	store := newMemStore()
	f := &fakeFetcher{
		name: "candles",
		byKey: map[string][]model.Record{
			"BTCUSDT": {candleRecord("BTCUSDT", 1700000040000, 42000)},
		},
	}
	s := newTestScheduler(Config{Concurrency: 1, Timeout: time.Second}, f, []string{"BTCUSDT"}, nil, store)

	s.runCycle()
	s.runCycle()
	s.runCycle()

	if len(store.rows) != 1 {
		t.Fatalf("re-fetching the same window must not duplicate rows, got %d", len(store.rows))
	}
}

func TestCycleIsolatesFailures(t *testing.T) {
	store := newMemStore()
	f := &fakeFetcher{
		name: "candles",
		byKey: map[string][]model.Record{
			"ETHUSDT": {candleRecord("ETHUSDT", 1700000040000, 2200)},
			"BNBUSDT": {candleRecord("BNBUSDT", 1700000040000, 310)},
		},
		errs: map[string]error{
			"BTCUSDT": errors.New("connection reset"),
		},
	}
	s := newTestScheduler(Config{Concurrency: 4, Timeout: time.Second}, f, []string{"BTCUSDT", "ETHUSDT", "BNBUSDT"}, nil, store)

	s.runCycle()

	if len(store.rows) != 2 {
		t.Fatalf("one failing symbol must not block the others, got %d rows", len(store.rows))
	}
	if _, ok := store.rows[key{"ETHUSDT", model.KindCandle, 1700000040000}]; !ok {
		t.Fatal("ETHUSDT row missing")
	}
	if _, ok := store.rows[key{"BNBUSDT", model.KindCandle, 1700000040000}]; !ok {
		t.Fatal("BNBUSDT row missing")
	}
}

func TestCycleStoresAliasedSymbolUnderLogicalName(t *testing.T) {
	store := newMemStore()
	f := &fakeFetcher{
		name: "candles",
		byKey: map[string][]model.Record{
			"1000SHIBUSDT": {candleRecord("1000SHIBUSDT", 1700000040000, 0.0085)},
		},
		errs: map[string]error{
			"SHIBUSDT": &common.APIError{Code: -1121, Message: "Invalid symbol."},
		},
	}
	res := resolver.New()
	s := newTestScheduler(Config{Concurrency: 1, Timeout: time.Second}, f, []string{"SHIBUSDT"}, res, store)

	s.runCycle()

	rec, ok := store.rows[key{"SHIBUSDT", model.KindCandle, 1700000040000}]
	if !ok {
		t.Fatalf("expected row under the logical symbol, rows: %v", store.rows)
	}
	if rec.Candle.Close != 0.0085 {
		t.Fatalf("unexpected candle: %+v", rec.Candle)
	}
	if alias, ok := res.Alias("SHIBUSDT"); !ok || alias != "1000SHIBUSDT" {
		t.Fatalf("expected cached alias, got %q %v", alias, ok)
	}

	// The second cycle hits the alias cache and fetches exactly once more.
	before := len(f.fetched)
	s.runCycle()
	if got := len(f.fetched) - before; got != 1 {
		t.Fatalf("expected 1 fetch for cached alias, got %d", got)
	}
	if f.fetched[len(f.fetched)-1] != "1000SHIBUSDT" {
		t.Fatalf("expected alias fetch, got %s", f.fetched[len(f.fetched)-1])
	}
}

func TestCycleSkipsBlacklistedSymbols(t *testing.T) {
	store := newMemStore()
	f := &fakeFetcher{
		name: "candles",
		errs: map[string]error{
			"FAKEUSDT":     &common.APIError{Code: -1121},
			"1000FAKEUSDT": &common.APIError{Code: -1121},
		},
	}
	res := resolver.New()
	s := newTestScheduler(Config{Concurrency: 1, Timeout: time.Second}, f, []string{"FAKEUSDT"}, res, store)

	s.runCycle()
	if !res.Invalid("FAKEUSDT") {
		t.Fatal("symbol should be blacklisted after both candidates fail")
	}

	before := len(f.fetched)
	s.runCycle()
	if len(f.fetched) != before {
		t.Fatal("blacklisted symbol must not be fetched again")
	}
	if len(store.rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(store.rows))
	}
}

func TestCyclePersistsPartialResultWithResolver(t *testing.T) {
	store := newMemStore()
	// One side of the futures fetch succeeded, the other timed out. The
	// healthy side's record must land even though the symbol resolves
	// through a fresh resolver on every cycle.
	f := &fakeFetcher{
		name: "futures_metrics",
		byKey: map[string][]model.Record{
			"BTCUSDT": {{
				Symbol:      "BTCUSDT",
				Kind:        model.KindOpenInterest,
				TimestampMs: 1700000100000,
				Value:       10250.5,
			}},
		},
		errs: map[string]error{
			"BTCUSDT": context.DeadlineExceeded,
		},
	}
	res := resolver.New()
	s := newTestScheduler(Config{Concurrency: 1, Timeout: time.Second}, f, []string{"BTCUSDT"}, res, store)

	s.runCycle()

	rec, ok := store.rows[key{"BTCUSDT", model.KindOpenInterest, 1700000100000}]
	if !ok {
		t.Fatalf("partial result must be persisted even when one side errors, rows: %v", store.rows)
	}
	if rec.Value != 10250.5 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if res.Invalid("BTCUSDT") {
		t.Fatal("transient failure must not blacklist the symbol")
	}
}

func TestCycleRecomputesCandleBuckets(t *testing.T) {
	store := newMemStore()
	f := &fakeFetcher{
		name: "candles",
		byKey: map[string][]model.Record{
			"BTCUSDT": {candleRecord("BTCUSDT", 1700000123456, 42000)},
		},
	}
	s := newTestScheduler(Config{Concurrency: 1, Timeout: time.Second, BucketWidthMs: 900000}, f, []string{"BTCUSDT"}, nil, store)

	s.runCycle()

	if len(store.recomputed) != 1 || store.recomputed[0] != "BTCUSDT" {
		t.Fatalf("expected one bucket recompute, got %v", store.recomputed)
	}
}

func TestStartStop(t *testing.T) {
	store := newMemStore()
	f := &fakeFetcher{
		name: "candles",
		byKey: map[string][]model.Record{
			"BTCUSDT": {candleRecord("BTCUSDT", 1700000040000, 42000)},
		},
	}
	s := New(Config{Interval: time.Hour, Concurrency: 1, Timeout: time.Second}, f, []string{"BTCUSDT"}, nil, store)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("second start must fail")
	}

	deadline := time.After(2 * time.Second)
	for {
		store.mu.Lock()
		n := len(store.rows)
		store.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first cycle did not run")
		case <-time.After(10 * time.Millisecond):
		}
	}

	s.Stop()
	s.Stop()
}

func TestStartRequiresSymbols(t *testing.T) {
	s := New(Config{Interval: time.Second}, &fakeFetcher{name: "candles"}, nil, nil, newMemStore())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error for empty symbol set")
	}
}
