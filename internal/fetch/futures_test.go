package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adshao/go-binance/v2/futures"

	"marketpulse/internal/model"
)

func newFuturesClient(url string) *futures.Client {
	c := futures.NewClient("", "")
	c.BaseURL = url
	return c
}

func TestFuturesFetchBothSides(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/fapi/v1/openInterest":
			w.Write([]byte(`{"openInterest":"10250.5","symbol":"BTCUSDT","time":1700000100000}`))
		case "/fapi/v1/premiumIndex":
			w.Write([]byte(`{"symbol":"BTCUSDT","markPrice":"42000.0","indexPrice":"42001.0","lastFundingRate":"0.0001","nextFundingTime":1700028800000,"time":1700000100000}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	f := NewFuturesFetcher(newFuturesClient(srv.URL), unlimited())
	records, err := f.Fetch(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	byKind := map[model.MetricKind]model.Record{}
	for _, rec := range records {
		byKind[rec.Kind] = rec
	}
	oi, ok := byKind[model.KindOpenInterest]
	if !ok || oi.Value != 10250.5 || oi.TimestampMs != 1700000100000 {
		t.Fatalf("unexpected open interest record: %+v", oi)
	}
	fr, ok := byKind[model.KindFundingRate]
	if !ok || fr.Value != 0.0001 {
		t.Fatalf("unexpected funding rate record: %+v", fr)
	}
}

func TestFuturesFetchNoMarketIsNotApplicable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	f := NewFuturesFetcher(newFuturesClient(srv.URL), unlimited())
	records, err := f.Fetch(context.Background(), "SPOTONLYUSDT")
	if len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}
	if Classify(err) != NotApplicable {
		t.Fatalf("expected NotApplicable, got %s (%v)", Classify(err), err)
	}
}

func TestFuturesFetchPartialResultOnTransientSide(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/fapi/v1/openInterest":
			w.Write([]byte(`{"openInterest":"10250.5","symbol":"BTCUSDT","time":1700000100000}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"code":-1001,"msg":"Internal error."}`))
		}
	}))
	defer srv.Close()

	f := NewFuturesFetcher(newFuturesClient(srv.URL), unlimited())
	records, err := f.Fetch(context.Background(), "BTCUSDT")
	if Classify(err) != Transient {
		t.Fatalf("expected Transient for the failed side, got %s (%v)", Classify(err), err)
	}
	if len(records) != 1 || records[0].Kind != model.KindOpenInterest {
		t.Fatalf("expected the healthy side's record alongside the error, got %+v", records)
	}
}
