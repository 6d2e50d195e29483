package fetch

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketpulse/internal/bucket"
	"marketpulse/internal/model"
	"marketpulse/logger"
)

// MacroSource describes one daily index series: a primary CSV URL and an
// optional fallback consulted when the primary response is empty or
// malformed.
type MacroSource struct {
	Name        string
	URL         string
	FallbackURL string
}

// MacroFetcher retrieves daily close prices for macro indices (e.g. DXY,
// VIX) from CSV endpoints. Unlike the exchange fetchers its symbols are
// index names from configuration, not catalog instruments, so it is never
// routed through the symbol resolver.
type MacroFetcher struct {
	client  *http.Client
	sources map[string]MacroSource
	log     *logger.Log
}

// NewMacroFetcher creates a macro fetcher for the configured sources.
func NewMacroFetcher(timeout time.Duration, sources []MacroSource) *MacroFetcher {
	byName := make(map[string]MacroSource, len(sources))
	for _, s := range sources {
		byName[model.NormalizeSymbol(s.Name)] = s
	}
	return &MacroFetcher{
		client:  &http.Client{Timeout: timeout},
		sources: byName,
		log:     logger.GetLogger(),
	}
}

func (f *MacroFetcher) Name() string { return "macro" }

// Indices returns the configured index names, used as the poll symbol set.
func (f *MacroFetcher) Indices() []string {
	out := make([]string, 0, len(f.sources))
	for name := range f.sources {
		out = append(out, name)
	}
	return out
}

// Fetch returns the most recent daily close for the named index. The
// fallback source is consulted only when the primary yields an empty or
// malformed series; transient network failures are left for the next cycle.
func (f *MacroFetcher) Fetch(ctx context.Context, name string) ([]model.Record, error) {
	src, ok := f.sources[model.NormalizeSymbol(name)]
	if !ok {
		return nil, notApplicable("no source configured for index %s", name)
	}

	rec, err := f.fetchSeries(ctx, name, src.URL)
	if err != nil && src.FallbackURL != "" {
		switch Classify(err) {
		case Malformed, NotApplicable:
			f.log.WithComponent("macro_fetcher").WithFields(logger.Fields{
				"index": name,
			}).WithError(err).Warn("primary macro source unusable, trying fallback")
			rec, err = f.fetchSeries(ctx, name, src.FallbackURL)
		}
	}
	if err != nil {
		return nil, err
	}
	return []model.Record{rec}, nil
}

func (f *MacroFetcher) fetchSeries(ctx context.Context, name, url string) (model.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.Record{}, fmt.Errorf("build macro request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return model.Record{}, fmt.Errorf("fetch macro series %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.Record{}, fmt.Errorf("macro series %s: status %d", name, resp.StatusCode)
	}

	date, closePx, err := lastDailyClose(resp.Body)
	if err != nil {
		return model.Record{}, fmt.Errorf("macro series %s: %w", name, err)
	}
	ts, err := bucket.NormalizeDate(date)
	if err != nil {
		return model.Record{}, malformed("macro series %s date %q", name, date)
	}

	return model.Record{
		Symbol:      model.NormalizeSymbol(name),
		Kind:        model.KindMacroIndex,
		TimestampMs: ts,
		Value:       closePx,
	}, nil
}

// lastDailyClose parses a Date/Close CSV series and returns the final row.
func lastDailyClose(r io.Reader) (string, float64, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return "", 0, malformed("read series header")
	}
	dateCol, closeCol := -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "date":
			dateCol = i
		case "close":
			closeCol = i
		}
	}
	if dateCol < 0 || closeCol < 0 {
		return "", 0, malformed("series header %v lacks Date/Close", header)
	}

	var last []string
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", 0, malformed("read series row")
		}
		last = row
	}
	if last == nil {
		return "", 0, notApplicable("series has no rows")
	}
	if dateCol >= len(last) || closeCol >= len(last) {
		return "", 0, malformed("short series row %v", last)
	}

	closePx, err := strconv.ParseFloat(last[closeCol], 64)
	if err != nil {
		return "", 0, malformed("parse close %q", last[closeCol])
	}
	return last[dateCol], closePx, nil
}
