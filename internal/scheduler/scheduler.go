// Package scheduler drives one metric family across all catalog symbols on a
// fixed interval. Each cycle fans out per-symbol work concurrently; the next
// cycle is gated on the interval measured from cycle start, and an overrun
// cycle is followed immediately by the next one rather than overlapping it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"marketpulse/internal/fetch"
	"marketpulse/internal/model"
	"marketpulse/internal/resolver"
	"marketpulse/logger"
)

// Fetcher retrieves all records of one metric family for one resolved
// symbol. Partial results may be returned together with an error; whatever
// records came back are persisted regardless.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, symbol string) ([]model.Record, error)
}

// Storage is the slice of the upsert store the scheduler writes through.
type Storage interface {
	Upsert(ctx context.Context, rec model.Record) error
	RecomputeBucket(ctx context.Context, symbol string, bucketStart, widthMs int64) error
}

// Config holds one family's cycle parameters.
type Config struct {
	Interval    time.Duration
	Concurrency int
	Timeout     time.Duration
	// BucketWidthMs, when positive, re-aggregates the bucket containing
	// every persisted candle after the raw write. Only the candle family
	// sets it.
	BucketWidthMs int64
}

// Scheduler polls one metric family.
type Scheduler struct {
	cfg      Config
	fetcher  Fetcher
	symbols  []string
	resolver *resolver.Resolver
	store    Storage
	log      *logger.Log

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New creates a scheduler. resolver may be nil for families whose symbols
// are not exchange instruments (macro indices).
func New(cfg Config, fetcher Fetcher, symbols []string, res *resolver.Resolver, store Storage) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Scheduler{
		cfg:      cfg,
		fetcher:  fetcher,
		symbols:  symbols,
		resolver: res,
		store:    store,
		log:      logger.GetLogger(),
	}
}

// Start launches the polling loop. The first cycle begins immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	if len(s.symbols) == 0 {
		return fmt.Errorf("no symbols configured for %s scheduler", s.fetcher.Name())
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("%s scheduler already running", s.fetcher.Name())
	}
	s.running = true
	s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()

	s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"family":   s.fetcher.Name(),
		"symbols":  len(s.symbols),
		"interval": s.cfg.Interval.String(),
	}).Info("scheduler started")
	return nil
}

// Stop cancels the loop and waits for in-flight fetches to finish or time
// out individually, so no write is abandoned mid-bucket.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"family": s.fetcher.Name(),
	}).Info("scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		start := time.Now()
		s.runCycle()

		// Sleep is measured from cycle start. An overrun cycle starts the
		// next one immediately; cycles never overlap.
		wait := s.cfg.Interval - time.Since(start)
		if wait < 0 {
			s.log.WithComponent("scheduler").WithFields(logger.Fields{
				"family":   s.fetcher.Name(),
				"duration": time.Since(start).String(),
				"interval": s.cfg.Interval.String(),
			}).Warn("cycle overran interval")
			wait = 0
		}
		timer.Reset(wait)
	}
}

// runCycle dispatches every symbol concurrently and returns when all
// dispatched work has finished.
func (s *Scheduler) runCycle() {
	start := time.Now()
	cycle := uuid.NewString()[:8]

	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup
	var stored, skipped, notApplicable, failed atomic.Int64

	for _, symbol := range s.symbols {
		wg.Add(1)
		go func(logical string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-s.ctx.Done():
				return
			}

			switch s.pollSymbol(logical, cycle) {
			case pollStored:
				stored.Add(1)
			case pollSkipped:
				skipped.Add(1)
			case pollNotApplicable:
				notApplicable.Add(1)
			case pollFailed:
				failed.Add(1)
			}
		}(symbol)
	}
	wg.Wait()

	log := s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"family":         s.fetcher.Name(),
		"cycle":          cycle,
		"symbols":        len(s.symbols),
		"stored":         stored.Load(),
		"skipped":        skipped.Load(),
		"not_applicable": notApplicable.Load(),
		"failed":         failed.Load(),
		"duration":       time.Since(start).String(),
	})
	log.Info("poll cycle complete")

	s.log.LogMetric("scheduler", "symbols_stored", float64(stored.Load()), logger.Fields{"family": s.fetcher.Name()})
	if failed.Load() > 0 {
		s.log.LogMetric("scheduler", "symbols_failed", float64(failed.Load()), logger.Fields{"family": s.fetcher.Name()})
	}
}

type pollResult int

const (
	pollStored pollResult = iota
	pollSkipped
	pollNotApplicable
	pollFailed
)

// pollSymbol resolves, fetches and persists one symbol. Errors are
// classified and logged here; they never escape the per-symbol task, so one
// symbol's failure cannot abort the cycle for the others.
func (s *Scheduler) pollSymbol(logical, cycle string) pollResult {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
	defer cancel()

	log := s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"family": s.fetcher.Name(),
		"cycle":  cycle,
		"symbol": logical,
	})

	var records []model.Record
	var fetchErr error
	fetched := false

	if s.resolver != nil {
		resolved, err := s.resolver.Resolve(ctx, logical, func(ctx context.Context, candidate string) error {
			fetched = true
			records, fetchErr = s.fetcher.Fetch(ctx, candidate)
			return fetchErr
		})
		if errors.Is(err, resolver.ErrUnresolvable) {
			log.Debug("symbol blacklisted, skipping")
			return pollSkipped
		}
		if err != nil && !fetched {
			s.logFetchFailure(log, err)
			return pollFailed
		}
		// A cached alias resolves without probing; fetch it now.
		if err == nil && !fetched {
			records, fetchErr = s.fetcher.Fetch(ctx, resolved)
		}
		// A probe that failed transiently falls through: fetchErr carries
		// the same error and any records the probe captured still persist.
	} else {
		records, fetchErr = s.fetcher.Fetch(ctx, logical)
	}

	// Partial results are persisted even when the fetch also reports an
	// error for the missing side.
	persisted := false
	for _, rec := range records {
		// Rows are keyed by the logical symbol so aliased instruments stay
		// queryable under their catalog name.
		rec.Symbol = logical
		if err := s.store.Upsert(ctx, rec); err != nil {
			log.WithError(err).Error("failed to persist record")
			return pollFailed
		}
		persisted = true

		if s.cfg.BucketWidthMs > 0 && rec.Kind == model.KindCandle {
			start := rec.TimestampMs / s.cfg.BucketWidthMs * s.cfg.BucketWidthMs
			if err := s.store.RecomputeBucket(ctx, logical, start, s.cfg.BucketWidthMs); err != nil {
				log.WithError(err).Error("failed to re-aggregate bucket")
				return pollFailed
			}
		}
	}

	switch fetch.Classify(fetchErr) {
	case fetch.Success:
		return pollStored
	case fetch.NotApplicable:
		log.Debug("metric not applicable for symbol")
		if persisted {
			return pollStored
		}
		return pollNotApplicable
	default:
		s.logFetchFailure(log, fetchErr)
		return pollFailed
	}
}

func (s *Scheduler) logFetchFailure(log *logger.Entry, err error) {
	switch fetch.Classify(err) {
	case fetch.Malformed:
		log.WithError(err).Warn("malformed response, possible upstream contract change")
	case fetch.UnknownInstrument:
		log.WithError(err).Warn("exchange rejected symbol")
	default:
		log.WithError(err).Warn("fetch failed, will retry next cycle")
	}
}
