// Package resolver maps logical catalog symbols to the concrete identifiers
// the exchange accepts. Some contracts trade under a "1000"-prefixed name
// (or the reverse); the resolver discovers such aliases on first use and
// remembers permanently invalid symbols so they are never re-probed within a
// process run.
package resolver

import (
	"context"
	"errors"
	"strings"
	"sync"

	"marketpulse/internal/fetch"
	"marketpulse/logger"
)

// ErrUnresolvable is returned for symbols the exchange definitively does not
// know under the primary or the fallback identifier. Cleared only by process
// restart.
var ErrUnresolvable = errors.New("symbol cannot be resolved")

const fallbackPrefix = "1000"

// ProbeFunc attempts a real fetch for a candidate identifier. The returned
// error is classified to decide between success, fallback and blacklist.
type ProbeFunc func(ctx context.Context, symbol string) error

// Resolver owns the process-wide alias cache and invalid-symbol set. Safe
// for concurrent use by all fetch tasks; updates are rare and idempotent.
type Resolver struct {
	mu      sync.RWMutex
	aliases map[string]string
	invalid map[string]struct{}
	log     *logger.Log
}

// New creates an empty resolver.
func New() *Resolver {
	return &Resolver{
		aliases: make(map[string]string),
		invalid: make(map[string]struct{}),
		log:     logger.GetLogger(),
	}
}

// Resolve maps logical to the identifier the exchange accepts.
//
// Blacklisted symbols return ErrUnresolvable without any network call. A
// known alias is returned directly, also without probing. Otherwise the
// primary identifier is probed; on a definitive unknown-instrument response
// exactly one fallback candidate is probed, and its success is cached as an
// alias. When both candidates are unknown the symbol is blacklisted.
// Transient probe failures propagate to the caller for this cycle only and
// never touch the alias cache or the invalid set.
func (r *Resolver) Resolve(ctx context.Context, logical string, probe ProbeFunc) (string, error) {
	r.mu.RLock()
	_, bad := r.invalid[logical]
	alias, ok := r.aliases[logical]
	r.mu.RUnlock()

	if bad {
		return "", ErrUnresolvable
	}
	if ok {
		return alias, nil
	}

	err := probe(ctx, logical)
	switch fetch.Classify(err) {
	case fetch.Success, fetch.NotApplicable:
		return logical, nil
	case fetch.UnknownInstrument:
		// fall through to the fallback candidate
	default:
		return "", err
	}

	candidate := FallbackSymbol(logical)
	if candidate == logical {
		r.markInvalid(logical)
		return "", ErrUnresolvable
	}

	err = probe(ctx, candidate)
	switch fetch.Classify(err) {
	case fetch.Success, fetch.NotApplicable:
		r.setAlias(logical, candidate)
		return candidate, nil
	case fetch.UnknownInstrument:
		r.markInvalid(logical)
		return "", ErrUnresolvable
	default:
		return "", err
	}
}

// FallbackSymbol builds the single fallback candidate for a logical symbol:
// unprefixed symbols gain the "1000" contract prefix, prefixed ones lose it.
func FallbackSymbol(logical string) string {
	if rest, ok := strings.CutPrefix(logical, fallbackPrefix); ok && rest != "" {
		return rest
	}
	return fallbackPrefix + logical
}

// Alias reports the cached alias for a logical symbol, if any.
func (r *Resolver) Alias(logical string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	alias, ok := r.aliases[logical]
	return alias, ok
}

// Invalid reports whether a logical symbol has been blacklisted.
func (r *Resolver) Invalid(logical string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.invalid[logical]
	return ok
}

func (r *Resolver) setAlias(logical, resolved string) {
	r.mu.Lock()
	r.aliases[logical] = resolved
	r.mu.Unlock()
	r.log.WithComponent("resolver").WithFields(logger.Fields{
		"symbol":   logical,
		"resolved": resolved,
	}).Warn("symbol missing under primary name, cached alias")
}

func (r *Resolver) markInvalid(logical string) {
	r.mu.Lock()
	r.invalid[logical] = struct{}{}
	r.mu.Unlock()
	r.log.WithComponent("resolver").WithFields(logger.Fields{
		"symbol": logical,
	}).Warn("symbol unknown under primary and fallback names, skipping for this run")
}
