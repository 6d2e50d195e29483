// Package fetch retrieves one metric family for one resolved symbol from the
// exchange and normalizes the raw payload into metric records. Fetch errors
// are classified into a small set of outcomes so callers branch on an
// enumerated kind instead of matching error text.
package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/adshao/go-binance/v2/common"
)

// Outcome classifies the result of a fetch attempt.
type Outcome int

const (
	// Success means data was retrieved and normalized.
	Success Outcome = iota
	// NotApplicable means the metric does not exist for this symbol, e.g. a
	// spot-only asset with no futures market. Not an error.
	NotApplicable
	// UnknownInstrument means the exchange definitively rejected the symbol.
	// Drives resolver fallback and blacklisting.
	UnknownInstrument
	// Transient covers timeouts, rate limits and 5xx; retried next cycle.
	Transient
	// Malformed means the payload had an unexpected shape. Retried like a
	// transient failure but logged at warning level since it may indicate an
	// upstream contract change.
	Malformed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case NotApplicable:
		return "not_applicable"
	case UnknownInstrument:
		return "unknown_instrument"
	case Malformed:
		return "malformed"
	default:
		return "transient"
	}
}

// ErrNotApplicable marks a valid no-data-for-this-symbol result.
var ErrNotApplicable = errors.New("metric not applicable for symbol")

// ErrMalformed marks an unexpected payload shape.
var ErrMalformed = errors.New("malformed response")

// Exchange error code for a definitively unknown instrument.
const codeInvalidSymbol = -1121

// Classify maps a fetch error to its outcome. A nil error is Success.
func Classify(err error) Outcome {
	if err == nil {
		return Success
	}
	if errors.Is(err, ErrNotApplicable) {
		return NotApplicable
	}
	if errors.Is(err, ErrMalformed) {
		return Malformed
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == codeInvalidSymbol {
			return UnknownInstrument
		}
		// Rate limits, bans and server-side errors all land here; the next
		// cycle re-attempts them.
		return Transient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	return Transient
}

func malformed(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrMalformed)...)
}

func notApplicable(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotApplicable)...)
}
