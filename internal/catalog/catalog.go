// Package catalog loads the set of tracked instruments and their tier
// classification from the bucket-mapping CSV. The catalog is read once at
// startup and immutable afterwards.
package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"marketpulse/internal/model"
)

// ErrEmpty is returned when the mapping file yields no symbols. An empty
// catalog is fatal: there is nothing to poll.
var ErrEmpty = errors.New("symbol catalog is empty")

// Catalog holds the loaded instrument set.
type Catalog struct {
	symbols []model.Symbol
}

// Load reads a CSV with at least "symbol" and "bucket" columns. Symbols are
// uppercased, deduplicated and sorted; a symbol that appears twice keeps the
// last row's tier.
func Load(path string) (*Catalog, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bucket mapping: %w", err)
	}
	defer fh.Close()
	return Parse(fh)
}

// Parse reads the mapping from an already-open reader.
func Parse(r io.Reader) (*Catalog, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read bucket mapping header: %w", err)
	}
	symCol, tierCol := -1, -1
	for i, name := range header {
		switch name {
		case "symbol":
			symCol = i
		case "bucket":
			tierCol = i
		}
	}
	if symCol < 0 {
		return nil, fmt.Errorf("bucket mapping has no symbol column: %v", header)
	}

	tiers := make(map[string]model.Tier)
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read bucket mapping row: %w", err)
		}
		if symCol >= len(row) {
			continue
		}
		sym := model.NormalizeSymbol(row[symCol])
		if sym == "" {
			continue
		}
		tier := model.TierNone
		if tierCol >= 0 && tierCol < len(row) {
			tier = model.ParseTier(row[tierCol])
		}
		tiers[sym] = tier
	}

	if len(tiers) == 0 {
		return nil, ErrEmpty
	}

	symbols := make([]model.Symbol, 0, len(tiers))
	for sym, tier := range tiers {
		symbols = append(symbols, model.Symbol{Name: sym, Tier: tier})
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].Name < symbols[j].Name })

	return &Catalog{symbols: symbols}, nil
}

// Len reports the number of tracked instruments.
func (c *Catalog) Len() int { return len(c.symbols) }

// Symbols returns every tracked instrument identifier in sorted order.
func (c *Catalog) Symbols() []string {
	out := make([]string, len(c.symbols))
	for i, s := range c.symbols {
		out[i] = s.Name
	}
	return out
}

// TierSymbols returns the identifiers belonging to any of the given tiers,
// in sorted order.
func (c *Catalog) TierSymbols(tiers ...model.Tier) []string {
	want := make(map[model.Tier]struct{}, len(tiers))
	for _, t := range tiers {
		want[t] = struct{}{}
	}
	var out []string
	for _, s := range c.symbols {
		if _, ok := want[s.Tier]; ok {
			out = append(out, s.Name)
		}
	}
	return out
}
