package entry

import (
	"fmt"
	"strings"
)

// DefaultDecimals applies to currencies without an explicit precision.
const DefaultDecimals uint32 = 8

// Currency identifies one side of a pair.
type Currency struct {
	ID       string
	Decimals uint32
}

// Pair is an ordered (base, quote) currency pair.
type Pair struct {
	Base  Currency
	Quote Currency
}

// NewPair builds a pair from currency ids, resolving decimals through the
// supplied table.
func NewPair(base, quote string, decimals map[string]uint32) Pair {
	return Pair{
		Base:  newCurrency(base, decimals),
		Quote: newCurrency(quote, decimals),
	}
}

// ParsePair parses "BASE/QUOTE".
func ParsePair(s string, decimals map[string]uint32) (Pair, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, fmt.Errorf("invalid pair %q, expected BASE/QUOTE", s)
	}
	return NewPair(parts[0], parts[1], decimals), nil
}

// ID is the canonical "BASE/QUOTE" identifier.
func (p Pair) ID() string { return p.Base.ID + "/" + p.Quote.ID }

// Decimals is the precision prices of this pair are scaled by.
func (p Pair) Decimals() uint32 {
	if p.Base.Decimals > p.Quote.Decimals {
		return p.Base.Decimals
	}
	return p.Quote.Decimals
}

func (p Pair) String() string { return p.ID() }

func newCurrency(id string, decimals map[string]uint32) Currency {
	id = strings.ToUpper(strings.TrimSpace(id))
	d, ok := decimals[id]
	if !ok {
		d = DefaultDecimals
	}
	return Currency{ID: id, Decimals: d}
}
