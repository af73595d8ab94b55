package entry

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// DataType classifies an entry.
type DataType int

const (
	Spot DataType = iota
	Future
	Generic
)

func (d DataType) String() string {
	switch d {
	case Spot:
		return "SPOT"
	case Future:
		return "FUTURE"
	case Generic:
		return "GENERIC"
	default:
		return fmt.Sprintf("DataType(%d)", int(d))
	}
}

// ParseDataType accepts the upper- or lower-case name of a data type.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SPOT":
		return Spot, nil
	case "FUTURE":
		return Future, nil
	case "GENERIC":
		return Generic, nil
	}
	return 0, fmt.Errorf("unknown data type %q", s)
}

// Entry is one observed or aggregated price. Construct it with NewSpot,
// NewFuture or NewGeneric; the big.Int fields are copied in and out so an
// Entry behaves as an immutable value.
type Entry struct {
	pairID    string
	source    string
	publisher string
	price     *big.Int
	volume    *big.Int
	timestamp int64
	dataType  DataType
	expiry    int64
	key       string
}

// NewSpot builds a spot entry.
func NewSpot(pairID, source, publisher string, price, volume *big.Int, timestamp int64) Entry {
	return Entry{
		pairID:    pairID,
		source:    source,
		publisher: publisher,
		price:     copyInt(price),
		volume:    copyInt(volume),
		timestamp: timestamp,
		dataType:  Spot,
	}
}

// NewFuture builds a future entry. An expiry of 0 marks a perpetual.
func NewFuture(pairID, source, publisher string, price, volume *big.Int, timestamp, expiry int64) Entry {
	e := NewSpot(pairID, source, publisher, price, volume, timestamp)
	e.dataType = Future
	e.expiry = expiry
	return e
}

// NewGeneric builds a keyed entry that is not tied to a trading pair.
func NewGeneric(key, source, publisher string, value *big.Int, timestamp int64) Entry {
	return Entry{
		pairID:    key,
		key:       key,
		source:    source,
		publisher: publisher,
		price:     copyInt(value),
		volume:    new(big.Int),
		timestamp: timestamp,
		dataType:  Generic,
	}
}

func (e Entry) PairID() string     { return e.pairID }
func (e Entry) Source() string     { return e.source }
func (e Entry) Publisher() string  { return e.publisher }
func (e Entry) Timestamp() int64   { return e.timestamp }
func (e Entry) DataType() DataType { return e.dataType }
func (e Entry) Key() string        { return e.key }

// Expiry is the future expiry timestamp, 0 for perpetuals and non-future entries.
func (e Entry) Expiry() int64 { return e.expiry }

// Price returns a copy of the fixed-point price.
func (e Entry) Price() *big.Int { return copyInt(e.price) }

// Volume returns a copy of the fixed-point volume.
func (e Entry) Volume() *big.Int { return copyInt(e.volume) }

// PriceDecimal exposes the raw fixed-point price as a decimal without rescaling.
func (e Entry) PriceDecimal() decimal.Decimal {
	return decimal.NewFromBigInt(copyInt(e.price), 0)
}

// Decimal rescales the fixed-point price by the given number of decimals.
func (e Entry) Decimal(decimals uint32) decimal.Decimal {
	return decimal.NewFromBigInt(copyInt(e.price), -int32(decimals))
}

func (e Entry) String() string {
	s := fmt.Sprintf("%s/%s %s price=%s ts=%d", e.pairID, e.dataType, e.source, e.Price().String(), e.timestamp)
	if e.dataType == Future {
		s += fmt.Sprintf(" expiry=%d", e.expiry)
	}
	return s
}

// ScalePrice converts a human price into its fixed-point representation.
func ScalePrice(price decimal.Decimal, decimals uint32) *big.Int {
	return price.Shift(int32(decimals)).Round(0).BigInt()
}

// Rescale converts a fixed-point value from one precision to another,
// truncating when precision is lost.
func Rescale(v *big.Int, from, to uint32) *big.Int {
	out := copyInt(v)
	switch {
	case to > from:
		out.Mul(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(to-from)), nil))
	case from > to:
		out.Quo(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(from-to)), nil))
	}
	return out
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
