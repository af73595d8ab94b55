package entry

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParsePair(t *testing.T) {
	p, err := ParsePair("btc/usd", map[string]uint32{"BTC": 8, "USD": 6})
	if err != nil {
		t.Fatalf("parse pair: %v", err)
	}
	if p.ID() != "BTC/USD" {
		t.Fatalf("unexpected id %s", p.ID())
	}
	if p.Decimals() != 8 {
		t.Fatalf("pair precision should be the larger side, got %d", p.Decimals())
	}

	if _, err := ParsePair("BTCUSD", nil); err == nil {
		t.Fatal("pair without separator should fail")
	}
}

func TestEntryIsImmutable(t *testing.T) {
	price := big.NewInt(100)
	e := NewSpot("BTC/USD", "SOURCE_1", "PUB", price, nil, 1000)

	price.SetInt64(1)
	if e.Price().Int64() != 100 {
		t.Fatal("entry must copy the price on construction")
	}

	e.Price().SetInt64(5)
	if e.Price().Int64() != 100 {
		t.Fatal("entry must copy the price on read")
	}
	if e.Volume().Sign() != 0 {
		t.Fatal("nil volume should read as zero")
	}
}

func TestFutureEntry(t *testing.T) {
	e := NewFuture("ETH/USD", "SOURCE_1", "PUB", big.NewInt(2), big.NewInt(0), 10, 20)
	if e.DataType() != Future || e.Expiry() != 20 {
		t.Fatalf("unexpected future entry %s", e)
	}
}

func TestScalePrice(t *testing.T) {
	got := ScalePrice(decimal.RequireFromString("65000.123456789"), 8)
	if got.String() != "6500012345679" {
		t.Fatalf("unexpected scaled price %s", got)
	}
	e := NewSpot("BTC/USD", "S", "P", got, nil, 0)
	if !e.Decimal(8).Equal(decimal.RequireFromString("65000.12345679")) {
		t.Fatalf("round trip mismatch: %s", e.Decimal(8))
	}
}

func TestRescale(t *testing.T) {
	v := big.NewInt(123456789)
	if got := Rescale(v, 8, 8).String(); got != "123456789" {
		t.Fatalf("same precision: %s", got)
	}
	if got := Rescale(v, 10, 8).String(); got != "1234567" {
		t.Fatalf("down: %s", got)
	}
	if got := Rescale(v, 8, 18).String(); got != "1234567890000000000" {
		t.Fatalf("up: %s", got)
	}
	if v.String() != "123456789" {
		t.Fatal("input must not be mutated")
	}
}

func TestParseDataType(t *testing.T) {
	for in, want := range map[string]DataType{"spot": Spot, "FUTURE": Future, " generic ": Generic} {
		got, err := ParseDataType(in)
		if err != nil || got != want {
			t.Fatalf("ParseDataType(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseDataType("options"); err == nil {
		t.Fatal("unknown type should fail")
	}
}
