package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"price-pusher/internal/entry"
)

const oracleABIJSON = `[
{"inputs":[{"components":[
  {"internalType":"uint8","name":"dataType","type":"uint8"},
  {"internalType":"bytes32","name":"pairId","type":"bytes32"},
  {"internalType":"bytes32","name":"source","type":"bytes32"},
  {"internalType":"bytes32","name":"publisher","type":"bytes32"},
  {"internalType":"uint256","name":"price","type":"uint256"},
  {"internalType":"uint256","name":"volume","type":"uint256"},
  {"internalType":"uint64","name":"timestamp","type":"uint64"},
  {"internalType":"uint64","name":"expiry","type":"uint64"}
 ],"internalType":"struct Entry[]","name":"entries","type":"tuple[]"}],
 "name":"publishMany","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[
  {"internalType":"uint8","name":"dataType","type":"uint8"},
  {"internalType":"bytes32","name":"pairId","type":"bytes32"},
  {"internalType":"uint64","name":"expiry","type":"uint64"},
  {"internalType":"bytes32[]","name":"sources","type":"bytes32[]"}
 ],"name":"getData","outputs":[
  {"internalType":"uint256","name":"price","type":"uint256"},
  {"internalType":"uint64","name":"timestamp","type":"uint64"},
  {"internalType":"uint32","name":"numSources","type":"uint32"},
  {"internalType":"uint64","name":"expiry","type":"uint64"}
 ],"stateMutability":"view","type":"function"}
]`

var oracleABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(oracleABIJSON))
	if err != nil {
		panic("failed to parse oracle ABI: " + err.Error())
	}
	oracleABI = parsed
}

// abiEntry mirrors the Entry tuple of publishMany.
type abiEntry struct {
	DataType  uint8
	PairId    [32]byte
	Source    [32]byte
	Publisher [32]byte
	Price     *big.Int
	Volume    *big.Int
	Timestamp uint64
	Expiry    uint64
}

// shortString left-aligns an ASCII identifier in a bytes32 word.
func shortString(s string) ([32]byte, error) {
	var out [32]byte
	if len(s) > len(out) {
		return out, fmt.Errorf("identifier %q longer than 32 bytes", s)
	}
	copy(out[:], s)
	return out, nil
}

func fromShortString(b [32]byte) string {
	return strings.TrimRight(string(b[:]), "\x00")
}

func toABIEntry(e entry.Entry) (abiEntry, error) {
	id := e.PairID()
	if e.DataType() == entry.Generic {
		id = e.Key()
	}
	pairID, err := shortString(id)
	if err != nil {
		return abiEntry{}, err
	}
	source, err := shortString(e.Source())
	if err != nil {
		return abiEntry{}, err
	}
	publisher, err := shortString(e.Publisher())
	if err != nil {
		return abiEntry{}, err
	}
	if e.Price().Sign() < 0 {
		return abiEntry{}, fmt.Errorf("negative price for %s", id)
	}
	return abiEntry{
		DataType:  uint8(e.DataType()),
		PairId:    pairID,
		Source:    source,
		Publisher: publisher,
		Price:     e.Price(),
		Volume:    e.Volume(),
		Timestamp: uint64(e.Timestamp()),
		Expiry:    uint64(e.Expiry()),
	}, nil
}

func packPublishMany(entries []entry.Entry) ([]byte, error) {
	args := make([]abiEntry, 0, len(entries))
	for _, e := range entries {
		a, err := toABIEntry(e)
		if err != nil {
			return nil, err
		}
		args = append(args, a)
	}
	return oracleABI.Pack("publishMany", args)
}

func packGetData(pair entry.Pair, dt entry.DataType, expiry int64, sources []string) ([]byte, error) {
	pairID, err := shortString(pair.ID())
	if err != nil {
		return nil, err
	}
	srcs := make([][32]byte, 0, len(sources))
	for _, s := range sources {
		b, err := shortString(s)
		if err != nil {
			return nil, err
		}
		srcs = append(srcs, b)
	}
	return oracleABI.Pack("getData", uint8(dt), pairID, uint64(expiry), srcs)
}

type oracleData struct {
	Price      *big.Int
	Timestamp  uint64
	NumSources uint32
	Expiry     uint64
}

func unpackGetData(res []byte) (oracleData, error) {
	var out oracleData
	if err := oracleABI.UnpackIntoInterface(&out, "getData", res); err != nil {
		return oracleData{}, fmt.Errorf("unpack getData: %w", err)
	}
	return out, nil
}
