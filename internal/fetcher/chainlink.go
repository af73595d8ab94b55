package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"price-pusher/internal/entry"
)

const (
	aggregatorV3ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`
)

var (
	aggregatorV3ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	if err != nil {
		panic("failed to parse AggregatorV3 ABI: " + err.Error())
	}
	aggregatorV3ABI = parsed
}

// ContractCaller is the part of an RPC client the Chainlink source needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainlinkOptions parameterise the on-chain reference feed source.
type ChainlinkOptions struct {
	Name      string
	Publisher string
	RPCURL    string
	// Feeds maps a pair to its AggregatorV3 contract address.
	Feeds   map[entry.Pair]string
	Timeout time.Duration
}

// Chainlink reads latestRoundData from AggregatorV3 contracts.
type Chainlink struct {
	opts      ChainlinkOptions
	logger    zerolog.Logger
	client    ContractCaller
	clientMux sync.Mutex

	decimalsMu sync.Mutex
	decimals   map[common.Address]uint8
}

// NewChainlink builds a Chainlink source.
func NewChainlink(opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	return &Chainlink{
		opts:     opts,
		logger:   logger.With().Str("component", "chainlink_fetcher").Str("source", opts.Name).Logger(),
		decimals: make(map[common.Address]uint8),
	}
}

func (c *Chainlink) Name() string  { return c.opts.Name }
func (c *Chainlink) UsesRPC() bool { return true }

// Fetch reads every configured feed.
func (c *Chainlink) Fetch(ctx context.Context) ([]entry.Entry, error) {
	if c.opts.RPCURL == "" && c.client == nil {
		return nil, errors.New("ethereum rpc url not configured")
	}
	if len(c.opts.Feeds) == 0 {
		return nil, errors.New("no feed addresses configured")
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}

	var (
		out  []entry.Entry
		errs []error
	)
	for pair, address := range c.opts.Feeds {
		e, err := c.fetchFeed(ctx, client, pair, common.HexToAddress(address))
		if err != nil {
			c.logger.Warn().Err(err).Str("pair", pair.ID()).Str("feed", address).Msg("feed read failed")
			errs = append(errs, fmt.Errorf("%s: %w", pair.ID(), err))
			continue
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (c *Chainlink) fetchFeed(ctx context.Context, client ContractCaller, pair entry.Pair, addr common.Address) (entry.Entry, error) {
	feedDecimals, err := c.feedDecimals(ctx, client, addr)
	if err != nil {
		return entry.Entry{}, err
	}

	payload, err := aggregatorV3ABI.Pack("latestRoundData")
	if err != nil {
		return entry.Entry{}, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return entry.Entry{}, err
	}
	outputs, err := aggregatorV3ABI.Unpack("latestRoundData", res)
	if err != nil {
		return entry.Entry{}, err
	}
	if len(outputs) != 5 {
		return entry.Entry{}, errors.New("unexpected latestRoundData response")
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return entry.Entry{}, errors.New("failed to decode latestRoundData answer")
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return entry.Entry{}, errors.New("failed to decode latestRoundData updatedAt")
	}
	if answer.Sign() <= 0 {
		return entry.Entry{}, fmt.Errorf("non-positive answer %s", answer)
	}

	price := entry.Rescale(answer, uint32(feedDecimals), pair.Decimals())
	return entry.NewSpot(pair.ID(), c.opts.Name, c.opts.Publisher, price, nil, updatedAt.Int64()), nil
}

func (c *Chainlink) feedDecimals(ctx context.Context, client ContractCaller, addr common.Address) (uint8, error) {
	c.decimalsMu.Lock()
	d, ok := c.decimals[addr]
	c.decimalsMu.Unlock()
	if ok {
		return d, nil
	}

	payload, err := aggregatorV3ABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return 0, err
	}
	outputs, err := aggregatorV3ABI.Unpack("decimals", res)
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	d, ok = outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	c.decimalsMu.Lock()
	c.decimals[addr] = d
	c.decimalsMu.Unlock()
	return d, nil
}

func (c *Chainlink) getClient(ctx context.Context) (ContractCaller, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

var _ Fetcher = (*Chainlink)(nil)
