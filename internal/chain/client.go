package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"price-pusher/internal/entry"
	"price-pusher/internal/rpchealth"
)

const (
	DefaultChunkSize     = 20
	DefaultCheckInterval = time.Second
	// AggregatedSource names entries read back from the oracle.
	AggregatedSource = "AGGREGATED"
)

// Backend is the RPC surface the oracle client uses.
type Backend interface {
	rpchealth.Node
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Dial opens an ethclient connection. It has the rpchealth.Dialer shape.
func Dial(ctx context.Context, endpoint string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Options parameterise the oracle client.
type Options struct {
	Oracle common.Address
	// PrivateKey is hex encoded, with or without 0x. Only needed to publish.
	PrivateKey string
	// ChainID is read from the node when nil.
	ChainID   *big.Int
	ChunkSize int
	// GasLimit overrides estimation when positive.
	GasLimit uint64
	// Publisher labels entries read back from the oracle.
	Publisher string
}

// Client publishes to and reads from the oracle contract. Every call goes
// through the health manager's current node, so a rotated endpoint applies
// to the next call.
type Client struct {
	health *rpchealth.Manager[Backend]
	opts   Options
	logger zerolog.Logger

	key  *ecdsa.PrivateKey
	from common.Address

	signerMu sync.Mutex
	signer   types.Signer
}

// NewClient constructs a Client instance.
func NewClient(health *rpchealth.Manager[Backend], opts Options, logger zerolog.Logger) (*Client, error) {
	if health == nil {
		return nil, errors.New("chain: health manager is required")
	}
	if opts.Oracle == (common.Address{}) {
		return nil, errors.New("chain: oracle address is required")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	c := &Client{
		health: health,
		opts:   opts,
		logger: logger.With().Str("component", "chain_client").Str("oracle", opts.Oracle.Hex()).Logger(),
	}
	if strings.TrimSpace(opts.PrivateKey) != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(opts.PrivateKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("chain: parse private key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c, nil
}

// From is the publishing account, zero when read-only.
func (c *Client) From() common.Address { return c.from }

// Health exposes the shared failover state.
func (c *Client) Health() *rpchealth.Manager[Backend] { return c.health }

// PublishMany sends the entries as one publishMany transaction per chunk and
// returns the transaction hashes in nonce order.
func (c *Client) PublishMany(ctx context.Context, entries []entry.Entry) ([]common.Hash, error) {
	if c.key == nil {
		return nil, errors.New("chain: private key not configured")
	}
	if len(entries) == 0 {
		return nil, nil
	}

	backend := c.health.Node()
	signer, err := c.getSigner(ctx, backend)
	if err != nil {
		return nil, err
	}
	nonce, err := backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	tipCap, feeCap, err := c.fees(ctx, backend)
	if err != nil {
		return nil, err
	}

	var hashes []common.Hash
	for start := 0; start < len(entries); start += c.opts.ChunkSize {
		end := min(start+c.opts.ChunkSize, len(entries))
		data, err := packPublishMany(entries[start:end])
		if err != nil {
			return hashes, fmt.Errorf("pack publishMany: %w", err)
		}

		gas := c.opts.GasLimit
		if gas == 0 {
			estimated, err := backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &c.opts.Oracle, Data: data})
			if err != nil {
				return hashes, fmt.Errorf("estimate gas: %w", err)
			}
			gas = estimated + estimated/5
		}

		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   signer.ChainID(),
			Nonce:     nonce,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &c.opts.Oracle,
			Value:     new(big.Int),
			Data:      data,
		})
		signed, err := types.SignTx(tx, signer, c.key)
		if err != nil {
			return hashes, fmt.Errorf("sign transaction: %w", err)
		}
		if err := backend.SendTransaction(ctx, signed); err != nil {
			return hashes, fmt.Errorf("send transaction: %w", err)
		}

		c.logger.Debug().
			Str("tx", signed.Hash().Hex()).
			Uint64("nonce", nonce).
			Int("entries", end-start).
			Msg("publishMany sent")
		hashes = append(hashes, signed.Hash())
		nonce++
	}
	return hashes, nil
}

// WaitForAcceptance polls the receipt every interval until the transaction is
// mined. A reverted transaction is an error. There is no overall timeout
// beyond ctx.
func (c *Client) WaitForAcceptance(ctx context.Context, tx common.Hash, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := c.health.Node().TransactionReceipt(ctx, tx)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("transaction %s failed in block %s", tx.Hex(), receipt.BlockNumber)
			}
			c.logger.Debug().Str("tx", tx.Hex()).Str("block", receipt.BlockNumber.String()).Msg("transaction accepted")
			return nil
		case errors.Is(err, ethereum.NotFound):
			// still pending
		default:
			return fmt.Errorf("receipt %s: %w", tx.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// FetchLatestEntry reads the oracle's aggregate for the given sources.
func (c *Client) FetchLatestEntry(ctx context.Context, pair entry.Pair, dt entry.DataType, sources []string) (entry.Entry, error) {
	data, err := packGetData(pair, dt, 0, sources)
	if err != nil {
		return entry.Entry{}, fmt.Errorf("pack getData: %w", err)
	}
	res, err := c.health.Node().CallContract(ctx, ethereum.CallMsg{To: &c.opts.Oracle, Data: data}, nil)
	if err != nil {
		return entry.Entry{}, fmt.Errorf("call getData: %w", err)
	}
	out, err := unpackGetData(res)
	if err != nil {
		return entry.Entry{}, err
	}

	if dt == entry.Future {
		return entry.NewFuture(pair.ID(), AggregatedSource, c.opts.Publisher, out.Price, nil, int64(out.Timestamp), int64(out.Expiry)), nil
	}
	return entry.NewSpot(pair.ID(), AggregatedSource, c.opts.Publisher, out.Price, nil, int64(out.Timestamp)), nil
}

func (c *Client) getSigner(ctx context.Context, backend Backend) (types.Signer, error) {
	c.signerMu.Lock()
	defer c.signerMu.Unlock()

	if c.signer != nil {
		return c.signer, nil
	}
	chainID := c.opts.ChainID
	if chainID == nil {
		id, err := backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("chain id: %w", err)
		}
		chainID = id
	}
	c.signer = types.LatestSignerForChainID(chainID)
	return c.signer, nil
}

func (c *Client) fees(ctx context.Context, backend Backend) (*big.Int, *big.Int, error) {
	tip, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("suggest gas tip: %w", err)
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	} else {
		feeCap.Mul(feeCap, big.NewInt(2))
	}
	return tip, feeCap, nil
}
