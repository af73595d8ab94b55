package offchain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"price-pusher/internal/entry"
	"price-pusher/internal/version"
)

// AggregatedSource names entries read back from the API.
const AggregatedSource = "AGGREGATED"

// Options configure the publisher API client.
type Options struct {
	BaseURL   string
	APIKey    string
	Publisher string
	UserAgent string
	Timeout   time.Duration
	// Interval and Aggregation tune the aggregate read.
	Interval    string
	Aggregation string
}

// Client talks to the off-chain publisher API.
type Client struct {
	opts   Options
	client *http.Client
	logger zerolog.Logger
}

// NewClient constructs a Client instance.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Interval == "" {
		opts.Interval = "1min"
	}
	if opts.Aggregation == "" {
		opts.Aggregation = "median"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{
		opts:   opts,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "offchain_client").Logger(),
	}
}

type wireEntry struct {
	PairID     string `json:"pair_id"`
	Source     string `json:"source"`
	Publisher  string `json:"publisher"`
	Price      string `json:"price"`
	Volume     string `json:"volume"`
	Timestamp  int64  `json:"timestamp"`
	Type       string `json:"type"`
	Expiration int64  `json:"expiration_timestamp,omitempty"`
}

type publishRequest struct {
	Publisher          string      `json:"publisher"`
	Entries            []wireEntry `json:"entries"`
	PublishToWebsocket bool        `json:"publish_to_websocket"`
}

type publishResponse struct {
	NumberEntriesCreated int `json:"number_entries_created"`
}

type aggregateResponse struct {
	PairID       string  `json:"pair_id"`
	Price        string  `json:"price"`
	Timestamp    int64   `json:"timestamp"`
	NumSources   int     `json:"num_sources_aggregated"`
	Decimals     *uint32 `json:"decimals"`
	ExpirationTS int64   `json:"expiration_timestamp"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// PublishEntries posts a batch to the publish endpoint.
func (c *Client) PublishEntries(ctx context.Context, entries []entry.Entry, publishToWebsocket bool) error {
	if c.opts.BaseURL == "" {
		return errors.New("offchain: base url not configured")
	}

	payload := publishRequest{
		Publisher:          c.opts.Publisher,
		Entries:            make([]wireEntry, 0, len(entries)),
		PublishToWebsocket: publishToWebsocket,
	}
	for _, e := range entries {
		payload.Entries = append(payload.Entries, toWire(e))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal publish payload: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.opts.BaseURL+"/v1/data/publish", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp publishResponse
	if err := c.do(req, &resp); err != nil {
		return err
	}
	if resp.NumberEntriesCreated != 0 && resp.NumberEntriesCreated != len(entries) {
		c.logger.Warn().
			Int("sent", len(entries)).
			Int("created", resp.NumberEntriesCreated).
			Msg("api created a different number of entries")
	}
	c.logger.Debug().Int("entries", len(entries)).Bool("websocket", publishToWebsocket).Msg("entries published")
	return nil
}

// FetchLatestEntry reads the current aggregate for a pair from the given sources.
func (c *Client) FetchLatestEntry(ctx context.Context, pair entry.Pair, dt entry.DataType, sources []string) (entry.Entry, error) {
	if c.opts.BaseURL == "" {
		return entry.Entry{}, errors.New("offchain: base url not configured")
	}

	q := url.Values{}
	q.Set("interval", c.opts.Interval)
	q.Set("aggregation", c.opts.Aggregation)
	q.Set("entry_type", entryType(dt))
	if len(sources) > 0 {
		q.Set("sources", strings.Join(sources, ","))
	}
	endpoint := fmt.Sprintf("%s/v1/data/%s/%s?%s",
		c.opts.BaseURL,
		url.PathEscape(pair.Base.ID),
		url.PathEscape(pair.Quote.ID),
		q.Encode(),
	)

	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return entry.Entry{}, err
	}
	var resp aggregateResponse
	if err := c.do(req, &resp); err != nil {
		return entry.Entry{}, err
	}

	price, ok := new(big.Int).SetString(resp.Price, 0)
	if !ok {
		return entry.Entry{}, fmt.Errorf("offchain: invalid price %q", resp.Price)
	}
	// observed entries use the pair precision from the currencies table
	if resp.Decimals != nil {
		price = entry.Rescale(price, *resp.Decimals, pair.Decimals())
	}
	ts := resp.Timestamp
	// the API reports milliseconds
	if ts > 1e12 {
		ts /= 1000
	}

	if dt == entry.Future {
		return entry.NewFuture(pair.ID(), AggregatedSource, c.opts.Publisher, price, nil, ts, resp.ExpirationTS), nil
	}
	return entry.NewSpot(pair.ID(), AggregatedSource, c.opts.Publisher, price, nil, ts), nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("x-api-key", c.opts.APIKey)
	}
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseHTTPError(resp.StatusCode, payload)
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("offchain api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("offchain api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("offchain api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("offchain api error (%d)", status)
}

func toWire(e entry.Entry) wireEntry {
	w := wireEntry{
		PairID:    e.PairID(),
		Source:    e.Source(),
		Publisher: e.Publisher(),
		Price:     e.Price().String(),
		Volume:    e.Volume().String(),
		Timestamp: e.Timestamp(),
		Type:      e.DataType().String(),
	}
	switch e.DataType() {
	case entry.Future:
		w.Expiration = e.Expiry()
	case entry.Generic:
		w.PairID = e.Key()
	}
	return w
}

func entryType(dt entry.DataType) string {
	if dt == entry.Future {
		return "perp"
	}
	return "spot"
}
