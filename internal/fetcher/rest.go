package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"price-pusher/internal/entry"
	"price-pusher/internal/version"
)

// RESTOptions parameterise a JSON ticker source.
type RESTOptions struct {
	Name      string
	Publisher string
	Pairs     []entry.Pair
	// URLTemplate may reference {base}, {quote}, {base_lower} and {quote_lower}.
	URLTemplate string
	// PricePath, VolumePath and TimestampPath are gjson paths into the response.
	PricePath     string
	VolumePath    string
	TimestampPath string
	// TimestampMillis marks TimestampPath values as unix milliseconds.
	TimestampMillis   bool
	Headers           map[string]string
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// REST fetches spot prices from an HTTP JSON API.
type REST struct {
	opts    RESTOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewREST constructs a REST source.
func NewREST(opts RESTOptions, logger zerolog.Logger) *REST {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &REST{
		opts:    opts,
		logger:  logger.With().Str("component", "rest_fetcher").Str("source", opts.Name).Logger(),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		now:     time.Now,
	}
}

func (r *REST) Name() string  { return r.opts.Name }
func (r *REST) UsesRPC() bool { return false }

// Fetch requests every configured pair. Pairs that fail are logged and
// skipped; the call only fails when no pair could be fetched.
func (r *REST) Fetch(ctx context.Context) ([]entry.Entry, error) {
	if r.opts.URLTemplate == "" {
		return nil, errors.New("url template not configured")
	}
	if r.opts.PricePath == "" {
		return nil, errors.New("price path not configured")
	}

	var (
		out  []entry.Entry
		errs []error
	)
	for _, pair := range r.opts.Pairs {
		e, err := r.fetchPair(ctx, pair)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn().Err(err).Str("pair", pair.ID()).Msg("pair fetch failed")
			errs = append(errs, fmt.Errorf("%s: %w", pair.ID(), err))
			continue
		}
		out = append(out, e)
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (r *REST) fetchPair(ctx context.Context, pair entry.Pair) (entry.Entry, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return entry.Entry{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url(pair), nil)
	if err != nil {
		return entry.Entry{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(r.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
	}
	for k, v := range r.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return entry.Entry{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return entry.Entry{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return entry.Entry{}, parseHTTPError(r.opts.Name, resp.StatusCode, payload)
	}
	if !gjson.ValidBytes(payload) {
		return entry.Entry{}, errors.New("response is not valid json")
	}

	priceRes := gjson.GetBytes(payload, r.opts.PricePath)
	if !priceRes.Exists() {
		return entry.Entry{}, fmt.Errorf("price path %q not found", r.opts.PricePath)
	}
	price, err := decimal.NewFromString(priceRes.String())
	if err != nil {
		return entry.Entry{}, fmt.Errorf("parse price: %w", err)
	}
	if !price.IsPositive() {
		return entry.Entry{}, fmt.Errorf("non-positive price %s", price)
	}

	volume := decimal.Zero
	if r.opts.VolumePath != "" {
		if res := gjson.GetBytes(payload, r.opts.VolumePath); res.Exists() {
			if v, err := decimal.NewFromString(res.String()); err == nil {
				volume = v
			} else {
				r.logger.Debug().Err(err).Str("pair", pair.ID()).Msg("unparseable volume, using zero")
			}
		}
	}

	ts := r.now().Unix()
	if r.opts.TimestampPath != "" {
		if res := gjson.GetBytes(payload, r.opts.TimestampPath); res.Exists() && res.Int() > 0 {
			ts = res.Int()
			if r.opts.TimestampMillis {
				ts /= 1000
			}
		}
	}

	decimals := pair.Decimals()
	return entry.NewSpot(
		pair.ID(),
		r.opts.Name,
		r.opts.Publisher,
		entry.ScalePrice(price, decimals),
		entry.ScalePrice(volume, decimals),
		ts,
	), nil
}

func (r *REST) url(pair entry.Pair) string {
	return strings.NewReplacer(
		"{base}", pair.Base.ID,
		"{quote}", pair.Quote.ID,
		"{base_lower}", strings.ToLower(pair.Base.ID),
		"{quote_lower}", strings.ToLower(pair.Quote.ID),
	).Replace(r.opts.URLTemplate)
}

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"description"`
	Message     string `json:"message"`
	Msg         string `json:"msg"`
}

func parseHTTPError(source string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, msg := range []string{apiErr.Description, apiErr.Message, apiErr.Msg, apiErr.Error} {
			if msg != "" {
				return fmt.Errorf("%s api error (%d): %s", source, status, msg)
			}
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s api error (%d): %s", source, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%s api error (%d)", source, status)
}

var _ Fetcher = (*REST)(nil)
