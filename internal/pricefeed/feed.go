/*
This file fetches the LP share price used to size pool exits.

The endpoint returns {"price_per_share": "<decimal>", "updated_at": "<RFC3339>"}. A quote older
than MaxAge is rejected so an exit is never sized against a frozen feed.
*/

package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/elys-network/icastrategy/internal/logger"
)

var ErrInvalidPriceData = errors.New("invalid price data received")
var ErrStaleQuote = errors.New("price quote is stale")
var ErrFeedConfiguration = errors.New("price feed configuration error")

const (
	MAX_RETRIES     = 3
	TIMEOUT_SECONDS = 10
	// quotes are reused for this long before the endpoint is asked again
	DEFAULT_CACHE_TTL = 30 * time.Second
	DEFAULT_MAX_AGE   = 10 * time.Minute
)

type quoteResponse struct {
	PricePerShare string    `json:"price_per_share"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Quote is a validated share price.
type Quote struct {
	PricePerShare sdkmath.LegacyDec
	UpdatedAt     time.Time
}

// Feed reads share prices from an HTTP endpoint with retries and a short cache.
type Feed struct {
	url      string
	client   *http.Client
	cacheTTL time.Duration
	maxAge   time.Duration
	backoff  time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu       sync.Mutex
	cached   Quote
	cachedAt time.Time
}

// Option tunes a Feed.
type Option func(*Feed)

func WithHTTPClient(c *http.Client) Option { return func(f *Feed) { f.client = c } }
func WithCacheTTL(d time.Duration) Option { return func(f *Feed) { f.cacheTTL = d } }
func WithMaxAge(d time.Duration) Option { return func(f *Feed) { f.maxAge = d } }
func WithClock(now func() time.Time) Option { return func(f *Feed) { f.now = now } }
func withBackoff(d time.Duration) Option { return func(f *Feed) { f.backoff = d } }

func NewFeed(url string, opts ...Option) (*Feed, error) {
	if url == "" {
		return nil, errors.Join(ErrFeedConfiguration, errors.New("price feed url cannot be empty"))
	}
	f := &Feed{
		url:      url,
		client:   &http.Client{Timeout: TIMEOUT_SECONDS * time.Second},
		cacheTTL: DEFAULT_CACHE_TTL,
		maxAge:   DEFAULT_MAX_AGE,
		backoff:  time.Second,
		now:      time.Now,
		logger:   logger.GetForComponent("price_feed"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Quote returns the cached quote while it is fresh, otherwise fetches a new one.
func (f *Feed) Quote(ctx context.Context) (Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.cachedAt.IsZero() && f.now().Sub(f.cachedAt) < f.cacheTTL {
		return f.cached, nil
	}

	var q Quote
	attempt := 0
	op := func() error {
		attempt++
		f.logger.Debug().
			Str("url", f.url).
			Int("attempt", attempt).
			Int("maxRetries", MAX_RETRIES).
			Msg("Requesting share price")
		var err error
		q, err = f.fetch(ctx)
		if errors.Is(err, ErrStaleQuote) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		f.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retryIn", wait).
			Msg("Share price request failed, will retry")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(f.newBackOff(), ctx), notify); err != nil {
		f.logger.Error().
			Err(err).
			Str("url", f.url).
			Int("attempts", attempt).
			Msg("All share price attempts failed")
		return Quote{}, fmt.Errorf("failed to fetch share price after %d attempts: %w", attempt, err)
	}

	f.cached, f.cachedAt = q, f.now()
	f.logger.Info().
		Str("pricePerShare", q.PricePerShare.String()).
		Time("updatedAt", q.UpdatedAt).
		Msg("Share price updated")
	return q, nil
}

// newBackOff returns a fresh policy for one Quote call; BackOff values are stateful.
func (f *Feed) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.backoff
	bo.MaxElapsedTime = 30 * time.Second
	bo.Reset()
	return backoff.WithMaxRetries(bo, MAX_RETRIES-1)
}

func (f *Feed) fetch(ctx context.Context) (Quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return Quote{}, errors.Join(ErrFeedConfiguration, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("price feed returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Quote{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) == 0 {
		return Quote{}, errors.Join(ErrInvalidPriceData, errors.New("empty response body"))
	}

	var raw quoteResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return Quote{}, errors.Join(ErrInvalidPriceData, err)
	}
	return f.validate(raw)
}

func (f *Feed) validate(raw quoteResponse) (Quote, error) {
	price, err := sdkmath.LegacyNewDecFromStr(raw.PricePerShare)
	if err != nil {
		return Quote{}, errors.Join(ErrInvalidPriceData, fmt.Errorf("price_per_share %q: %w", raw.PricePerShare, err))
	}
	if !price.IsPositive() {
		return Quote{}, errors.Join(ErrInvalidPriceData, fmt.Errorf("price_per_share must be positive, got %s", price))
	}
	if raw.UpdatedAt.IsZero() {
		return Quote{}, errors.Join(ErrInvalidPriceData, errors.New("updated_at is missing"))
	}
	if age := f.now().Sub(raw.UpdatedAt); age > f.maxAge {
		return Quote{}, fmt.Errorf("%w: updated %s ago, max %s", ErrStaleQuote, age.Round(time.Second), f.maxAge)
	}
	return Quote{PricePerShare: price, UpdatedAt: raw.UpdatedAt}, nil
}

// ExitSizer prices an exit at the feed's current quote less MaxSlippage.
type ExitSizer struct {
	Feed        *Feed
	MaxSlippage sdkmath.LegacyDec
}

func NewExitSizer(feed *Feed, maxSlippage sdkmath.LegacyDec) (*ExitSizer, error) {
	if feed == nil {
		return nil, errors.Join(ErrFeedConfiguration, errors.New("feed cannot be nil"))
	}
	if maxSlippage.IsNil() || maxSlippage.IsNegative() || maxSlippage.GTE(sdkmath.LegacyOneDec()) {
		return nil, errors.Join(ErrFeedConfiguration, fmt.Errorf("max slippage must be in [0, 1), got %s", maxSlippage))
	}
	return &ExitSizer{Feed: feed, MaxSlippage: maxSlippage}, nil
}

func (s *ExitSizer) TokenOutMinAmount(ctx context.Context, shares sdkmath.Int) (sdkmath.Int, error) {
	if shares.IsNil() || shares.IsNegative() {
		return sdkmath.Int{}, fmt.Errorf("invalid share amount %s", shares)
	}
	q, err := s.Feed.Quote(ctx)
	if err != nil {
		return sdkmath.Int{}, err
	}
	keep := sdkmath.LegacyOneDec().Sub(s.MaxSlippage)
	return sdkmath.LegacyNewDecFromInt(shares).Mul(q.PricePerShare).Mul(keep).TruncateInt(), nil
}
