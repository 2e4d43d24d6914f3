package feed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/azuranistirah-beep/canonsite-sub000/internal/config"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	basketPath = "/prices/forex"
	tickerPath = "/prices/{venue}"
)

// ErrUpstream is returned when a price endpoint answers with success=false.
var ErrUpstream = errors.New("upstream reported failure")

// FeedError is a network or payload failure at the fetch boundary.
type FeedError struct {
	Op  string
	Err error
}

func (e *FeedError) Error() string { return "feed " + e.Op + ": " + e.Err.Error() }

func (e *FeedError) Unwrap() error { return e.Err }

// PriceClient defines the REST price endpoints the aggregator polls.
type PriceClient interface {
	GetTicker(ctx context.Context, venue, symbol string) (*Ticker, error)
	GetBasket(ctx context.Context) (map[string]BasketEntry, error)
}

// Ticker is the response of GET /prices/{venue}?symbol=...
type Ticker struct {
	Success   bool            `json:"success"`
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"change24h"`
}

// BasketEntry is one asset inside the basket response.
type BasketEntry struct {
	Price  decimal.Decimal `json:"price"`
	Change decimal.Decimal `json:"change"`
}

type basketResponse struct {
	Success bool                   `json:"success"`
	Data    map[string]BasketEntry `json:"data"`
}

// RestClient is a client for the REST price endpoints.
// It implements the PriceClient interface.
type RestClient struct {
	client     *resty.Client
	logger     *zap.Logger
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
}

// ensure RestClient implements the interface
var _ PriceClient = (*RestClient)(nil)

// NewRestClient creates a new price REST client.
func NewRestClient(cfg *config.Feeds, logger *zap.Logger) *RestClient {
	client := resty.New().
		SetBaseURL(cfg.RestURL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Accept", "application/json")

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		client:     client,
		logger:     logger.Named("rest-feed"),
		limiter:    limiter,
		maxRetries: cfg.MaxRetries,
		backoff:    250 * time.Millisecond,
	}
}

// GetTicker fetches the latest price of one symbol from a venue.
func (c *RestClient) GetTicker(ctx context.Context, venue, symbol string) (*Ticker, error) {
	req := c.client.R().
		SetPathParam("venue", venue).
		SetQueryParam("symbol", symbol).
		SetResult(&Ticker{})

	resp, err := c.doRequest(ctx, http.MethodGet, tickerPath, req)
	if err != nil {
		return nil, &FeedError{Op: "ticker " + venue + "/" + symbol, Err: err}
	}

	result := resp.Result().(*Ticker)
	if !result.Success {
		return nil, &FeedError{Op: "ticker " + venue + "/" + symbol, Err: ErrUpstream}
	}
	return result, nil
}

// GetBasket fetches every non-streamed asset in one call, keyed by display key.
func (c *RestClient) GetBasket(ctx context.Context) (map[string]BasketEntry, error) {
	req := c.client.R().SetResult(&basketResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, basketPath, req)
	if err != nil {
		return nil, &FeedError{Op: "basket", Err: err}
	}

	result := resp.Result().(*basketResponse)
	if !result.Success {
		return nil, &FeedError{Op: "basket", Err: ErrUpstream}
	}
	return result.Data, nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	attempts := c.maxRetries + 1

	req.SetContext(ctx)

	for i := 0; i < attempts; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Analyze error and decide whether to retry
		var retryAfter time.Duration

		if err == nil && resp != nil {
			shouldRetry := false
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = true
			}
			if !shouldRetry {
				return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
			}
			err = fmt.Errorf("request failed with status %s", resp.Status())
		}
		// Network errors and undecodable bodies fall through and are retried.

		if i == attempts-1 {
			break
		}

		if retryAfter == 0 {
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.backoff
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", attempts, err)
}
