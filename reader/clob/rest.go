package clob

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	appconfig "polyflow/config"
	"polyflow/creds"
	"polyflow/logger"
	"polyflow/models"
)

// AuthError marks a request that failed because of credentials, either
// locally while signing or rejected by the CLOB.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("clob auth: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// RestClient issues pull-side requests against the CLOB REST API. All
// requests pass through a shared rate limiter; when a signer is configured
// every request carries the POLY_* headers.
type RestClient struct {
	config  *appconfig.Config
	client  *http.Client
	limiter *rate.Limiter
	signer  *creds.Signer
	log     *logger.Log
}

func NewRestClient(cfg *appconfig.Config, signer *creds.Signer) *RestClient {
	transport := &http.Transport{
		MaxIdleConns:    cfg.Clob.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost: cfg.Clob.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout: cfg.Clob.ConnectionPool.IdleConnTimeout,
	}
	return &RestClient{
		config: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Clob.Timeout,
		},
		limiter: rate.NewLimiter(
			rate.Limit(cfg.Clob.RateLimit.RequestsPerSecond),
			cfg.Clob.RateLimit.BurstSize,
		),
		signer: signer,
		log:    logger.GetLogger(),
	}
}

// FetchBook retrieves the full order book image for one token.
func (c *RestClient) FetchBook(ctx context.Context, tokenID string) (models.ClobBookMessage, error) {
	var book models.ClobBookMessage
	path := "/book?token_id=" + url.QueryEscape(tokenID)
	if err := c.get(ctx, path, &book); err != nil {
		return models.ClobBookMessage{}, fmt.Errorf("fetch book: %w", err)
	}
	if book.AssetID == "" {
		book.AssetID = tokenID
	}
	return book, nil
}

// FetchSamplingMarkets retrieves one page of the market list. An empty
// cursor starts from the beginning.
func (c *RestClient) FetchSamplingMarkets(ctx context.Context, cursor string) (models.SamplingMarketsResponse, error) {
	var page models.SamplingMarketsResponse
	path := "/sampling-markets"
	if cursor != "" {
		path += "?next_cursor=" + url.QueryEscape(cursor)
	}
	if err := c.get(ctx, path, &page); err != nil {
		return models.SamplingMarketsResponse{}, fmt.Errorf("fetch sampling markets: %w", err)
	}
	return page, nil
}

// FetchPriceHistory retrieves the server-side price series for one token,
// used to seed the local chart before live samples accumulate.
func (c *RestClient) FetchPriceHistory(ctx context.Context, tokenID, interval string, fidelity int) ([]models.PricePoint, error) {
	var resp models.PricesHistoryResponse
	path := fmt.Sprintf("/prices-history?market=%s&interval=%s&fidelity=%d",
		url.QueryEscape(tokenID), url.QueryEscape(interval), fidelity)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("fetch price history: %w", err)
	}

	points := make([]models.PricePoint, 0, len(resp.History))
	for _, p := range resp.History {
		points = append(points, models.PricePoint{
			Price: decimal.NewFromFloat(p.P),
			At:    time.Unix(p.T, 0),
		})
	}
	return points, nil
}

func (c *RestClient) get(ctx context.Context, path string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.Clob.RestURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	if c.signer != nil {
		headers, err := c.signer.GenerateHeaders(http.MethodGet, path, "")
		if err != nil {
			return &AuthError{Err: err}
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	logger.LogPerformanceEntry(c.log.WithComponent("clob_rest"), "clob_rest", "get", time.Since(start), logger.Fields{
		"path":   path,
		"status": resp.StatusCode,
	})

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
