// Package pricefeed is the HTTP client for the settlement price oracle.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/alanyoungcy/pricepredict/internal/domain"
)

const defaultTimeout = 15 * time.Second

// Client implements domain.PriceOracle against a REST price API:
//
//	GET {baseURL}/v1/price?symbol={round name}&at={target time, RFC 3339}
//	-> {"symbol":"ETH/USD","price":"1050.25","at":"..."}
//
// Prices are decimal strings. They are scaled by 10^Scale and truncated to
// the integer price units rounds settle in.
type Client struct {
	baseURL    string
	apiKey     string
	scale      int32
	httpClient *http.Client
}

// NewClient creates a price feed client. timeout <= 0 uses 15s.
func NewClient(baseURL, apiKey string, scale int32, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		scale:      scale,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type priceResponse struct {
	Symbol string    `json:"symbol"`
	Price  string    `json:"price"`
	At     time.Time `json:"at"`
}

// PriceAt returns the round's settlement price at its target time.
func (c *Client) PriceAt(ctx context.Context, r domain.Round) (uint64, error) {
	params := url.Values{}
	params.Set("symbol", r.Name)
	params.Set("at", r.TargetTime.UTC().Format(time.RFC3339))

	body, err := c.doGet(ctx, "/v1/price?"+params.Encode())
	if err != nil {
		return 0, fmt.Errorf("pricefeed: price %s: %w", r.Name, err)
	}

	var resp priceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("pricefeed: decode price: %w", err)
	}
	price, err := ScalePrice(resp.Price, c.scale)
	if err != nil {
		return 0, fmt.Errorf("pricefeed: price %s: %w", r.Name, err)
	}
	return price, nil
}

// ScalePrice converts a non-negative decimal price into integer units of
// 10^-scale, truncating extra digits.
func ScalePrice(s string, scale int32) (uint64, error) {
	d, _, err := apd.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	if d.Negative || d.Form != apd.Finite {
		return 0, fmt.Errorf("price %q is not a non-negative finite number", s)
	}
	d.Exponent += scale

	ctx := apd.BaseContext.WithPrecision(40)
	ctx.Rounding = apd.RoundDown
	var whole apd.Decimal
	if _, err := ctx.Quantize(&whole, d, 0); err != nil {
		return 0, fmt.Errorf("scale price %q: %w", s, err)
	}
	v, err := whole.Int64()
	if err != nil || v < 0 {
		return 0, fmt.Errorf("price %q out of range", s)
	}
	return uint64(v), nil
}

func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func checkHTTPStatus(statusCode int, body []byte) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusNotFound:
		return domain.ErrNotFound
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return domain.ErrUnauthorized
	case statusCode == http.StatusTooManyRequests:
		return domain.ErrRateLimited
	default:
		return fmt.Errorf("unexpected status %d: %s", statusCode, string(body))
	}
}

var _ domain.PriceOracle = (*Client)(nil)
