package gas

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/itchyny/gojq"
	"github.com/shopspring/decimal"
)

// PriceSource quotes the native asset in USD.
type PriceSource interface {
	Name() string
	NativeUSD(ctx context.Context) (decimal.Decimal, error)
}

// HTTPPriceSource fetches a JSON document and extracts the price with a jq
// query, e.g. `.["matic-network"].usd` for CoinGecko's simple price API.
type HTTPPriceSource struct {
	url    string
	query  *gojq.Code
	client *http.Client
}

// NewHTTPPriceSource compiles query and returns a source for url.
func NewHTTPPriceSource(url, query string, timeout time.Duration) (*HTTPPriceSource, error) {
	if url == "" {
		return nil, fmt.Errorf("price source url is required")
	}
	if query == "" {
		query = ".price"
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("invalid price query %q: %w", query, err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to compile price query %q: %w", query, err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPPriceSource{
		url:    url,
		query:  code,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (s *HTTPPriceSource) Name() string { return "http" }

func (s *HTTPPriceSource) NativeUSD(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price source returned status %d", resp.StatusCode)
	}

	var doc interface{}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode price response: %w", err)
	}

	iter := s.query.RunWithContext(ctx, doc)
	v, ok := iter.Next()
	if !ok {
		return decimal.Zero, fmt.Errorf("price query produced no value")
	}
	if err, isErr := v.(error); isErr {
		return decimal.Zero, fmt.Errorf("price query failed: %w", err)
	}
	return toDecimal(v)
}

func toDecimal(v interface{}) (decimal.Decimal, error) {
	var (
		d   decimal.Decimal
		err error
	)
	switch x := v.(type) {
	case float64:
		d = decimal.NewFromFloat(x)
	case int:
		d = decimal.NewFromInt(int64(x))
	case string:
		d, err = decimal.NewFromString(x)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid price %q: %w", x, err)
		}
	default:
		return decimal.Zero, fmt.Errorf("unexpected price type %T", v)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("price must be positive, got %s", d)
	}
	return d, nil
}

// StaticPrice is the configured fallback.
type StaticPrice decimal.Decimal

func (StaticPrice) Name() string { return "static" }

func (p StaticPrice) NativeUSD(context.Context) (decimal.Decimal, error) {
	d := decimal.Decimal(p)
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("no static price configured")
	}
	return d, nil
}
