package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// Binance endpoint defaults; both are overridable for tests and proxies.
const (
	DefaultRestURL    = "https://api.binance.com"
	DefaultStreamURL  = "wss://stream.binance.com:9443"
	restClientTimeout = 6 * time.Second
)

// RestClient is the REST-side price lookup used to bootstrap symbols the
// stream has not delivered yet and to price non-streamed alert symbols.
type RestClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewRestClient creates a client against baseURL (DefaultRestURL when
// empty).
func NewRestClient(baseURL string) *RestClient {
	if baseURL == "" {
		baseURL = DefaultRestURL
	}
	return &RestClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: restClientTimeout},
	}
}

// TickerPrice fetches the current price for one symbol.
func (c *RestClient) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = NormalizeSymbol(symbol)
	endpoint := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", c.baseURL, url.QueryEscape(symbol))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ticker price %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("ticker price %s: status %d", symbol, resp.StatusCode)
	}

	var body struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("ticker price %s: %w", symbol, err)
	}
	price, err := decimal.NewFromString(body.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ticker price %s: bad price %q: %w", symbol, body.Price, err)
	}
	return price, nil
}
