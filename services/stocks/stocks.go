package stocks

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"marketboard/services/cache"
)

// Yahoo-style chart API. Intraday candles are frequently sparse right
// after the open, so the fetch walks a ladder of range/interval pairs
// and takes the first window that yields usable closes.
const (
	DefaultBaseURL = "https://query1.finance.yahoo.com"

	QuoteTTL       = time.Minute
	requestTimeout = 8 * time.Second
	sparkPoints    = 60
)

// intervalLadder is tried in order until a window returns data.
var intervalLadder = []struct {
	Range    string
	Interval string
}{
	{"1d", "1m"},
	{"5d", "5m"},
	{"1mo", "1d"},
}

// ErrCryptoTicker rejects symbols that belong to the streaming path.
var ErrCryptoTicker = errors.New("crypto pairs are served by the stream, not the chart API")

// Quote is the shaped tile payload for one equity ticker.
type Quote struct {
	Symbol string    `json:"symbol"`
	Last   float64   `json:"last"`
	Pct    float64   `json:"pct"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Spark  []float64 `json:"spark"`
}

// Service fetches equity quotes through the shared TTL cache.
type Service struct {
	cache      *cache.TTLCache
	httpClient *http.Client
	baseURL    string
}

// NewService creates a stocks service. baseURL defaults to the public
// chart endpoint when empty.
func NewService(c *cache.TTLCache, baseURL string) *Service {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Service{
		cache:      c,
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    baseURL,
	}
}

// Quote returns the latest close, session change, range and sparkline
// for a ticker. USDT pairs are refused; those come off the websocket.
func (s *Service) Quote(symbol string) (Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if strings.HasSuffix(symbol, "USDT") {
		return Quote{}, fmt.Errorf("%w: %s", ErrCryptoTicker, symbol)
	}
	key := "stocks:quote:" + symbol
	return cache.Fetch(s.cache, key, QuoteTTL, func() (Quote, error) {
		return s.fetchQuote(symbol)
	})
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				ChartPreviousClose float64 `json:"chartPreviousClose"`
			} `json:"meta"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (s *Service) fetchQuote(symbol string) (Quote, error) {
	var lastErr error
	for _, step := range intervalLadder {
		closes, prevClose, err := s.fetchCloses(symbol, step.Range, step.Interval)
		if err != nil {
			lastErr = err
			continue
		}
		if len(closes) == 0 {
			lastErr = fmt.Errorf("quote %s: empty %s/%s window", symbol, step.Range, step.Interval)
			continue
		}
		return buildQuote(symbol, closes, prevClose), nil
	}
	return Quote{}, lastErr
}

func (s *Service) fetchCloses(symbol, rng, interval string) ([]float64, float64, error) {
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?range=%s&interval=%s", s.baseURL, symbol, rng, interval)
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", "marketboard/1.0")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("network: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("quote %s: status %d", symbol, resp.StatusCode)
	}

	var body chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, 0, fmt.Errorf("quote %s: decode: %w", symbol, err)
	}
	if body.Chart.Error != nil {
		return nil, 0, fmt.Errorf("quote %s: %s", symbol, body.Chart.Error.Description)
	}
	if len(body.Chart.Result) == 0 || len(body.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, 0, nil
	}

	result := body.Chart.Result[0]
	closes := make([]float64, 0, len(result.Indicators.Quote[0].Close))
	for _, c := range result.Indicators.Quote[0].Close {
		if c == nil {
			continue
		}
		closes = append(closes, *c)
	}
	return closes, result.Meta.ChartPreviousClose, nil
}

func buildQuote(symbol string, closes []float64, prevClose float64) Quote {
	q := Quote{Symbol: symbol, Last: closes[len(closes)-1], High: closes[0], Low: closes[0]}
	for _, c := range closes {
		if c > q.High {
			q.High = c
		}
		if c < q.Low {
			q.Low = c
		}
	}
	base := prevClose
	if base == 0 {
		base = closes[0]
	}
	if base != 0 {
		q.Pct = (q.Last - base) / base * 100
	}
	spark := closes
	if len(spark) > sparkPoints {
		spark = spark[len(spark)-sparkPoints:]
	}
	q.Spark = append([]float64(nil), spark...)
	return q
}
