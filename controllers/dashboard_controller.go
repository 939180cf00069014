package controllers

import (
	"context"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"marketboard/config"
	"marketboard/scheduler"
	"marketboard/services/alerts"
	"marketboard/services/cache"
	"marketboard/services/football"
	"marketboard/services/marketdata"
	"marketboard/services/realtime"
	"marketboard/services/stocks"
	"marketboard/services/weather"
)

const (
	defaultHistoryPoints = 120
	defaultScorersLimit  = 10
	defaultHistoryDays   = 7
	maxAlertBodyBytes    = 64 << 10
)

// DashboardController handles the dashboard REST surface.
type DashboardController struct {
	cfg       *config.Config
	cache     *cache.TTLCache
	history   *marketdata.HistoryBuffer
	ingestor  *marketdata.StreamIngestor
	rest      *marketdata.RestClient
	weather   *weather.Service
	football  *football.Service
	stocks    *stocks.Service
	alerts    *alerts.Engine
	refresher *scheduler.RefreshScheduler
	hub       *realtime.Hub
	startedAt time.Time
}

// NewDashboardController wires the controller to the running services.
func NewDashboardController(
	cfg *config.Config,
	ttlCache *cache.TTLCache,
	history *marketdata.HistoryBuffer,
	ingestor *marketdata.StreamIngestor,
	rest *marketdata.RestClient,
	weatherSvc *weather.Service,
	footballSvc *football.Service,
	stocksSvc *stocks.Service,
	alertEngine *alerts.Engine,
	refresher *scheduler.RefreshScheduler,
	hub *realtime.Hub,
) *DashboardController {
	return &DashboardController{
		cfg:       cfg,
		cache:     ttlCache,
		history:   history,
		ingestor:  ingestor,
		rest:      rest,
		weather:   weatherSvc,
		football:  footballSvc,
		stocks:    stocksSvc,
		alerts:    alertEngine,
		refresher: refresher,
		hub:       hub,
		startedAt: time.Now(),
	}
}

// SetRefresher attaches the refresh scheduler. The scheduler needs the
// controller's price lookup to exist first, so wiring happens in two
// steps at startup.
func (dc *DashboardController) SetRefresher(r *scheduler.RefreshScheduler) {
	dc.refresher = r
}

// PriceLookup resolves a symbol against the freshest known price:
// streamed ticks first, then the REST quote that matches the symbol
// class. Used by the refresh cycle's alert evaluation, so misses are
// reported, never fatal.
func (dc *DashboardController) PriceLookup() alerts.PriceLookup {
	return func(symbol string) (decimal.Decimal, bool) {
		symbol = marketdata.NormalizeSymbol(symbol)
		if tick, ok := dc.history.Latest(symbol); ok {
			return tick.Price, true
		}

		if strings.HasSuffix(symbol, "USDT") {
			price, err := cache.Fetch(dc.cache, "binance:ticker:"+symbol, time.Minute, func() (decimal.Decimal, error) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return dc.rest.TickerPrice(ctx, symbol)
			})
			if err != nil {
				log.Printf("Price lookup failed for %s: %v", symbol, err)
				return decimal.Decimal{}, false
			}
			return price, true
		}

		quote, err := dc.stocks.Quote(symbol)
		if err != nil {
			log.Printf("Price lookup failed for %s: %v", symbol, err)
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(quote.Last), true
	}
}

// GetMarketTiles returns the tile payload for every configured symbol.
// GET /api/markets/tiles
func (dc *DashboardController) GetMarketTiles(c *gin.Context) {
	cryptoTiles := make([]gin.H, 0, len(dc.cfg.Dashboard.CryptoTiles))
	for _, symbol := range dc.cfg.Dashboard.CryptoTiles {
		symbol = marketdata.NormalizeSymbol(symbol)
		tile := gin.H{"symbol": symbol}
		if tick, ok := dc.history.Latest(symbol); ok {
			tile["price"] = tick.Price
			tile["observed_at"] = tick.ObservedAt
			tile["spark"] = sparkline(dc.history.Window(symbol, 60))
		} else {
			tile["pending"] = true
		}
		cryptoTiles = append(cryptoTiles, tile)
	}

	stockTiles := make([]gin.H, 0, len(dc.cfg.Dashboard.StockTiles))
	for _, symbol := range dc.cfg.Dashboard.StockTiles {
		tile := gin.H{"symbol": symbol}
		quote, err := dc.stocks.Quote(symbol)
		if err != nil {
			tile["error"] = err.Error()
		} else {
			tile["last"] = quote.Last
			tile["pct"] = quote.Pct
			tile["high"] = quote.High
			tile["low"] = quote.Low
			tile["spark"] = quote.Spark
		}
		stockTiles = append(stockTiles, tile)
	}

	c.JSON(http.StatusOK, gin.H{
		"crypto": cryptoTiles,
		"stocks": stockTiles,
	})
}

// sparkline reduces a tick window to bare floats for tile rendering.
func sparkline(ticks []marketdata.Tick) []float64 {
	out := make([]float64, 0, len(ticks))
	for _, t := range ticks {
		f, _ := t.Price.Float64()
		out = append(out, f)
	}
	return out
}

// GetCryptoHistory returns the recent tick window for one pair.
// GET /api/markets/crypto/:symbol/history
func (dc *DashboardController) GetCryptoHistory(c *gin.Context) {
	symbol := marketdata.NormalizeSymbol(c.Param("symbol"))
	n, err := strconv.Atoi(c.DefaultQuery("n", strconv.Itoa(defaultHistoryPoints)))
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "n must be a positive integer"})
		return
	}

	ticks := dc.history.Window(symbol, n)
	c.JSON(http.StatusOK, gin.H{
		"symbol": symbol,
		"count":  len(ticks),
		"ticks":  ticks,
	})
}

// PutSymbols replaces the streamed symbol set.
// PUT /api/markets/symbols
func (dc *DashboardController) PutSymbols(c *gin.Context) {
	var body struct {
		Symbols []string `json:"symbols"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"symbols\": [...]}"})
		return
	}

	// Bootstrap outlives this request, so it gets its own context.
	dc.ingestor.Configure(context.Background(), body.Symbols)
	c.JSON(http.StatusOK, gin.H{"symbols": dc.ingestor.Symbols()})
}

// GetWeather returns current conditions, and optionally forecast and
// history, for one location.
// GET /api/weather?city=Hanoi,VN&forecast=1&history_days=7
func (dc *DashboardController) GetWeather(c *gin.Context) {
	city := c.Query("city")
	if city == "" {
		if len(dc.cfg.Dashboard.Locations) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "city query parameter required"})
			return
		}
		city = dc.cfg.Dashboard.Locations[0]
	}
	units := c.DefaultQuery("units", dc.cfg.Dashboard.Units)

	out := gin.H{"city": city}
	current, err := dc.weather.Current(city, units)
	if err != nil {
		out["error"] = err.Error()
	} else {
		out["current"] = current
	}

	if c.Query("forecast") != "" {
		rows, name, err := dc.weather.ForecastDaily(city, units)
		if err != nil {
			out["forecast_error"] = err.Error()
		} else {
			out["forecast"] = rows
			out["resolved"] = name
		}
	}

	if daysRaw := c.Query("history_days"); daysRaw != "" {
		days, err := strconv.Atoi(daysRaw)
		if err != nil || days <= 0 {
			days = defaultHistoryDays
		}
		rows, name, err := dc.weather.HistoryDaily(city, days, units)
		if err != nil {
			out["history_error"] = err.Error()
		} else {
			out["history"] = rows
			out["resolved"] = name
		}
	}

	c.JSON(http.StatusOK, out)
}

// GetLocations lists the configured weather locations.
// GET /api/weather/locations
func (dc *DashboardController) GetLocations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"locations": dc.cfg.Dashboard.Locations})
}

// validLeague rejects competition codes outside the supported set
// before they reach the upstream.
func validLeague(code string) bool {
	_, ok := football.Leagues[code]
	return ok
}

// GetFootballToday returns today's fixtures for a competition.
// GET /api/football/:code/today
func (dc *DashboardController) GetFootballToday(c *gin.Context) {
	code := c.Param("code")
	if !validLeague(code) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown league code", "leagues": football.LeagueCodes()})
		return
	}
	matches, err := dc.football.MatchesToday(code)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"league": football.Leagues[code], "matches": matches})
}

// GetFootballStandings returns the league table.
// GET /api/football/:code/standings
func (dc *DashboardController) GetFootballStandings(c *gin.Context) {
	code := c.Param("code")
	if !validLeague(code) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown league code", "leagues": football.LeagueCodes()})
		return
	}
	table, err := dc.football.Standings(code)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"league": football.Leagues[code], "table": table})
}

// GetFootballScorers returns the competition's top scorers.
// GET /api/football/:code/scorers
func (dc *DashboardController) GetFootballScorers(c *gin.Context) {
	code := c.Param("code")
	if !validLeague(code) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown league code", "leagues": football.LeagueCodes()})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultScorersLimit)))
	if err != nil || limit <= 0 {
		limit = defaultScorersLimit
	}
	scorers, err := dc.football.Scorers(code, limit)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"league": football.Leagues[code], "scorers": scorers})
}

// GetAlerts returns the configured rules and recent fired events.
// GET /api/alerts
func (dc *DashboardController) GetAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"rules":  dc.alerts.Rules(),
		"events": dc.alerts.Events(),
	})
}

// PutAlerts replaces the alert rules from a JSON object of symbol to
// threshold. A malformed body degrades to an empty rule set with a
// warning rather than failing, matching how a bad alerts config is
// treated at startup.
// PUT /api/alerts
func (dc *DashboardController) PutAlerts(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxAlertBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	rules, parseErr := alerts.ParseRules(string(raw))
	if parseErr != nil {
		log.Printf("Malformed alert rules, clearing: %v", parseErr)
		dc.alerts.ReplaceRules(nil)
		c.JSON(http.StatusOK, gin.H{
			"rules":   dc.alerts.Rules(),
			"warning": "malformed alert rules, all alerts cleared: " + parseErr.Error(),
		})
		return
	}

	dc.alerts.ReplaceRules(rules)
	c.JSON(http.StatusOK, gin.H{"rules": dc.alerts.Rules()})
}

// PutRefresh updates the refresh interval.
// PUT /api/refresh
func (dc *DashboardController) PutRefresh(c *gin.Context) {
	var body struct {
		Seconds int `json:"seconds"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Seconds <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"seconds\": n} with n > 0"})
		return
	}

	applied := dc.refresher.SetInterval(time.Duration(body.Seconds) * time.Second)
	c.JSON(http.StatusOK, gin.H{"interval_sec": int(applied.Seconds())})
}

// PostRefresh forces a refresh cycle on the next tick.
// POST /api/refresh
func (dc *DashboardController) PostRefresh(c *gin.Context) {
	dc.refresher.ForceRefresh()
	c.JSON(http.StatusAccepted, gin.H{"status": "refresh scheduled"})
}

// GetStatus reports runtime state for all subsystems.
// GET /api/status
func (dc *DashboardController) GetStatus(c *gin.Context) {
	stats := dc.cache.Stats()
	c.JSON(http.StatusOK, gin.H{
		"uptime_sec": int(time.Since(dc.startedAt).Seconds()),
		"cache": gin.H{
			"entries": dc.cache.Len(),
			"hits":    stats.Hits,
			"misses":  stats.Misses,
			"waits":   stats.Waits,
		},
		"stream": gin.H{
			"symbols": dc.ingestor.Symbols(),
		},
		"hub":       dc.hub.Status(),
		"scheduler": dc.refresher.Status(),
	})
}
