package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults for the dashboard layout when no config file is present.
var (
	DefaultStockTiles  = []string{"AAPL", "MSFT", "NVDA", "SPY"}
	DefaultCryptoTiles = []string{"BTCUSDT", "ETHUSDT"}
	DefaultLocations   = []string{"Hanoi,VN", "London,UK", "New York,US"}
	DefaultLeagues     = []string{"PL", "PD", "SA", "BL1", "FL1"}
)

const (
	defaultRefreshSeconds = 30
	minRefreshSeconds     = 10
	maxRefreshSeconds     = 120
)

// Config carries everything the server needs: API credentials from the
// environment plus the dashboard layout from an optional YAML file.
type Config struct {
	Port        string
	Environment string

	OWMAPIKey      string
	MeteostatKey   string
	FootballToken  string
	BinanceRestURL string
	BinanceWSURL   string

	Dashboard Dashboard
}

// Dashboard is the YAML-configurable layout: which tiles to show, which
// cities and leagues to track, how often to refresh and the initial
// alert rules as a JSON object of symbol to threshold.
type Dashboard struct {
	StockTiles     []string `yaml:"stock_tiles"`
	CryptoTiles    []string `yaml:"crypto_tiles"`
	Locations      []string `yaml:"locations"`
	Leagues        []string `yaml:"leagues"`
	Units          string   `yaml:"units"`
	RefreshSeconds int      `yaml:"refresh_seconds"`
	AlertsJSON     string   `yaml:"alerts"`
}

var AppConfig *Config

// LoadConfig loads environment variables and the optional dashboard
// YAML file named by DASHBOARD_CONFIG.
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		OWMAPIKey:      getEnv("OWM_API_KEY", ""),
		MeteostatKey:   getEnv("METEOSTAT_API_KEY", ""),
		FootballToken:  getEnv("FOOTBALL_DATA_TOKEN", ""),
		BinanceRestURL: getEnv("BINANCE_REST_URL", ""),
		BinanceWSURL:   getEnv("BINANCE_WS_URL", ""),
		Dashboard:      defaultDashboard(),
	}

	path := getEnv("DASHBOARD_CONFIG", "dashboard.yaml")
	if err := config.loadDashboardFile(path); err != nil {
		return nil, err
	}

	// REFRESH_SECONDS overrides the file value when set.
	config.Dashboard.RefreshSeconds = clampRefreshSeconds(
		getEnvInt("REFRESH_SECONDS", config.Dashboard.RefreshSeconds))

	AppConfig = config
	return config, nil
}

func defaultDashboard() Dashboard {
	return Dashboard{
		StockTiles:     append([]string(nil), DefaultStockTiles...),
		CryptoTiles:    append([]string(nil), DefaultCryptoTiles...),
		Locations:      append([]string(nil), DefaultLocations...),
		Leagues:        append([]string(nil), DefaultLeagues...),
		Units:          "metric",
		RefreshSeconds: defaultRefreshSeconds,
	}
}

// loadDashboardFile merges the YAML file at path over the defaults. A
// missing file is fine; a malformed one is a startup error.
func (c *Config) loadDashboardFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("No dashboard config at %s, using defaults", path)
			return nil
		}
		return fmt.Errorf("read dashboard config: %w", err)
	}

	var d Dashboard
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return fmt.Errorf("parse dashboard config %s: %w", path, err)
	}

	if len(d.StockTiles) > 0 {
		c.Dashboard.StockTiles = d.StockTiles
	}
	if len(d.CryptoTiles) > 0 {
		c.Dashboard.CryptoTiles = d.CryptoTiles
	}
	if len(d.Locations) > 0 {
		c.Dashboard.Locations = d.Locations
	}
	if len(d.Leagues) > 0 {
		c.Dashboard.Leagues = d.Leagues
	}
	if d.Units != "" {
		c.Dashboard.Units = d.Units
	}
	if d.RefreshSeconds != 0 {
		c.Dashboard.RefreshSeconds = d.RefreshSeconds
	}
	if d.AlertsJSON != "" {
		c.Dashboard.AlertsJSON = d.AlertsJSON
	}

	c.Dashboard.RefreshSeconds = clampRefreshSeconds(c.Dashboard.RefreshSeconds)
	log.Printf("Loaded dashboard config from %s", path)
	return nil
}

// RefreshInterval returns the configured refresh interval, clamped.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(clampRefreshSeconds(c.Dashboard.RefreshSeconds)) * time.Second
}

func clampRefreshSeconds(seconds int) int {
	if seconds <= 0 {
		return defaultRefreshSeconds
	}
	if seconds < minRefreshSeconds {
		return minRefreshSeconds
	}
	if seconds > maxRefreshSeconds {
		return maxRefreshSeconds
	}
	return seconds
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable or the default.
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Invalid %s=%q, using %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}
