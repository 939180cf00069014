package weather

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"marketboard/services/cache"
)

// Upstream endpoints and cache windows. TTLs mirror how fast each feed
// actually moves: current conditions every 5 minutes, geocoding almost
// never, station history twice a day, forecasts every half hour.
const (
	DefaultOWMBaseURL       = "https://api.openweathermap.org"
	DefaultMeteostatBaseURL = "https://meteostat.p.rapidapi.com"

	CurrentTTL  = 5 * time.Minute
	GeocodeTTL  = 24 * time.Hour
	HistoryTTL  = 12 * time.Hour
	ForecastTTL = 30 * time.Minute

	requestTimeout = 10 * time.Second
	forecastDays   = 5
)

// ErrGeocodeFailed marks a location that could not be resolved; fetches
// depending on coordinates short-circuit with it instead of calling the
// upstream with invalid input.
var ErrGeocodeFailed = errors.New("geocode failed")

// ErrMissingAPIKey is cached like any other producer error, throttling
// repeated complaints about an unconfigured key.
var ErrMissingAPIKey = errors.New("OWM_API_KEY is not set")

// Current is the shaped "right now" view of one location.
type Current struct {
	City        string  `json:"city"`
	Temp        float64 `json:"temp"`
	FeelsLike   float64 `json:"feels_like"`
	Condition   string  `json:"condition"`
	Description string  `json:"description"`
	Icon        string  `json:"icon"`
}

// Location is a geocoded place.
type Location struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Name string  `json:"name"`
}

// DailyRow is one day of history or forecast.
type DailyRow struct {
	Date string  `json:"date"`
	Low  float64 `json:"low"`
	High float64 `json:"high"`
	Prcp float64 `json:"prcp"`
}

// Service fetches weather data, memoizing every upstream call through
// the shared TTL cache so render cycles never hit the network for data
// that is still fresh.
type Service struct {
	cache        *cache.TTLCache
	httpClient   *http.Client
	owmKey       string
	owmBase      string
	meteostatKey string
	meteostatURL string
}

// NewService creates a weather service. Base URLs default to the public
// endpoints when empty.
func NewService(c *cache.TTLCache, owmKey, meteostatKey, owmBase, meteostatBase string) *Service {
	if owmBase == "" {
		owmBase = DefaultOWMBaseURL
	}
	if meteostatBase == "" {
		meteostatBase = DefaultMeteostatBaseURL
	}
	return &Service{
		cache:        c,
		httpClient:   &http.Client{Timeout: requestTimeout},
		owmKey:       owmKey,
		owmBase:      owmBase,
		meteostatKey: meteostatKey,
		meteostatURL: meteostatBase,
	}
}

// normalizeUnits collapses UI unit labels like "imperial (°F)" onto the
// two OWM unit systems.
func normalizeUnits(units string) string {
	if strings.Contains(strings.ToLower(units), "imperial") {
		return "imperial"
	}
	return "metric"
}

// Current returns present conditions for a city. The cache key encodes
// city and unit system since both affect the value.
func (s *Service) Current(city, units string) (Current, error) {
	u := normalizeUnits(units)
	key := fmt.Sprintf("weather:now:%s:%s", city, u)
	return cache.Fetch(s.cache, key, CurrentTTL, func() (Current, error) {
		return s.fetchCurrent(city, u)
	})
}

func (s *Service) fetchCurrent(city, units string) (Current, error) {
	if s.owmKey == "" {
		return Current{}, ErrMissingAPIKey
	}
	q := url.Values{"q": {city}, "appid": {s.owmKey}, "units": {units}}
	var body struct {
		Cod     json.Number `json:"cod"`
		Message string      `json:"message"`
		Weather []struct {
			Main        string `json:"main"`
			Description string `json:"description"`
			Icon        string `json:"icon"`
		} `json:"weather"`
		Main struct {
			Temp      float64 `json:"temp"`
			FeelsLike float64 `json:"feels_like"`
		} `json:"main"`
		Name string `json:"name"`
	}
	if err := s.getJSON(s.owmBase+"/data/2.5/weather?"+q.Encode(), nil, &body); err != nil {
		return Current{}, err
	}
	if body.Cod.String() != "200" {
		return Current{}, fmt.Errorf("weather for %s: %s (cod %s)", city, body.Message, body.Cod)
	}
	out := Current{
		City:      body.Name,
		Temp:      body.Main.Temp,
		FeelsLike: body.Main.FeelsLike,
	}
	if len(body.Weather) > 0 {
		out.Condition = body.Weather[0].Main
		out.Description = body.Weather[0].Description
		out.Icon = body.Weather[0].Icon
	}
	return out, nil
}

// countryAliases maps the codes users actually type onto ISO-3166.
var countryAliases = map[string]string{
	"UK":  "GB",
	"GBR": "GB",
	"USA": "US",
}

// Geocode resolves "City,CC" into coordinates plus a display name. When
// a lookup with the country code returns nothing, it retries with the
// bare city name.
func (s *Service) Geocode(cityCountry string) (Location, error) {
	key := "weather:geocode:" + cityCountry
	return cache.Fetch(s.cache, key, GeocodeTTL, func() (Location, error) {
		return s.fetchGeocode(cityCountry)
	})
}

func (s *Service) fetchGeocode(cityCountry string) (Location, error) {
	if s.owmKey == "" {
		return Location{}, ErrMissingAPIKey
	}
	parts := strings.SplitN(strings.TrimSpace(cityCountry), ",", 2)
	city := strings.TrimSpace(parts[0])
	cc := ""
	if len(parts) > 1 {
		cc = strings.ToUpper(strings.TrimSpace(parts[1]))
		if alias, ok := countryAliases[cc]; ok {
			cc = alias
		}
	}

	query := city
	if cc != "" {
		query = city + "," + cc
	}
	results, err := s.fetchGeocodeQuery(query)
	if err != nil {
		return Location{}, err
	}
	if len(results) == 0 && cc != "" {
		results, err = s.fetchGeocodeQuery(city)
		if err != nil {
			return Location{}, err
		}
	}
	if len(results) == 0 {
		return Location{}, fmt.Errorf("%w: no results for %q", ErrGeocodeFailed, cityCountry)
	}

	name := results[0].Name
	if results[0].Country != "" {
		name += ", " + results[0].Country
	}
	return Location{Lat: results[0].Lat, Lon: results[0].Lon, Name: name}, nil
}

type geocodeResult struct {
	Name    string  `json:"name"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Country string  `json:"country"`
}

func (s *Service) fetchGeocodeQuery(query string) ([]geocodeResult, error) {
	q := url.Values{"q": {query}, "limit": {"1"}, "appid": {s.owmKey}}
	var results []geocodeResult
	if err := s.getJSON(s.owmBase+"/geo/1.0/direct?"+q.Encode(), nil, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// HistoryDaily returns per-day low/high/precipitation for the past
// daysBack days from the Meteostat point API. A geocode failure
// short-circuits; the station fetch is never attempted without
// coordinates.
func (s *Service) HistoryDaily(cityCountry string, daysBack int, units string) ([]DailyRow, string, error) {
	u := normalizeUnits(units)
	key := fmt.Sprintf("weather:history:%s:%d:%s", cityCountry, daysBack, u)
	type result struct {
		Rows []DailyRow
		Name string
	}
	res, err := cache.Fetch(s.cache, key, HistoryTTL, func() (result, error) {
		loc, err := s.Geocode(cityCountry)
		if err != nil {
			return result{}, err
		}
		rows, err := s.fetchHistory(loc, daysBack, u)
		if err != nil {
			return result{Name: loc.Name}, err
		}
		return result{Rows: rows, Name: loc.Name}, nil
	})
	return res.Rows, res.Name, err
}

func (s *Service) fetchHistory(loc Location, daysBack int, units string) ([]DailyRow, error) {
	end := time.Now()
	start := end.AddDate(0, 0, -daysBack)
	q := url.Values{
		"lat":   {fmt.Sprintf("%.4f", loc.Lat)},
		"lon":   {fmt.Sprintf("%.4f", loc.Lon)},
		"start": {start.Format("2006-01-02")},
		"end":   {end.Format("2006-01-02")},
	}
	headers := map[string]string{}
	if s.meteostatKey != "" {
		headers["x-rapidapi-key"] = s.meteostatKey
	}
	var body struct {
		Data []struct {
			Date string   `json:"date"`
			Tmin *float64 `json:"tmin"`
			Tmax *float64 `json:"tmax"`
			Prcp *float64 `json:"prcp"`
		} `json:"data"`
	}
	if err := s.getJSON(s.meteostatURL+"/point/daily?"+q.Encode(), headers, &body); err != nil {
		return nil, err
	}

	rows := make([]DailyRow, 0, len(body.Data))
	for _, d := range body.Data {
		if d.Tmin == nil || d.Tmax == nil {
			continue
		}
		row := DailyRow{Date: d.Date, Low: *d.Tmin, High: *d.Tmax}
		if d.Prcp != nil {
			row.Prcp = *d.Prcp
		}
		if units == "imperial" {
			row.Low = celsiusToFahrenheit(row.Low)
			row.High = celsiusToFahrenheit(row.High)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ForecastDaily aggregates OWM's 3-hourly forecast into daily rows:
// low/high over the day, precipitation summed, first five days.
func (s *Service) ForecastDaily(cityCountry, units string) ([]DailyRow, string, error) {
	u := normalizeUnits(units)
	key := fmt.Sprintf("weather:forecast:%s:%s", cityCountry, u)
	type result struct {
		Rows []DailyRow
		Name string
	}
	res, err := cache.Fetch(s.cache, key, ForecastTTL, func() (result, error) {
		loc, err := s.Geocode(cityCountry)
		if err != nil {
			return result{}, err
		}
		rows, err := s.fetchForecast(loc, u)
		if err != nil {
			return result{Name: loc.Name}, err
		}
		return result{Rows: rows, Name: loc.Name}, nil
	})
	return res.Rows, res.Name, err
}

func (s *Service) fetchForecast(loc Location, units string) ([]DailyRow, error) {
	q := url.Values{
		"lat":   {fmt.Sprintf("%.4f", loc.Lat)},
		"lon":   {fmt.Sprintf("%.4f", loc.Lon)},
		"appid": {s.owmKey},
		"units": {units},
	}
	var body struct {
		List []struct {
			Dt   int64 `json:"dt"`
			Main struct {
				Temp float64 `json:"temp"`
			} `json:"main"`
			Rain map[string]float64 `json:"rain"`
		} `json:"list"`
	}
	if err := s.getJSON(s.owmBase+"/data/2.5/forecast?"+q.Encode(), nil, &body); err != nil {
		return nil, err
	}

	byDay := make(map[string]*DailyRow)
	for _, item := range body.List {
		date := time.Unix(item.Dt, 0).UTC().Format("2006-01-02")
		rain := item.Rain["3h"]
		row, ok := byDay[date]
		if !ok {
			byDay[date] = &DailyRow{Date: date, Low: item.Main.Temp, High: item.Main.Temp, Prcp: rain}
			continue
		}
		if item.Main.Temp < row.Low {
			row.Low = item.Main.Temp
		}
		if item.Main.Temp > row.High {
			row.High = item.Main.Temp
		}
		row.Prcp += rain
	}

	rows := make([]DailyRow, 0, len(byDay))
	for _, row := range byDay {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Date < rows[j].Date })
	if len(rows) > forecastDays {
		rows = rows[:forecastDays]
	}
	return rows, nil
}

func celsiusToFahrenheit(c float64) float64 {
	return c*9/5 + 32
}

// getJSON performs a GET and decodes the JSON body into out.
func (s *Service) getJSON(endpoint string, headers map[string]string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("network: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d from %s", resp.StatusCode, req.URL.Host)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
