package football

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"marketboard/services/cache"
)

// football-data.org v4. The free tier rate-limits hard, so every call
// runs through the TTL cache; a cached error throttles retries the same
// way a cached payload throttles refetches.
const (
	DefaultBaseURL = "https://api.football-data.org/v4"

	MatchesTTL   = 2 * time.Minute
	StandingsTTL = 10 * time.Minute
	ScorersTTL   = 10 * time.Minute

	requestTimeout   = 10 * time.Second
	errorBodyPreview = 200
)

// Leagues supported by the dashboard, competition code to display name.
var Leagues = map[string]string{
	"PL":  "Premier League",
	"PD":  "La Liga",
	"SA":  "Serie A",
	"BL1": "Bundesliga",
	"FL1": "Ligue 1",
}

// LeagueCodes returns the supported competition codes, sorted.
func LeagueCodes() []string {
	codes := make([]string, 0, len(Leagues))
	for code := range Leagues {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Match is one fixture in a competition.
type Match struct {
	UTCDate   string `json:"utc_date"`
	Status    string `json:"status"`
	Matchday  int    `json:"matchday"`
	HomeTeam  string `json:"home_team"`
	AwayTeam  string `json:"away_team"`
	HomeGoals *int   `json:"home_goals"`
	AwayGoals *int   `json:"away_goals"`
}

// TableRow is one team's line in the league table.
type TableRow struct {
	Position       int    `json:"position"`
	Team           string `json:"team"`
	Played         int    `json:"played"`
	Won            int    `json:"won"`
	Draw           int    `json:"draw"`
	Lost           int    `json:"lost"`
	GoalDifference int    `json:"goal_difference"`
	Points         int    `json:"points"`
}

// Scorer is one entry in a competition's top-scorer list.
type Scorer struct {
	Player  string `json:"player"`
	Team    string `json:"team"`
	Goals   int    `json:"goals"`
	Assists int    `json:"assists"`
}

// Service reads competition data from football-data.org through the
// shared TTL cache.
type Service struct {
	cache      *cache.TTLCache
	httpClient *http.Client
	token      string
	baseURL    string
}

// NewService creates a football service. baseURL defaults to the public
// v4 endpoint when empty.
func NewService(c *cache.TTLCache, token, baseURL string) *Service {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Service{
		cache:      c,
		httpClient: &http.Client{Timeout: requestTimeout},
		token:      token,
		baseURL:    baseURL,
	}
}

// MatchesToday lists a competition's fixtures for today (UTC).
func (s *Service) MatchesToday(code string) ([]Match, error) {
	day := time.Now().UTC().Format("2006-01-02")
	key := fmt.Sprintf("football:matches:%s:%s", code, day)
	return cache.Fetch(s.cache, key, MatchesTTL, func() ([]Match, error) {
		return s.fetchMatches(code, day)
	})
}

func (s *Service) fetchMatches(code, day string) ([]Match, error) {
	endpoint := fmt.Sprintf("%s/competitions/%s/matches?dateFrom=%s&dateTo=%s", s.baseURL, code, day, day)
	var body struct {
		Matches []struct {
			UTCDate  string `json:"utcDate"`
			Status   string `json:"status"`
			Matchday int    `json:"matchday"`
			HomeTeam struct {
				Name string `json:"name"`
			} `json:"homeTeam"`
			AwayTeam struct {
				Name string `json:"name"`
			} `json:"awayTeam"`
			Score struct {
				FullTime struct {
					Home *int `json:"home"`
					Away *int `json:"away"`
				} `json:"fullTime"`
			} `json:"score"`
		} `json:"matches"`
	}
	if err := s.getJSON(endpoint, &body); err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(body.Matches))
	for _, m := range body.Matches {
		out = append(out, Match{
			UTCDate:   m.UTCDate,
			Status:    m.Status,
			Matchday:  m.Matchday,
			HomeTeam:  m.HomeTeam.Name,
			AwayTeam:  m.AwayTeam.Name,
			HomeGoals: m.Score.FullTime.Home,
			AwayGoals: m.Score.FullTime.Away,
		})
	}
	return out, nil
}

// Standings returns the competition table, total standings only.
func (s *Service) Standings(code string) ([]TableRow, error) {
	key := "football:standings:" + code
	return cache.Fetch(s.cache, key, StandingsTTL, func() ([]TableRow, error) {
		return s.fetchStandings(code)
	})
}

func (s *Service) fetchStandings(code string) ([]TableRow, error) {
	var body struct {
		Standings []struct {
			Type  string `json:"type"`
			Table []struct {
				Position int `json:"position"`
				Team     struct {
					Name string `json:"name"`
				} `json:"team"`
				PlayedGames    int `json:"playedGames"`
				Won            int `json:"won"`
				Draw           int `json:"draw"`
				Lost           int `json:"lost"`
				GoalDifference int `json:"goalDifference"`
				Points         int `json:"points"`
			} `json:"table"`
		} `json:"standings"`
	}
	if err := s.getJSON(s.baseURL+"/competitions/"+code+"/standings", &body); err != nil {
		return nil, err
	}
	for _, st := range body.Standings {
		if st.Type != "TOTAL" {
			continue
		}
		rows := make([]TableRow, 0, len(st.Table))
		for _, r := range st.Table {
			rows = append(rows, TableRow{
				Position:       r.Position,
				Team:           r.Team.Name,
				Played:         r.PlayedGames,
				Won:            r.Won,
				Draw:           r.Draw,
				Lost:           r.Lost,
				GoalDifference: r.GoalDifference,
				Points:         r.Points,
			})
		}
		return rows, nil
	}
	return nil, fmt.Errorf("standings %s: no TOTAL table in response", code)
}

// Scorers returns the competition's top scorers.
func (s *Service) Scorers(code string, limit int) ([]Scorer, error) {
	key := fmt.Sprintf("football:scorers:%s:%d", code, limit)
	return cache.Fetch(s.cache, key, ScorersTTL, func() ([]Scorer, error) {
		return s.fetchScorers(code, limit)
	})
}

func (s *Service) fetchScorers(code string, limit int) ([]Scorer, error) {
	endpoint := fmt.Sprintf("%s/competitions/%s/scorers?limit=%d", s.baseURL, code, limit)
	var body struct {
		Scorers []struct {
			Player struct {
				Name string `json:"name"`
			} `json:"player"`
			Team struct {
				Name string `json:"name"`
			} `json:"team"`
			Goals   int  `json:"goals"`
			Assists *int `json:"assists"`
		} `json:"scorers"`
	}
	if err := s.getJSON(endpoint, &body); err != nil {
		return nil, err
	}
	out := make([]Scorer, 0, len(body.Scorers))
	for _, sc := range body.Scorers {
		row := Scorer{Player: sc.Player.Name, Team: sc.Team.Name, Goals: sc.Goals}
		if sc.Assists != nil {
			row.Assists = *sc.Assists
		}
		out = append(out, row)
	}
	return out, nil
}

// getJSON performs an authenticated GET. Non-JSON bodies, which the
// upstream serves on rate limiting and maintenance pages, become a
// structured error carrying the status and a short body preview instead
// of a bare decode failure.
func (s *Service) getJSON(endpoint string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if s.token != "" {
		req.Header.Set("X-Auth-Token", s.token)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("network: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, bodyPreview(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("non-JSON response (status %d): %s", resp.StatusCode, bodyPreview(raw))
	}
	return nil
}

func bodyPreview(raw []byte) string {
	if len(raw) > errorBodyPreview {
		raw = raw[:errorBodyPreview]
	}
	return string(raw)
}
