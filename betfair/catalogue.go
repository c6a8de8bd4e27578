package betfair

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ladderflow/logger"
)

// MarketInfo is the catalogue metadata used to name output files. Recording
// never depends on it: a failed lookup falls back to the market id.
type MarketInfo struct {
	MarketID    string
	MarketName  string
	EventType   string
	Event       string
	Competition string
	StartTime   time.Time
	Runners     map[int64]string
}

// Catalogue queries the exchange's REST catalogue for market metadata.
type Catalogue struct {
	baseURL string
	appKey  string
	client  *http.Client
	log     *logger.Log
}

// NewCatalogue builds a catalogue client authenticated by session token per
// request.
func NewCatalogue(baseURL, appKey string, timeout time.Duration) *Catalogue {
	return &Catalogue{
		baseURL: strings.TrimRight(baseURL, "/"),
		appKey:  appKey,
		client:  &http.Client{Timeout: timeout},
		log:     logger.GetLogger(),
	}
}

type catalogueEntry struct {
	MarketID        string `json:"marketId"`
	MarketName      string `json:"marketName"`
	MarketStartTime string `json:"marketStartTime"`
	EventType       struct {
		Name string `json:"name"`
	} `json:"eventType"`
	Event struct {
		Name string `json:"name"`
	} `json:"event"`
	Competition struct {
		Name string `json:"name"`
	} `json:"competition"`
	Runners []struct {
		SelectionID int64  `json:"selectionId"`
		RunnerName  string `json:"runnerName"`
	} `json:"runners"`
}

// MarketInfo fetches the catalogue entry for one market.
func (c *Catalogue) MarketInfo(ctx context.Context, sessionToken, marketID string) (*MarketInfo, error) {
	body := fmt.Sprintf(`{"filter":{"marketIds":[%q]},"marketProjection":["EVENT_TYPE","EVENT","COMPETITION","MARKET_START_TIME","RUNNER_DESCRIPTION"],"maxResults":1}`, marketID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/listMarketCatalogue/", strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Application", c.appKey)
	req.Header.Set("X-Authentication", sessionToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalogue returned %s", resp.Status)
	}

	var entries []catalogueEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode catalogue response: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("market %s not found in catalogue", marketID)
	}

	e := entries[0]
	info := &MarketInfo{
		MarketID:    e.MarketID,
		MarketName:  e.MarketName,
		EventType:   e.EventType.Name,
		Event:       e.Event.Name,
		Competition: e.Competition.Name,
		Runners:     make(map[int64]string, len(e.Runners)),
	}
	if e.Competition.Name == "" {
		info.Competition = "Unknown-Competition"
	}
	if ts, err := time.Parse(time.RFC3339, e.MarketStartTime); err == nil {
		info.StartTime = ts
	}
	for _, r := range e.Runners {
		info.Runners[r.SelectionID] = r.RunnerName
	}
	return info, nil
}

// FileStem builds the output file stem
// EventType_Event_Competition_MarketName_StartTime with path-hostile
// characters replaced.
func (i *MarketInfo) FileStem() string {
	clean := func(s string) string {
		s = strings.ReplaceAll(s, " ", "-")
		return strings.ReplaceAll(s, "/", "-")
	}
	start := i.StartTime.UTC().Format("2006-01-02T15-04-05")
	return strings.Join([]string{
		clean(i.EventType), clean(i.Event), clean(i.Competition), clean(i.MarketName), start,
	}, "_")
}
