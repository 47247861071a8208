package hvapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/micro-ha/hypervolt-charger/addon/internal/model"
)

// TokenSource supplies the current bearer token for REST requests.
type TokenSource func() string

// RestClient covers the request/response HTTPS surface: charger
// enumeration and the generation 2 schedule endpoint.
type RestClient struct {
	baseURL string
	token   TokenSource
	http    *http.Client
	logger  *slog.Logger
}

func NewRestClient(baseURL string, token TokenSource, logger *slog.Logger) *RestClient {
	return &RestClient{
		baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  logger,
	}
}

// Charger is one entry from the by-owner listing.
type Charger struct {
	ChargerID json.Number `json:"charger_id"`
	Created   string      `json:"created"`
}

// Chargers lists the chargers owned by the authenticated account.
func (c *RestClient) Chargers(ctx context.Context) ([]Charger, error) {
	var payload struct {
		Chargers []Charger `json:"chargers"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/charger/by-owner", &payload); err != nil {
		return nil, err
	}
	return payload.Chargers, nil
}

// Schedule is the generation 2 schedule document.
type Schedule struct {
	Enabled   bool
	Type      string
	TZ        string
	Intervals []model.ScheduleInterval
}

type wireTimePoint struct {
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
	Seconds int `json:"seconds"`
}

type wireSchedule struct {
	Type      string             `json:"type"`
	TZ        string             `json:"tz"`
	Enabled   bool               `json:"enabled"`
	Intervals [][2]wireTimePoint `json:"intervals"`
}

// GetSchedule reads the charger's schedule over REST (generation 2).
func (c *RestClient) GetSchedule(ctx context.Context, chargerID string) (Schedule, error) {
	var payload wireSchedule
	if err := c.getJSON(ctx, c.scheduleURL(chargerID), &payload); err != nil {
		return Schedule{}, err
	}

	schedule := Schedule{
		Enabled:   payload.Enabled,
		Type:      payload.Type,
		TZ:        payload.TZ,
		Intervals: make([]model.ScheduleInterval, 0, len(payload.Intervals)),
	}
	for _, pair := range payload.Intervals {
		schedule.Intervals = append(schedule.Intervals, model.ScheduleInterval{
			Start: model.TimeOfDay{Hour: pair[0].Hours, Minute: pair[0].Minutes},
			End:   model.TimeOfDay{Hour: pair[1].Hours, Minute: pair[1].Minutes},
		})
	}
	return schedule, nil
}

// PutSchedule replaces the charger's schedule over REST (generation 2).
func (c *RestClient) PutSchedule(ctx context.Context, chargerID string, schedule Schedule) error {
	payload := wireSchedule{
		Type:      schedule.Type,
		TZ:        schedule.TZ,
		Enabled:   schedule.Enabled,
		Intervals: make([][2]wireTimePoint, 0, len(schedule.Intervals)),
	}
	if payload.Type == "" {
		payload.Type = "restricted"
	}
	if payload.TZ == "" {
		payload.TZ = "Europe/London"
	}
	for _, interval := range schedule.Intervals {
		payload.Intervals = append(payload.Intervals, [2]wireTimePoint{
			{Hours: interval.Start.Hour, Minutes: interval.Start.Minute},
			{Hours: interval.End.Hour, Minutes: interval.End.Minute},
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.scheduleURL(chargerID), bytes.NewReader(body))
	if err != nil {
		return &ConnectError{Op: "put schedule", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, "put schedule", nil)
}

func (c *RestClient) scheduleURL(chargerID string) string {
	return c.baseURL + "/charger/by-id/" + chargerID + "/schedule"
}

func (c *RestClient) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &ConnectError{Op: "get " + endpoint, Err: err}
	}
	return c.do(req, "get "+endpoint, out)
}

func (c *RestClient) do(req *http.Request, op string, out any) error {
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &ConnectError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{Op: op, Status: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &ConnectError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ConnectError{Op: op, Err: err}
	}
	return nil
}
