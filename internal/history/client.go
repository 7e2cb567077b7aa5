// Package history queries a home-automation history API as an
// alternative playtime source. It reconstructs durations from recorded
// state changes of the per-user activity and title sensors.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/jmaas/playwarden/internal/policy"
	"github.com/rs/zerolog"
)

// Config locates the history API and the sensor entities to query.
type Config struct {
	BaseURL string
	Token   string
	// ActivityEntity is a format string with one %s for the user,
	// e.g. "binary_sensor.playwarden_%s_active".
	ActivityEntity string
	// TitleEntity is a format string with one %s for the user,
	// e.g. "sensor.playwarden_%s_game".
	TitleEntity string
	Timeout     time.Duration
}

// Client talks to the history API.
type Client struct {
	cfg    Config
	http   *http.Client
	clock  policy.Clock
	logger zerolog.Logger
}

// NewClient creates a history client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		clock:  policy.RealClock{},
		logger: logger.With().Str("component", "history").Logger(),
	}
}

// SetClock sets the clock (for testing).
func (c *Client) SetClock(clock policy.Clock) {
	c.clock = clock
}

// StateChange is one recorded transition of an entity.
type StateChange struct {
	State       string    `json:"state"`
	LastChanged time.Time `json:"last_changed"`
}

// UserMinutes returns how long the user's activity sensor has been on
// since from, including a still-open final interval up to now.
func (c *Client) UserMinutes(ctx context.Context, user string, from time.Time) (int64, error) {
	entity := fmt.Sprintf(c.cfg.ActivityEntity, user)
	changes, err := c.fetch(ctx, entity, from)
	if err != nil {
		return 0, err
	}
	d := onDuration(changes, from, c.clock.Now(), activeState)
	return int64(d.Minutes() + 0.5), nil
}

// GameMinutes returns minutes per title since from, read from the
// user's title sensor. Placeholder states are skipped.
func (c *Client) GameMinutes(ctx context.Context, user string, from time.Time) (map[string]int64, error) {
	entity := fmt.Sprintf(c.cfg.TitleEntity, user)
	changes, err := c.fetch(ctx, entity, from)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	sort.Slice(changes, func(i, j int) bool { return changes[i].LastChanged.Before(changes[j].LastChanged) })

	totals := make(map[string]time.Duration)
	for i, ch := range changes {
		if !titleState(ch.State) {
			continue
		}
		start := ch.LastChanged
		if start.Before(from) {
			start = from
		}
		end := now
		if i+1 < len(changes) {
			end = changes[i+1].LastChanged
		}
		if end.After(start) {
			totals[ch.State] += end.Sub(start)
		}
	}

	out := make(map[string]int64, len(totals))
	for game, d := range totals {
		out[game] = int64(d.Minutes() + 0.5)
	}
	return out, nil
}

func (c *Client) fetch(ctx context.Context, entity string, from time.Time) ([]StateChange, error) {
	u := fmt.Sprintf("%s/api/history/period/%s?filter_entity_id=%s",
		strings.TrimRight(c.cfg.BaseURL, "/"),
		from.UTC().Format(time.RFC3339),
		url.QueryEscape(entity))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building history request: %w", err)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying history for %s: %w", entity, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history API returned %s for %s", resp.Status, entity)
	}

	// The API wraps each entity's changes in an outer array.
	var payload [][]StateChange
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding history for %s: %w", entity, err)
	}
	if len(payload) == 0 {
		return nil, nil
	}
	return payload[0], nil
}

// onDuration sums the time an entity spent in an active state between
// from and now. Each active change is credited until the next change,
// or until now for the last one.
func onDuration(changes []StateChange, from, now time.Time, active func(string) bool) time.Duration {
	sort.Slice(changes, func(i, j int) bool { return changes[i].LastChanged.Before(changes[j].LastChanged) })
	var total time.Duration
	for i, ch := range changes {
		if !active(ch.State) {
			continue
		}
		start := ch.LastChanged
		if start.Before(from) {
			start = from
		}
		end := now
		if i+1 < len(changes) {
			end = changes[i+1].LastChanged
		}
		if end.After(start) {
			total += end.Sub(start)
		}
	}
	return total
}

func activeState(s string) bool {
	switch strings.ToLower(s) {
	case "on", "true", "1", "active", "playing":
		return true
	}
	return false
}

func titleState(s string) bool {
	switch strings.ToLower(s) {
	case "", "none", "unknown", "unavailable", "idle":
		return false
	}
	return true
}
