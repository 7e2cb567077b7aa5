package history

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jmaas/playwarden/internal/policy"
	"github.com/rs/zerolog"
)

func ts(h, m int) time.Time {
	return time.Date(2026, 3, 4, h, m, 0, 0, time.UTC)
}

func TestOnDuration(t *testing.T) {
	from := ts(8, 0)
	now := ts(12, 0)
	tests := []struct {
		name    string
		changes []StateChange
		want    time.Duration
	}{
		{
			name: "single interval",
			changes: []StateChange{
				{State: "on", LastChanged: ts(9, 0)},
				{State: "off", LastChanged: ts(9, 45)},
			},
			want: 45 * time.Minute,
		},
		{
			name: "open interval runs to now",
			changes: []StateChange{
				{State: "on", LastChanged: ts(11, 30)},
			},
			want: 30 * time.Minute,
		},
		{
			name: "change before window is clipped",
			changes: []StateChange{
				{State: "on", LastChanged: ts(7, 0)},
				{State: "off", LastChanged: ts(8, 30)},
			},
			want: 30 * time.Minute,
		},
		{
			name: "multiple intervals",
			changes: []StateChange{
				{State: "on", LastChanged: ts(9, 0)},
				{State: "off", LastChanged: ts(9, 30)},
				{State: "on", LastChanged: ts(10, 0)},
				{State: "off", LastChanged: ts(10, 10)},
			},
			want: 40 * time.Minute,
		},
		{
			name: "off only",
			changes: []StateChange{
				{State: "off", LastChanged: ts(9, 0)},
			},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := onDuration(tt.changes, from, now, activeState)
			if got != tt.want {
				t.Errorf("onDuration = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUserMinutesViaAPI(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		payload := [][]StateChange{{
			{State: "off", LastChanged: ts(8, 0)},
			{State: "on", LastChanged: ts(9, 0)},
			{State: "off", LastChanged: ts(10, 15)},
		}}
		json.NewEncoder(w).Encode(payload)
	}))
	defer srv.Close()

	c := NewClient(Config{
		BaseURL:        srv.URL,
		Token:          "secret",
		ActivityEntity: "binary_sensor.playwarden_%s_active",
		TitleEntity:    "sensor.playwarden_%s_game",
	}, zerolog.Nop())
	c.SetClock(&policy.TestClock{CurrentTime: ts(12, 0)})

	got, err := c.UserMinutes(context.Background(), "alice", ts(8, 0))
	if err != nil {
		t.Fatal(err)
	}
	if got != 75 {
		t.Errorf("minutes = %d, want 75", got)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotPath != "/api/history/period/2026-03-04T08:00:00Z" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestGameMinutesSkipsPlaceholders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := [][]StateChange{{
			{State: "none", LastChanged: ts(8, 0)},
			{State: "Astro Bot", LastChanged: ts(9, 0)},
			{State: "unknown", LastChanged: ts(9, 30)},
			{State: "Gran Turismo 7", LastChanged: ts(10, 0)},
		}}
		json.NewEncoder(w).Encode(payload)
	}))
	defer srv.Close()

	c := NewClient(Config{
		BaseURL:        srv.URL,
		ActivityEntity: "binary_sensor.playwarden_%s_active",
		TitleEntity:    "sensor.playwarden_%s_game",
	}, zerolog.Nop())
	c.SetClock(&policy.TestClock{CurrentTime: ts(11, 0)})

	got, err := c.GameMinutes(context.Background(), "alice", ts(8, 0))
	if err != nil {
		t.Fatal(err)
	}
	if got["Astro Bot"] != 30 {
		t.Errorf("Astro Bot = %d, want 30", got["Astro Bot"])
	}
	if got["Gran Turismo 7"] != 60 {
		t.Errorf("Gran Turismo 7 = %d, want 60", got["Gran Turismo 7"])
	}
	if _, ok := got["none"]; ok {
		t.Error("placeholder state credited")
	}
}

func TestFetchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Config{
		BaseURL:        srv.URL,
		ActivityEntity: "binary_sensor.playwarden_%s_active",
		TitleEntity:    "sensor.playwarden_%s_game",
	}, zerolog.Nop())

	if _, err := c.UserMinutes(context.Background(), "alice", ts(8, 0)); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}
