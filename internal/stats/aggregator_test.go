package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmaas/playwarden/internal/policy"
	"github.com/jmaas/playwarden/internal/storage"
	"github.com/rs/zerolog"
)

type fakeStats struct {
	daily map[string]int64 // user|date
	since map[string]int64 // user|fromDate
	game  map[string]int64 // user|game|date
}

func (f *fakeStats) AddDaily(_ context.Context, user, date string, minutes, sessions int64) error {
	return nil
}
func (f *fakeStats) AddGame(_ context.Context, user, game, date string, minutes int64) error {
	return nil
}
func (f *fakeStats) DailyMinutes(_ context.Context, user, date string) (int64, error) {
	return f.daily[user+"|"+date], nil
}
func (f *fakeStats) MinutesSince(_ context.Context, user, fromDate string) (int64, error) {
	return f.since[user+"|"+fromDate], nil
}
func (f *fakeStats) GameMinutes(_ context.Context, user, game, date string) (int64, error) {
	return f.game[user+"|"+game+"|"+date], nil
}
func (f *fakeStats) GameMinutesSince(_ context.Context, user, game, fromDate string) (int64, error) {
	return f.game[user+"|"+game+"|"+fromDate], nil
}
func (f *fakeStats) TopGames(_ context.Context, user, fromDate string, limit int) ([]storage.GameTotal, error) {
	return []storage.GameTotal{{Game: "Astro Bot", Minutes: 40}}, nil
}
func (f *fakeStats) ListGames(_ context.Context, user string) ([]string, error) { return nil, nil }
func (f *fakeStats) DailyHistory(_ context.Context, user, fromDate string) ([]storage.DailyStat, error) {
	return nil, nil
}
func (f *fakeStats) DeleteByUser(_ context.Context, user string) error           { return nil }
func (f *fakeStats) DeleteBefore(_ context.Context, cutoffDate string) (int, error) { return 0, nil }

type fakeOpen struct {
	minutes     int64
	gameMinutes map[string]int64
	gotWindowAt time.Time
}

func (f *fakeOpen) OpenMinutes(user string, windowStart time.Time) int64 {
	f.gotWindowAt = windowStart
	return f.minutes
}

func (f *fakeOpen) OpenGameMinutes(user, game string, windowStart time.Time) int64 {
	f.gotWindowAt = windowStart
	return f.gameMinutes[game]
}

type fakeHistory struct {
	minutes int64
	err     error
}

func (f *fakeHistory) UserMinutes(_ context.Context, user string, from time.Time) (int64, error) {
	return f.minutes, f.err
}

func (f *fakeHistory) GameMinutes(_ context.Context, user string, from time.Time) (map[string]int64, error) {
	return map[string]int64{"Gran Turismo 7": 90, "Astro Bot": 30}, f.err
}

func TestWindowStart(t *testing.T) {
	// 2026-03-04 is a Wednesday.
	now := time.Date(2026, 3, 4, 16, 30, 0, 0, time.UTC)
	tests := []struct {
		window Window
		want   time.Time
	}{
		{WindowToday, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)},
		{WindowWeek, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
		{WindowMonth, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := WindowStart(now, tt.window); !got.Equal(tt.want) {
			t.Errorf("WindowStart(%s) = %v, want %v", tt.window, got, tt.want)
		}
	}
	// Monday maps to itself for the week window.
	monday := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	if got := WindowStart(monday, WindowWeek); got.Day() != 2 {
		t.Errorf("WindowStart on Monday = %v, want same day", got)
	}
}

func TestUserMinutesAddsOpenSession(t *testing.T) {
	stats := &fakeStats{
		daily: map[string]int64{"alice|2026-03-04": 40},
		since: map[string]int64{"alice|2026-03-02": 100},
	}
	open := &fakeOpen{minutes: 12}
	a := NewAggregator(stats, open, nil, zerolog.Nop())
	a.SetClock(&policy.TestClock{CurrentTime: time.Date(2026, 3, 4, 16, 0, 0, 0, time.UTC)})

	got, err := a.UserMinutes(context.Background(), "alice", WindowToday)
	if err != nil {
		t.Fatal(err)
	}
	if got != 52 {
		t.Errorf("today minutes = %d, want 52", got)
	}
	// The live portion is clipped at the window boundary, so the open
	// source must be asked from midnight, not from the session start.
	wantStart := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	if !open.gotWindowAt.Equal(wantStart) {
		t.Errorf("open window start = %v, want %v", open.gotWindowAt, wantStart)
	}

	got, err = a.UserMinutes(context.Background(), "alice", WindowWeek)
	if err != nil {
		t.Fatal(err)
	}
	if got != 112 {
		t.Errorf("week minutes = %d, want 112", got)
	}
}

func TestHistorySourcePreferred(t *testing.T) {
	stats := &fakeStats{daily: map[string]int64{"alice|2026-03-04": 40}}
	a := NewAggregator(stats, &fakeOpen{}, &fakeHistory{minutes: 75}, zerolog.Nop())
	a.SetClock(&policy.TestClock{CurrentTime: time.Date(2026, 3, 4, 16, 0, 0, 0, time.UTC)})

	got, err := a.UserMinutes(context.Background(), "alice", WindowToday)
	if err != nil {
		t.Fatal(err)
	}
	if got != 75 {
		t.Errorf("minutes = %d, want 75 from history source", got)
	}
}

func TestHistoryFailureFallsBack(t *testing.T) {
	stats := &fakeStats{daily: map[string]int64{"alice|2026-03-04": 40}}
	hist := &fakeHistory{err: errors.New("connection refused")}
	a := NewAggregator(stats, &fakeOpen{}, hist, zerolog.Nop())
	a.SetClock(&policy.TestClock{CurrentTime: time.Date(2026, 3, 4, 16, 0, 0, 0, time.UTC)})

	got, err := a.UserMinutes(context.Background(), "alice", WindowToday)
	if err != nil {
		t.Fatal(err)
	}
	if got != 40 {
		t.Errorf("minutes = %d, want 40 from local fallback", got)
	}
}

func TestGameMinutesAddsOpenSession(t *testing.T) {
	stats := &fakeStats{
		game: map[string]int64{"alice|Astro Bot|2026-03-04": 25},
	}
	open := &fakeOpen{gameMinutes: map[string]int64{"Astro Bot": 8}}
	a := NewAggregator(stats, open, nil, zerolog.Nop())
	a.SetClock(&policy.TestClock{CurrentTime: time.Date(2026, 3, 4, 16, 0, 0, 0, time.UTC)})

	got, err := a.GameMinutes(context.Background(), "alice", "Astro Bot", WindowToday)
	if err != nil {
		t.Fatal(err)
	}
	if got != 33 {
		t.Errorf("game minutes = %d, want 33 including the open session", got)
	}
	wantStart := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	if !open.gotWindowAt.Equal(wantStart) {
		t.Errorf("open window start = %v, want %v", open.gotWindowAt, wantStart)
	}

	// A title that is not running contributes nothing live.
	got, err = a.GameMinutes(context.Background(), "alice", "Gran Turismo 7", WindowToday)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Errorf("idle game minutes = %d, want 0", got)
	}
}

func TestGameMinutesHistoryPreferred(t *testing.T) {
	stats := &fakeStats{game: map[string]int64{"alice|Astro Bot|2026-03-04": 25}}
	a := NewAggregator(stats, &fakeOpen{}, &fakeHistory{}, zerolog.Nop())
	a.SetClock(&policy.TestClock{CurrentTime: time.Date(2026, 3, 4, 16, 0, 0, 0, time.UTC)})

	got, err := a.GameMinutes(context.Background(), "alice", "Astro Bot", WindowToday)
	if err != nil {
		t.Fatal(err)
	}
	if got != 30 {
		t.Errorf("game minutes = %d, want 30 from history source", got)
	}
}

func TestTopGamesFromHistory(t *testing.T) {
	a := NewAggregator(&fakeStats{}, &fakeOpen{}, &fakeHistory{}, zerolog.Nop())
	a.SetClock(&policy.TestClock{CurrentTime: time.Date(2026, 3, 4, 16, 0, 0, 0, time.UTC)})

	top, err := a.TopGames(context.Background(), "alice", WindowWeek, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 1 || top[0].Game != "Gran Turismo 7" || top[0].Minutes != 90 {
		t.Errorf("top games = %+v, want Gran Turismo 7 / 90", top)
	}
}
