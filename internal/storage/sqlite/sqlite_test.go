package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmaas/playwarden/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSessionRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 4, 20, 0, 0, 0, time.UTC)
	id, err := store.Sessions().Insert(ctx, &storage.Session{
		User:     "alice",
		Game:     "Astro Bot",
		DeviceID: "c1",
		Start:    start,
		Active:   true,
	})
	if err != nil {
		t.Fatalf("insert session: %v", err)
	}

	open, err := store.Sessions().ListOpen(ctx)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 || open[0].ID != id || !open[0].Start.Equal(start) {
		t.Fatalf("open sessions = %+v, want one with id %d start %v", open, id, start)
	}

	end := start.Add(45 * time.Minute)
	if err := store.Sessions().Finalize(ctx, id, end, 2700, true); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	open, err = store.Sessions().ListOpen(ctx)
	if err != nil {
		t.Fatalf("list open after finalize: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no open sessions, got %d", len(open))
	}

	rows, err := store.Sessions().ListByUser(ctx, "alice", start.Add(-time.Hour))
	if err != nil {
		t.Fatalf("list by user: %v", err)
	}
	if len(rows) != 1 || rows[0].DurationSecs != 2700 || !rows[0].EndedNormally {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestDailyStatsAreAdditive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	stats := store.Stats()

	if err := stats.AddDaily(ctx, "alice", "2026-03-04", 30, 1); err != nil {
		t.Fatalf("add daily: %v", err)
	}
	if err := stats.AddDaily(ctx, "alice", "2026-03-04", 15, 1); err != nil {
		t.Fatalf("add daily again: %v", err)
	}

	minutes, err := stats.DailyMinutes(ctx, "alice", "2026-03-04")
	if err != nil {
		t.Fatalf("daily minutes: %v", err)
	}
	if minutes != 45 {
		t.Fatalf("expected 45 minutes, got %d", minutes)
	}

	// Unknown user and day reads as zero, not an error.
	minutes, err = stats.DailyMinutes(ctx, "bob", "2026-03-04")
	if err != nil || minutes != 0 {
		t.Fatalf("minutes for unknown user = %d, err %v", minutes, err)
	}
}

func TestMinutesSinceSumsWindow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	stats := store.Stats()

	for _, row := range []struct {
		date    string
		minutes int64
	}{
		{"2026-03-01", 60},
		{"2026-03-02", 30},
		{"2026-03-04", 20},
	} {
		if err := stats.AddDaily(ctx, "alice", row.date, row.minutes, 1); err != nil {
			t.Fatalf("add daily: %v", err)
		}
	}

	total, err := stats.MinutesSince(ctx, "alice", "2026-03-02")
	if err != nil {
		t.Fatalf("minutes since: %v", err)
	}
	if total != 50 {
		t.Fatalf("expected 50 minutes, got %d", total)
	}
}

func TestTopGames(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	stats := store.Stats()

	for _, row := range []struct {
		game    string
		date    string
		minutes int64
	}{
		{"Astro Bot", "2026-03-03", 40},
		{"Astro Bot", "2026-03-04", 20},
		{"Gran Turismo 7", "2026-03-04", 45},
	} {
		if err := stats.AddGame(ctx, "alice", row.game, row.date, row.minutes); err != nil {
			t.Fatalf("add game: %v", err)
		}
	}

	top, err := stats.TopGames(ctx, "alice", "2026-03-01", 1)
	if err != nil {
		t.Fatalf("top games: %v", err)
	}
	if len(top) != 1 || top[0].Game != "Astro Bot" || top[0].Minutes != 60 {
		t.Fatalf("top = %+v, want Astro Bot / 60", top)
	}
}

func TestLimitRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	limits := store.Limits()

	if _, err := limits.Get(ctx, "alice"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	want := storage.UserLimit{
		User:           "alice",
		DailyMinutes:   90,
		WeekdayMinutes: map[int]int{0: 120, 6: 120},
		Enabled:        true,
	}
	if err := limits.Set(ctx, want); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	got, err := limits.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get limit: %v", err)
	}
	if got.DailyMinutes != 90 || got.WeekdayMinutes[6] != 120 || !got.Enabled {
		t.Fatalf("limit = %+v", got)
	}

	// Overwrite keeps one row per user.
	want.DailyMinutes = 60
	if err := limits.Set(ctx, want); err != nil {
		t.Fatalf("update limit: %v", err)
	}
	got, err = limits.Get(ctx, "alice")
	if err != nil || got.DailyMinutes != 60 {
		t.Fatalf("updated limit = %+v, err %v", got, err)
	}
}

func TestAccessDefaultsToAllowed(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	limits := store.Limits()

	allowed, err := limits.GetAccess(ctx, "alice")
	if err != nil || !allowed {
		t.Fatalf("default access = %v, err %v, want allowed", allowed, err)
	}
	if err := limits.SetAccess(ctx, "alice", false); err != nil {
		t.Fatalf("set access: %v", err)
	}
	allowed, err = limits.GetAccess(ctx, "alice")
	if err != nil || allowed {
		t.Fatalf("access after disable = %v, err %v", allowed, err)
	}
}

func TestHasShutdownOn(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	events := store.Events()

	at := time.Date(2026, 3, 4, 18, 30, 0, 0, time.UTC)
	err := events.AppendShutdown(ctx, storage.ShutdownEvent{
		User:      "alice",
		DeviceID:  "c1",
		Reason:    "daily limit of 60 minutes reached",
		CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("append shutdown: %v", err)
	}

	got, err := events.HasShutdownOn(ctx, "alice", "2026-03-04")
	if err != nil || !got {
		t.Fatalf("HasShutdownOn same day = %v, err %v", got, err)
	}
	got, err = events.HasShutdownOn(ctx, "alice", "2026-03-05")
	if err != nil || got {
		t.Fatalf("HasShutdownOn next day = %v, err %v", got, err)
	}
	got, err = events.HasShutdownOn(ctx, "bob", "2026-03-04")
	if err != nil || got {
		t.Fatalf("HasShutdownOn other user = %v, err %v", got, err)
	}
}

func TestHasShutdownOnKeepsLocalDay(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	events := store.Events()

	// 08:00 on the 5th in a UTC+10 zone is still the 4th in UTC. The
	// escalation must key on the local calendar day.
	aest := time.FixedZone("AEST", 10*3600)
	at := time.Date(2026, 3, 5, 8, 0, 0, 0, aest)
	err := events.AppendShutdown(ctx, storage.ShutdownEvent{
		User:      "alice",
		DeviceID:  "c1",
		Reason:    "daily limit of 60 minutes reached",
		CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("append shutdown: %v", err)
	}

	got, err := events.HasShutdownOn(ctx, "alice", "2026-03-05")
	if err != nil || !got {
		t.Fatalf("HasShutdownOn local day = %v, err %v, want true", got, err)
	}
	got, err = events.HasShutdownOn(ctx, "alice", "2026-03-04")
	if err != nil || got {
		t.Fatalf("HasShutdownOn UTC day = %v, err %v, want false", got, err)
	}
}

func TestUsersAddIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	users := store.Users()

	for _, u := range []string{"alice", "bob", "alice", ""} {
		if err := users.Add(ctx, u); err != nil {
			t.Fatalf("add user %q: %v", u, err)
		}
	}
	list, err := users.List(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("users = %v, want 2 entries", list)
	}
}

func TestRetentionDeletes(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	id, err := store.Sessions().Insert(ctx, &storage.Session{
		User: "alice", Game: "Astro Bot", DeviceID: "c1", Start: start, Active: true,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Sessions().Finalize(ctx, id, start.Add(time.Hour), 3600, true); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := store.Stats().AddDaily(ctx, "alice", "2026-01-01", 60, 1); err != nil {
		t.Fatalf("add daily: %v", err)
	}

	deleted, err := store.Sessions().DeleteClosedBefore(ctx, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("delete sessions: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted sessions = %d, want 1", deleted)
	}
	deleted, err = store.Stats().DeleteBefore(ctx, "2026-02-01")
	if err != nil {
		t.Fatalf("delete stats: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted stats = %d, want 1", deleted)
	}
}
