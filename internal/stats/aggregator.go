// Package stats answers "how long has this user played" over daily,
// weekly and monthly windows.
package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmaas/playwarden/internal/metrics"
	"github.com/jmaas/playwarden/internal/policy"
	"github.com/jmaas/playwarden/internal/storage"
	"github.com/rs/zerolog"
)

// Window selects the aggregation period.
type Window string

const (
	WindowToday Window = "today"
	WindowWeek  Window = "week"
	WindowMonth Window = "month"
)

// HistorySource is an external recorder, e.g. a home-automation
// history API, that can answer playtime queries instead of the local
// aggregates.
type HistorySource interface {
	UserMinutes(ctx context.Context, user string, from time.Time) (int64, error)
	GameMinutes(ctx context.Context, user string, from time.Time) (map[string]int64, error)
}

// OpenSource reports live minutes of sessions that are still running.
type OpenSource interface {
	OpenMinutes(user string, windowStart time.Time) int64
	OpenGameMinutes(user, game string, windowStart time.Time) int64
}

// Aggregator combines closed-session aggregates with live open-session
// time. When an external history source is configured it is preferred,
// with the local aggregates as fallback on any error.
type Aggregator struct {
	stats   storage.StatStore
	open    OpenSource
	history HistorySource
	clock   policy.Clock
	logger  zerolog.Logger
}

// NewAggregator creates an aggregator over the local store. history
// may be nil.
func NewAggregator(stats storage.StatStore, open OpenSource, history HistorySource, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		stats:   stats,
		open:    open,
		history: history,
		clock:   policy.RealClock{},
		logger:  logger.With().Str("component", "stats").Logger(),
	}
}

// SetClock sets the clock (for testing).
func (a *Aggregator) SetClock(clock policy.Clock) {
	a.clock = clock
}

// WindowStart returns the inclusive start of a window relative to now.
// Weeks start on Monday, months on the 1st.
func WindowStart(now time.Time, w Window) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch w {
	case WindowWeek:
		offset := (int(now.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -offset)
	case WindowMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	default:
		return midnight
	}
}

// UserMinutes returns the user's total playtime in the window,
// including the running portion of any open session clipped to the
// window start. The result is never negative.
func (a *Aggregator) UserMinutes(ctx context.Context, user string, w Window) (int64, error) {
	now := a.clock.Now()
	start := WindowStart(now, w)

	closed, err := a.closedMinutes(ctx, user, start, w)
	if err != nil {
		return 0, err
	}
	total := closed + a.open.OpenMinutes(user, start)
	if total < 0 {
		total = 0
	}
	return total, nil
}

// TodayMinutes satisfies the policy engine's usage source.
func (a *Aggregator) TodayMinutes(ctx context.Context, user string) (int, error) {
	m, err := a.UserMinutes(ctx, user, WindowToday)
	return int(m), err
}

func (a *Aggregator) closedMinutes(ctx context.Context, user string, start time.Time, w Window) (int64, error) {
	if a.history != nil {
		m, err := a.history.UserMinutes(ctx, user, start)
		if err == nil {
			return m, nil
		}
		metrics.HistoryFallbacks.Inc()
		a.logger.Warn().Err(err).Str("user", user).Msg("History source failed, using local aggregates")
	}
	if w == WindowToday {
		m, err := a.stats.DailyMinutes(ctx, user, storage.DateKey(start))
		if err != nil {
			return 0, fmt.Errorf("reading daily minutes for %s: %w", user, err)
		}
		return m, nil
	}
	m, err := a.stats.MinutesSince(ctx, user, storage.DateKey(start))
	if err != nil {
		return 0, fmt.Errorf("reading window minutes for %s: %w", user, err)
	}
	return m, nil
}

// GameMinutes returns the user's playtime for one title in the window,
// including the live portion if that title is currently running.
func (a *Aggregator) GameMinutes(ctx context.Context, user, game string, w Window) (int64, error) {
	now := a.clock.Now()
	start := WindowStart(now, w)

	closed, err := a.closedGameMinutes(ctx, user, game, start, w)
	if err != nil {
		return 0, err
	}
	total := closed + a.open.OpenGameMinutes(user, game, start)
	if total < 0 {
		total = 0
	}
	return total, nil
}

func (a *Aggregator) closedGameMinutes(ctx context.Context, user, game string, start time.Time, w Window) (int64, error) {
	if a.history != nil {
		byGame, err := a.history.GameMinutes(ctx, user, start)
		if err == nil {
			return byGame[game], nil
		}
		metrics.HistoryFallbacks.Inc()
		a.logger.Warn().Err(err).Str("user", user).Msg("History source failed for game minutes, using local aggregates")
	}
	date := storage.DateKey(start)
	var m int64
	var err error
	if w == WindowToday {
		m, err = a.stats.GameMinutes(ctx, user, game, date)
	} else {
		m, err = a.stats.GameMinutesSince(ctx, user, game, date)
	}
	if err != nil {
		return 0, fmt.Errorf("reading game minutes for %s: %w", user, err)
	}
	return m, nil
}

// TopGames returns the user's most played titles in the window.
func (a *Aggregator) TopGames(ctx context.Context, user string, w Window, limit int) ([]storage.GameTotal, error) {
	start := WindowStart(a.clock.Now(), w)
	if a.history != nil {
		byGame, err := a.history.GameMinutes(ctx, user, start)
		if err == nil {
			return topOf(byGame, limit), nil
		}
		a.logger.Warn().Err(err).Str("user", user).Msg("History source failed for game totals, using local aggregates")
	}
	totals, err := a.stats.TopGames(ctx, user, storage.DateKey(start), limit)
	if err != nil {
		return nil, fmt.Errorf("reading top games for %s: %w", user, err)
	}
	return totals, nil
}

// DailyHistory returns the per-day totals for a user since the window
// start, for charting.
func (a *Aggregator) DailyHistory(ctx context.Context, user string, w Window) ([]storage.DailyStat, error) {
	start := WindowStart(a.clock.Now(), w)
	rows, err := a.stats.DailyHistory(ctx, user, storage.DateKey(start))
	if err != nil {
		return nil, fmt.Errorf("reading daily history for %s: %w", user, err)
	}
	return rows, nil
}

func topOf(byGame map[string]int64, limit int) []storage.GameTotal {
	out := make([]storage.GameTotal, 0, len(byGame))
	for game, m := range byGame {
		out = append(out, storage.GameTotal{Game: game, Minutes: m})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Minutes != out[j].Minutes {
			return out[i].Minutes > out[j].Minutes
		}
		return out[i].Game < out[j].Game
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
