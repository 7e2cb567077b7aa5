package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmaas/playwarden/internal/storage"
)

type statStore struct {
	db *sql.DB
}

// AddDaily adds (never replaces) minutes and session count to a user's
// daily aggregate.
func (s *statStore) AddDaily(ctx context.Context, user, date string, minutes, sessions int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_stats (user, date, total_minutes, session_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user, date) DO UPDATE SET
			total_minutes = total_minutes + excluded.total_minutes,
			session_count = session_count + excluded.session_count`,
		user, date, minutes, sessions)
	if err != nil {
		return fmt.Errorf("add daily stat for %s: %w", user, err)
	}
	return nil
}

func (s *statStore) AddGame(ctx context.Context, user, game, date string, minutes int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO game_stats (user, game, date, minutes_played)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user, game, date) DO UPDATE SET
			minutes_played = minutes_played + excluded.minutes_played`,
		user, game, date, minutes)
	if err != nil {
		return fmt.Errorf("add game stat for %s/%s: %w", user, game, err)
	}
	return nil
}

func (s *statStore) DailyMinutes(ctx context.Context, user, date string) (int64, error) {
	var minutes sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT total_minutes FROM user_stats WHERE user = ? AND date = ?`,
		user, date).Scan(&minutes)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("daily minutes for %s: %w", user, err)
	}
	return minutes.Int64, nil
}

func (s *statStore) MinutesSince(ctx context.Context, user, fromDate string) (int64, error) {
	var minutes sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(total_minutes) FROM user_stats WHERE user = ? AND date >= ?`,
		user, fromDate).Scan(&minutes)
	if err != nil {
		return 0, fmt.Errorf("minutes since %s for %s: %w", fromDate, user, err)
	}
	return minutes.Int64, nil
}

func (s *statStore) GameMinutes(ctx context.Context, user, game, date string) (int64, error) {
	var minutes sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(minutes_played) FROM game_stats WHERE user = ? AND game = ? AND date = ?`,
		user, game, date).Scan(&minutes)
	if err != nil {
		return 0, fmt.Errorf("game minutes for %s/%s: %w", user, game, err)
	}
	return minutes.Int64, nil
}

func (s *statStore) GameMinutesSince(ctx context.Context, user, game, fromDate string) (int64, error) {
	var minutes sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(minutes_played) FROM game_stats WHERE user = ? AND game = ? AND date >= ?`,
		user, game, fromDate).Scan(&minutes)
	if err != nil {
		return 0, fmt.Errorf("game minutes since %s for %s/%s: %w", fromDate, user, game, err)
	}
	return minutes.Int64, nil
}

func (s *statStore) TopGames(ctx context.Context, user, fromDate string, limit int) ([]storage.GameTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT game, SUM(minutes_played) AS total
		FROM game_stats
		WHERE user = ? AND date >= ?
		GROUP BY game
		ORDER BY total DESC
		LIMIT ?`,
		user, fromDate, limit)
	if err != nil {
		return nil, fmt.Errorf("top games for %s: %w", user, err)
	}
	defer rows.Close()

	var totals []storage.GameTotal
	for rows.Next() {
		var gt storage.GameTotal
		if err := rows.Scan(&gt.Game, &gt.Minutes); err != nil {
			return nil, fmt.Errorf("scan game total: %w", err)
		}
		totals = append(totals, gt)
	}
	return totals, rows.Err()
}

func (s *statStore) ListGames(ctx context.Context, user string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT game FROM game_stats WHERE user = ?
		UNION
		SELECT DISTINCT game FROM sessions WHERE user = ? AND game IS NOT NULL AND game != ''`,
		user, user)
	if err != nil {
		return nil, fmt.Errorf("list games for %s: %w", user, err)
	}
	defer rows.Close()

	var games []string
	for rows.Next() {
		var game string
		if err := rows.Scan(&game); err != nil {
			return nil, fmt.Errorf("scan game name: %w", err)
		}
		games = append(games, game)
	}
	return games, rows.Err()
}

func (s *statStore) DailyHistory(ctx context.Context, user, fromDate string) ([]storage.DailyStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, total_minutes, session_count
		FROM user_stats
		WHERE user = ? AND date >= ?
		ORDER BY date DESC`,
		user, fromDate)
	if err != nil {
		return nil, fmt.Errorf("daily history for %s: %w", user, err)
	}
	defer rows.Close()

	var stats []storage.DailyStat
	for rows.Next() {
		st := storage.DailyStat{User: user}
		if err := rows.Scan(&st.Date, &st.TotalMinutes, &st.SessionCount); err != nil {
			return nil, fmt.Errorf("scan daily stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func (s *statStore) DeleteByUser(ctx context.Context, user string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_stats WHERE user = ?`, user); err != nil {
		return fmt.Errorf("delete user stats for %s: %w", user, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM game_stats WHERE user = ?`, user); err != nil {
		return fmt.Errorf("delete game stats for %s: %w", user, err)
	}
	return nil
}

func (s *statStore) DeleteBefore(ctx context.Context, cutoffDate string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_stats WHERE date < ?`, cutoffDate)
	if err != nil {
		return 0, fmt.Errorf("delete old user stats: %w", err)
	}
	n, _ := res.RowsAffected()
	res, err = s.db.ExecContext(ctx, `DELETE FROM game_stats WHERE date < ?`, cutoffDate)
	if err != nil {
		return int(n), fmt.Errorf("delete old game stats: %w", err)
	}
	m, _ := res.RowsAffected()
	return int(n + m), nil
}
