package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jmaas/playwarden/internal/storage"
)

type limitStore struct {
	db *sql.DB
}

func (s *limitStore) Get(ctx context.Context, user string) (*storage.UserLimit, error) {
	var limit storage.UserLimit
	var daily sql.NullInt64
	var weekdays sql.NullString
	var enabled int
	err := s.db.QueryRowContext(ctx, `
		SELECT daily_limit_minutes, weekday_limits, enabled
		FROM user_limits WHERE user = ?`,
		user).Scan(&daily, &weekdays, &enabled)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get limit for %s: %w", user, err)
	}

	limit.User = user
	limit.DailyMinutes = int(daily.Int64)
	limit.Enabled = enabled == 1
	if weekdays.Valid && weekdays.String != "" {
		m, err := parseWeekdayLimits(weekdays.String)
		if err != nil {
			return nil, fmt.Errorf("weekday limits for %s: %w", user, err)
		}
		limit.WeekdayMinutes = m
	}
	return &limit, nil
}

func (s *limitStore) Set(ctx context.Context, limit storage.UserLimit) error {
	enabled := 0
	if limit.Enabled {
		enabled = 1
	}
	var weekdays any
	if len(limit.WeekdayMinutes) > 0 {
		data, err := json.Marshal(encodeWeekdayLimits(limit.WeekdayMinutes))
		if err != nil {
			return fmt.Errorf("encode weekday limits: %w", err)
		}
		weekdays = string(data)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_limits (user, daily_limit_minutes, weekday_limits, enabled)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user) DO UPDATE SET
			daily_limit_minutes = excluded.daily_limit_minutes,
			weekday_limits = excluded.weekday_limits,
			enabled = excluded.enabled`,
		limit.User, limit.DailyMinutes, weekdays, enabled)
	if err != nil {
		return fmt.Errorf("set limit for %s: %w", limit.User, err)
	}
	return nil
}

func (s *limitStore) GetAccess(ctx context.Context, user string) (bool, error) {
	var allowed int
	err := s.db.QueryRowContext(ctx, `SELECT allowed FROM user_access WHERE user = ?`, user).Scan(&allowed)
	if err == sql.ErrNoRows {
		// Access defaults to allowed for unknown users.
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("get access for %s: %w", user, err)
	}
	return allowed == 1, nil
}

func (s *limitStore) SetAccess(ctx context.Context, user string, allowed bool) error {
	val := 0
	if allowed {
		val = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_access (user, allowed) VALUES (?, ?)
		ON CONFLICT(user) DO UPDATE SET allowed = excluded.allowed`,
		user, val)
	if err != nil {
		return fmt.Errorf("set access for %s: %w", user, err)
	}
	return nil
}

// Weekday limits are stored as a JSON object with string keys ("0".."6",
// Sunday first, matching time.Weekday).
func parseWeekdayLimits(raw string) (map[int]int, error) {
	var obj map[string]int
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, err
	}
	m := make(map[int]int, len(obj))
	for k, v := range obj {
		day, err := strconv.Atoi(k)
		if err != nil || day < 0 || day > 6 {
			return nil, fmt.Errorf("invalid weekday key %q", k)
		}
		m[day] = v
	}
	return m, nil
}

func encodeWeekdayLimits(m map[int]int) map[string]int {
	obj := make(map[string]int, len(m))
	for k, v := range m {
		obj[strconv.Itoa(k)] = v
	}
	return obj
}
