package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmaas/playwarden/internal/storage"
)

type sessionStore struct {
	db *sql.DB
}

func (s *sessionStore) Insert(ctx context.Context, session *storage.Session) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (user, game, device_id, start_time, active, ended_normally)
		VALUES (?, ?, ?, ?, 1, 0)`,
		session.User, session.Game, session.DeviceID, session.Start.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("session row id: %w", err)
	}
	return id, nil
}

func (s *sessionStore) Finalize(ctx context.Context, id int64, end time.Time, durationSecs int64, normal bool) error {
	normalInt := 0
	if normal {
		normalInt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET end_time = ?, duration_seconds = ?, active = 0, ended_normally = ?
		WHERE id = ?`,
		end.UTC().Format(time.RFC3339), durationSecs, normalInt, id)
	if err != nil {
		return fmt.Errorf("finalize session %d: %w", id, err)
	}
	return nil
}

func (s *sessionStore) ListOpen(ctx context.Context) ([]storage.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user, game, device_id, start_time
		FROM sessions
		WHERE active = 1 OR end_time IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("query open sessions: %w", err)
	}
	defer rows.Close()

	var sessions []storage.Session
	for rows.Next() {
		var sess storage.Session
		var game, deviceID sql.NullString
		var start string
		if err := rows.Scan(&sess.ID, &sess.User, &game, &deviceID, &start); err != nil {
			return nil, fmt.Errorf("scan open session: %w", err)
		}
		sess.Game = game.String
		sess.DeviceID = deviceID.String
		sess.Active = true
		if sess.Start, err = parseTime(start); err != nil {
			return nil, fmt.Errorf("open session %d start time: %w", sess.ID, err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *sessionStore) ListByUser(ctx context.Context, user string, since time.Time) ([]storage.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user, game, device_id, start_time, end_time, duration_seconds, ended_normally, active
		FROM sessions
		WHERE user = ? AND start_time >= ?
		ORDER BY start_time DESC`,
		user, since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("query sessions for %s: %w", user, err)
	}
	defer rows.Close()

	var sessions []storage.Session
	for rows.Next() {
		var sess storage.Session
		var game, deviceID, end sql.NullString
		var start string
		var duration sql.NullInt64
		var normal, active int
		if err := rows.Scan(&sess.ID, &sess.User, &game, &deviceID, &start, &end, &duration, &normal, &active); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Game = game.String
		sess.DeviceID = deviceID.String
		sess.DurationSecs = duration.Int64
		sess.EndedNormally = normal == 1
		sess.Active = active == 1
		if sess.Start, err = parseTime(start); err != nil {
			return nil, fmt.Errorf("session %d start time: %w", sess.ID, err)
		}
		if end.Valid {
			t, err := parseTime(end.String)
			if err != nil {
				return nil, fmt.Errorf("session %d end time: %w", sess.ID, err)
			}
			sess.End = &t
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *sessionStore) DeleteByUser(ctx context.Context, user string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user = ?`, user)
	if err != nil {
		return fmt.Errorf("delete sessions for %s: %w", user, err)
	}
	return nil
}

func (s *sessionStore) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE active = 0 AND end_time IS NOT NULL AND start_time < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("delete old sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// parseTime accepts both RFC3339 (our writes) and the space-separated
// form SQLite's CURRENT_TIMESTAMP emits.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", s)
}
