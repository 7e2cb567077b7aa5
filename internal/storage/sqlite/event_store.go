package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmaas/playwarden/internal/storage"
)

type eventStore struct {
	db *sql.DB
}

func (s *eventStore) AppendShutdown(ctx context.Context, event storage.ShutdownEvent) error {
	created := event.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	// The day key is taken before converting to UTC so it reflects the
	// calendar date the shutdown happened on.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shutdown_events (user, device_id, reason, mode, created_at, day)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.User, event.DeviceID, event.Reason, event.Mode,
		created.UTC().Format(time.RFC3339), storage.DateKey(created))
	if err != nil {
		return fmt.Errorf("append shutdown event: %w", err)
	}
	return nil
}

func (s *eventStore) HasShutdownOn(ctx context.Context, user, date string) (bool, error) {
	// Rows written before the day column existed fall back to the UTC
	// prefix of created_at.
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM shutdown_events
		WHERE user = ? AND COALESCE(day, substr(created_at, 1, 10)) = ?
		LIMIT 1`,
		user, date).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check shutdown on %s for %s: %w", date, user, err)
	}
	return true, nil
}

func (s *eventStore) ListShutdowns(ctx context.Context, limit int) ([]storage.ShutdownEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user, device_id, reason, mode, created_at
		FROM shutdown_events
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list shutdown events: %w", err)
	}
	defer rows.Close()

	var events []storage.ShutdownEvent
	for rows.Next() {
		var ev storage.ShutdownEvent
		var user, deviceID, reason, mode sql.NullString
		var created string
		if err := rows.Scan(&ev.ID, &user, &deviceID, &reason, &mode, &created); err != nil {
			return nil, fmt.Errorf("scan shutdown event: %w", err)
		}
		ev.User = user.String
		ev.DeviceID = deviceID.String
		ev.Reason = reason.String
		ev.Mode = mode.String
		if ev.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("shutdown event %d timestamp: %w", ev.ID, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *eventStore) AddNotification(ctx context.Context, n storage.Notification) error {
	ts := n.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (user, type, message, timestamp)
		VALUES (?, ?, ?, ?)`,
		n.User, n.Type, n.Message, ts.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("add notification: %w", err)
	}
	return nil
}

func (s *eventStore) ListUnread(ctx context.Context, user string) ([]storage.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, message, timestamp
		FROM notifications
		WHERE user = ? AND read = 0
		ORDER BY timestamp DESC`,
		user)
	if err != nil {
		return nil, fmt.Errorf("list notifications for %s: %w", user, err)
	}
	defer rows.Close()

	var notes []storage.Notification
	for rows.Next() {
		n := storage.Notification{User: user}
		var ts string
		if err := rows.Scan(&n.ID, &n.Type, &n.Message, &ts); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if n.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("notification %d timestamp: %w", n.ID, err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (s *eventStore) DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE timestamp < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("delete old notifications: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type userStore struct {
	db *sql.DB
}

func (s *userStore) Add(ctx context.Context, user string) error {
	if user == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO users (user) VALUES (?)`, user)
	if err != nil {
		return fmt.Errorf("persist user %s: %w", user, err)
	}
	return nil
}

func (s *userStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user FROM users`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

type imageStore struct {
	db *sql.DB
}

func (s *imageStore) Get(ctx context.Context, game string) (*storage.GameImage, error) {
	var img storage.GameImage
	var lastSeen string
	err := s.db.QueryRowContext(ctx, `
		SELECT game, filename, last_seen FROM game_images WHERE game = ?`,
		game).Scan(&img.Game, &img.Filename, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get image for %s: %w", game, err)
	}
	if img.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, fmt.Errorf("image last_seen for %s: %w", game, err)
	}
	return &img, nil
}

func (s *imageStore) Put(ctx context.Context, game, filename string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO game_images (game, filename, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(game) DO UPDATE SET
			filename = excluded.filename,
			last_seen = excluded.last_seen`,
		game, filename, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("record image for %s: %w", game, err)
	}
	return nil
}
