package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Sessions() SessionStore
	Stats() StatStore
	Limits() LimitStore
	Events() EventStore
	Users() UserStore
	Images() ImageStore
}

// SessionStore manages session rows. Open sessions (End nil) form the
// durable mirror of the in-memory open-session set.
type SessionStore interface {
	Insert(ctx context.Context, session *Session) (int64, error)
	Finalize(ctx context.Context, id int64, end time.Time, durationSecs int64, normal bool) error
	ListOpen(ctx context.Context) ([]Session, error)
	ListByUser(ctx context.Context, user string, since time.Time) ([]Session, error)
	DeleteByUser(ctx context.Context, user string) error
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// StatStore manages the additive daily/per-game aggregates.
type StatStore interface {
	AddDaily(ctx context.Context, user, date string, minutes, sessions int64) error
	AddGame(ctx context.Context, user, game, date string, minutes int64) error
	DailyMinutes(ctx context.Context, user, date string) (int64, error)
	MinutesSince(ctx context.Context, user, fromDate string) (int64, error)
	GameMinutes(ctx context.Context, user, game, date string) (int64, error)
	GameMinutesSince(ctx context.Context, user, game, fromDate string) (int64, error)
	TopGames(ctx context.Context, user, fromDate string, limit int) ([]GameTotal, error)
	ListGames(ctx context.Context, user string) ([]string, error)
	DailyHistory(ctx context.Context, user, fromDate string) ([]DailyStat, error)
	DeleteByUser(ctx context.Context, user string) error
	DeleteBefore(ctx context.Context, cutoffDate string) (int, error)
}

// LimitStore manages per-user limits and the access flag.
type LimitStore interface {
	Get(ctx context.Context, user string) (*UserLimit, error)
	Set(ctx context.Context, limit UserLimit) error
	GetAccess(ctx context.Context, user string) (bool, error)
	SetAccess(ctx context.Context, user string, allowed bool) error
}

// EventStore manages shutdown events and notifications.
type EventStore interface {
	AppendShutdown(ctx context.Context, event ShutdownEvent) error
	HasShutdownOn(ctx context.Context, user, date string) (bool, error)
	ListShutdowns(ctx context.Context, limit int) ([]ShutdownEvent, error)
	AddNotification(ctx context.Context, n Notification) error
	ListUnread(ctx context.Context, user string) ([]Notification, error)
	DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// UserStore persists discovered users so sensor publishing does not
// depend on live discovery after a restart.
type UserStore interface {
	Add(ctx context.Context, user string) error
	List(ctx context.Context) ([]string, error)
}

// ImageStore records cached artwork filenames per game.
type ImageStore interface {
	Get(ctx context.Context, game string) (*GameImage, error)
	Put(ctx context.Context, game, filename string) error
}
