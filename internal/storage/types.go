package storage

import (
	"time"
)

// Session is one continuous span of a user playing on a device. A row is
// inserted with End nil the moment the session opens so that an open
// session is always recoverable after a restart.
type Session struct {
	ID            int64      `json:"id"`
	User          string     `json:"user"`
	Game          string     `json:"game"`
	DeviceID      string     `json:"device_id"`
	Start         time.Time  `json:"start"`
	End           *time.Time `json:"end,omitempty"`
	DurationSecs  int64      `json:"duration_seconds"`
	EndedNormally bool       `json:"ended_normally"`
	Active        bool       `json:"active"`
}

// DailyStat aggregates closed-session playtime per user per day.
type DailyStat struct {
	User         string `json:"user"`
	Date         string `json:"date"` // 2006-01-02
	TotalMinutes int64  `json:"total_minutes"`
	SessionCount int64  `json:"session_count"`
}

// GameStat aggregates closed-session playtime per user per game per day.
type GameStat struct {
	User          string `json:"user"`
	Game          string `json:"game"`
	Date          string `json:"date"`
	MinutesPlayed int64  `json:"minutes_played"`
}

// GameTotal is a per-game rollup over a query window.
type GameTotal struct {
	Game    string `json:"game"`
	Minutes int64  `json:"minutes"`
	Image   string `json:"image,omitempty"`
}

// UserLimit holds a user's configured playtime caps. WeekdayMinutes maps
// time.Weekday (0=Sunday) to an override for that day; absent days fall
// back to DailyMinutes. A cap of exactly 0 means no play allowed.
type UserLimit struct {
	User           string      `json:"user"`
	DailyMinutes   int         `json:"daily_minutes"`
	WeekdayMinutes map[int]int `json:"weekday_minutes,omitempty"`
	Enabled        bool        `json:"enabled"`
}

// ShutdownEvent is an append-only audit record of an enforced standby.
type ShutdownEvent struct {
	ID        int64     `json:"id"`
	User      string    `json:"user"`
	DeviceID  string    `json:"device_id"`
	Reason    string    `json:"reason"`
	Mode      string    `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is a user-facing warning or alert.
type Notification struct {
	ID        int64     `json:"id"`
	User      string    `json:"user"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
}

// GameImage records a cached artwork file for a title.
type GameImage struct {
	Game     string    `json:"game"`
	Filename string    `json:"filename"`
	LastSeen time.Time `json:"last_seen"`
}
