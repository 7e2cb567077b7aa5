// Package session turns play transitions into durable sessions and
// keeps the additive daily aggregates current.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmaas/playwarden/internal/metrics"
	"github.com/jmaas/playwarden/internal/policy"
	"github.com/jmaas/playwarden/internal/storage"
	"github.com/rs/zerolog"
)

// Active describes one open session.
type Active struct {
	ID       int64     `json:"id"`
	User     string    `json:"user"`
	Game     string    `json:"game"`
	DeviceID string    `json:"device_id"`
	Start    time.Time `json:"start"`
	LastSeen time.Time `json:"last_seen"`
}

type key struct {
	deviceID string
	user     string
}

// Tracker owns the set of open sessions. Every open session has a
// database row from the moment it opens, so a crash can never lose
// more than the time since the last telemetry event.
type Tracker struct {
	sessions storage.SessionStore
	stats    storage.StatStore
	clock    policy.Clock
	logger   zerolog.Logger

	mu          sync.Mutex
	open        map[key]*Active
	pending     map[string][]*Active
	unconfirmed map[key]bool
	recoveredAt time.Time
}

// NewTracker creates a tracker with the real clock.
func NewTracker(sessions storage.SessionStore, stats storage.StatStore, logger zerolog.Logger) *Tracker {
	return &Tracker{
		sessions:    sessions,
		stats:       stats,
		clock:       policy.RealClock{},
		logger:      logger.With().Str("component", "session").Logger(),
		open:        make(map[key]*Active),
		pending:     make(map[string][]*Active),
		unconfirmed: make(map[key]bool),
	}
}

// SetClock sets the clock (for testing).
func (t *Tracker) SetClock(clock policy.Clock) {
	t.clock = clock
}

// Open starts a session for a user on a device. If a session is
// already open for that pair the existing one is returned and opened
// is false, so duplicate start events are harmless.
func (t *Tracker) Open(ctx context.Context, deviceID, user, game string) (id int64, opened bool, err error) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{deviceID: deviceID, user: user}
	if existing, ok := t.open[k]; ok {
		existing.LastSeen = now
		return existing.ID, false, nil
	}

	row := &storage.Session{
		User:     user,
		Game:     game,
		DeviceID: deviceID,
		Start:    now,
		Active:   true,
	}
	id, err = t.sessions.Insert(ctx, row)
	if err != nil {
		return 0, false, fmt.Errorf("opening session for %s on %s: %w", user, deviceID, err)
	}
	t.open[k] = &Active{
		ID:       id,
		User:     user,
		Game:     game,
		DeviceID: deviceID,
		Start:    now,
		LastSeen: now,
	}
	t.logger.Info().
		Str("user", user).
		Str("device", deviceID).
		Str("game", game).
		Int64("session_id", id).
		Msg("Session opened")
	return id, true, nil
}

// Close ends the session for a user on a device at the given instant
// and folds the duration into the daily aggregates. Closing a pair
// with no open session is a no-op.
func (t *Tracker) Close(ctx context.Context, deviceID, user string, end time.Time, normal bool) error {
	t.mu.Lock()
	k := key{deviceID: deviceID, user: user}
	s, ok := t.open[k]
	if ok {
		delete(t.open, k)
		delete(t.unconfirmed, k)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return t.finalize(ctx, s, end, normal)
}

// CloseDevice ends every open session on a device, e.g. when the
// console goes into standby without a clean player-left event.
func (t *Tracker) CloseDevice(ctx context.Context, deviceID string, end time.Time) error {
	t.mu.Lock()
	var closing []*Active
	for k, s := range t.open {
		if k.deviceID == deviceID {
			closing = append(closing, s)
			delete(t.open, k)
			delete(t.unconfirmed, k)
		}
	}
	t.mu.Unlock()

	for _, s := range closing {
		if err := t.finalize(ctx, s, end, true); err != nil {
			return err
		}
	}
	return nil
}

// Heartbeat refreshes the last-seen timestamp of every open session on
// a device. Any telemetry event counts, not just play transitions.
func (t *Tracker) Heartbeat(deviceID string) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, s := range t.open {
		if k.deviceID == deviceID {
			s.LastSeen = now
		}
	}
}

// CloseStale ends sessions whose device has been silent longer than
// timeout. They are credited up to the last event that mentioned them
// and marked as not ended normally.
func (t *Tracker) CloseStale(ctx context.Context, timeout time.Duration) (int, error) {
	now := t.clock.Now()
	t.mu.Lock()
	var stale []*Active
	for k, s := range t.open {
		if now.Sub(s.LastSeen) > timeout {
			stale = append(stale, s)
			delete(t.open, k)
			delete(t.unconfirmed, k)
		}
	}
	t.mu.Unlock()

	for _, s := range stale {
		t.logger.Warn().
			Str("user", s.User).
			Str("device", s.DeviceID).
			Time("last_seen", s.LastSeen).
			Msg("Closing stale session")
		if err := t.finalize(ctx, s, s.LastSeen, false); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// ActiveSessions returns a snapshot of all open sessions.
func (t *Tracker) ActiveSessions() []Active {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Active, 0, len(t.open))
	for _, s := range t.open {
		out = append(out, *s)
	}
	return out
}

// ActiveSession returns the open session for a user, if any.
func (t *Tracker) ActiveSession(user string) (Active, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.open {
		if s.User == user {
			return *s, true
		}
	}
	return Active{}, false
}

// OpenMinutes returns the minutes the user's current session has run,
// counting only time at or after windowStart so a session that crosses
// midnight is not double counted against the new day.
func (t *Tracker) OpenMinutes(user string, windowStart time.Time) int64 {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for _, s := range t.open {
		if s.User != user {
			continue
		}
		start := s.Start
		if start.Before(windowStart) {
			start = windowStart
		}
		if d := now.Sub(start); d > 0 {
			total += d.Minutes()
		}
	}
	return int64(total + 0.5)
}

// OpenGameMinutes is OpenMinutes restricted to sessions running the
// given title.
func (t *Tracker) OpenGameMinutes(user, game string, windowStart time.Time) int64 {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for _, s := range t.open {
		if s.User != user || s.Game != game {
			continue
		}
		start := s.Start
		if start.Before(windowStart) {
			start = windowStart
		}
		if d := now.Sub(start); d > 0 {
			total += d.Minutes()
		}
	}
	return int64(total + 0.5)
}

// finalize writes the end of a session and updates the aggregates. The
// duration is clamped at zero so clock skew between events can never
// produce negative playtime, and the aggregates are keyed by the
// session's start date.
func (t *Tracker) finalize(ctx context.Context, s *Active, end time.Time, normal bool) error {
	if end.Before(s.Start) {
		end = s.Start
	}
	secs := int64(end.Sub(s.Start).Seconds())
	if err := t.sessions.Finalize(ctx, s.ID, end, secs, normal); err != nil {
		return fmt.Errorf("closing session %d: %w", s.ID, err)
	}

	minutes := (secs + 30) / 60
	metrics.PlaytimeMinutes.WithLabelValues(s.User).Add(float64(minutes))
	date := storage.DateKey(s.Start)
	if err := t.stats.AddDaily(ctx, s.User, date, minutes, 1); err != nil {
		return fmt.Errorf("updating daily stats for %s: %w", s.User, err)
	}
	if s.Game != "" {
		if err := t.stats.AddGame(ctx, s.User, s.Game, date, minutes); err != nil {
			return fmt.Errorf("updating game stats for %s: %w", s.User, err)
		}
	}
	t.logger.Info().
		Str("user", s.User).
		Str("device", s.DeviceID).
		Str("game", s.Game).
		Int64("minutes", minutes).
		Bool("normal", normal).
		Msg("Session closed")
	return nil
}
