// Package policy evaluates playtime limits and decides when a console
// must be warned or forced into standby.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmaas/playwarden/internal/storage"
	"github.com/rs/zerolog"
)

// UsageSource reports how many minutes a user has played today.
type UsageSource interface {
	TodayMinutes(ctx context.Context, user string) (int, error)
}

// Config holds the engine defaults applied when a user has no stored
// limit of their own.
type Config struct {
	// DefaultDailyMinutes applies to users without a stored limit.
	// Negative means unlimited.
	DefaultDailyMinutes int
	// WarningSeconds is the grace period between the warning and the
	// forced standby.
	WarningSeconds int
	// WarnBeforeMinutes triggers a courtesy notification when this
	// much time remains.
	WarnBeforeMinutes int
}

type pendingWarning struct {
	deadline time.Time
	deviceID string
	reason   string
}

// Engine evaluates users against their limits. Warning deadlines are
// armed here and checked by a periodic scan, never by timer callbacks,
// so a missed tick only delays enforcement instead of losing it.
type Engine struct {
	limits storage.LimitStore
	events storage.EventStore
	usage  UsageSource
	clock  Clock
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	deadlines map[string]pendingWarning
	notified  map[string]string
}

// NewEngine creates a policy engine with the real clock.
func NewEngine(limits storage.LimitStore, events storage.EventStore, usage UsageSource, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		limits:    limits,
		events:    events,
		usage:     usage,
		clock:     RealClock{},
		cfg:       cfg,
		logger:    logger.With().Str("component", "policy").Logger(),
		deadlines: make(map[string]pendingWarning),
		notified:  make(map[string]string),
	}
}

// SetClock sets the clock for time-based evaluation (for testing).
func (e *Engine) SetClock(clock Clock) {
	e.clock = clock
}

// ResolveLimit returns the minute cap in effect for a user today.
// A stored weekday override wins over the stored flat cap, which wins
// over the configured default. Negative means unlimited.
func (e *Engine) ResolveLimit(ctx context.Context, user string) (int, error) {
	limit, err := e.limits.Get(ctx, user)
	if errors.Is(err, storage.ErrNotFound) {
		return e.cfg.DefaultDailyMinutes, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolving limit for %s: %w", user, err)
	}
	if !limit.Enabled {
		return -1, nil
	}
	weekday := int(e.clock.Now().Weekday())
	if v, ok := limit.WeekdayMinutes[weekday]; ok {
		return v, nil
	}
	return limit.DailyMinutes, nil
}

// Evaluate decides what happens to a user currently playing on a
// device. It never performs the standby itself: WARN arms a deadline
// and ENFORCE tells the caller to act now.
func (e *Engine) Evaluate(ctx context.Context, user, deviceID string) (Decision, error) {
	now := e.clock.Now()
	today := storage.DateKey(now)

	allowed, err := e.limits.GetAccess(ctx, user)
	if err != nil {
		return Decision{}, fmt.Errorf("checking access for %s: %w", user, err)
	}
	if !allowed {
		d := Decision{User: user, DeviceID: deviceID}
		return e.escalate(ctx, d, "access disabled", today, now)
	}

	limit, err := e.ResolveLimit(ctx, user)
	if err != nil {
		return Decision{}, err
	}
	used, err := e.usage.TodayMinutes(ctx, user)
	if err != nil {
		return Decision{}, fmt.Errorf("reading usage for %s: %w", user, err)
	}

	d := Decision{User: user, DeviceID: deviceID, LimitMin: limit, UsedMin: used}
	if limit < 0 {
		d.Action = ActionAllow
		d.Remaining = -1
		return d, nil
	}
	d.Remaining = limit - used
	if d.Remaining < 0 {
		d.Remaining = 0
	}

	// A zero limit means play is never allowed: standby immediately,
	// no grace period.
	if limit == 0 {
		d.Action = ActionEnforce
		d.Reason = "daily limit is zero"
		return d, nil
	}

	if used >= limit {
		return e.escalate(ctx, d, fmt.Sprintf("daily limit of %d minutes reached", limit), today, now)
	}

	e.CancelWarning(user)
	if e.cfg.WarnBeforeMinutes > 0 && d.Remaining <= e.cfg.WarnBeforeMinutes {
		e.courtesyNotify(ctx, user, d.Remaining, today)
	}
	d.Action = ActionAllow
	return d, nil
}

// escalate applies the warn-then-enforce ladder shared by limit
// breaches and disabled access. The first breach of a day gets the
// warning grace; once a shutdown already ran today, turning the
// console back on does not buy another one.
func (e *Engine) escalate(ctx context.Context, d Decision, reason, today string, now time.Time) (Decision, error) {
	already, err := e.events.HasShutdownOn(ctx, d.User, today)
	if err != nil {
		return Decision{}, fmt.Errorf("checking shutdown history for %s: %w", d.User, err)
	}
	d.Reason = reason
	if already {
		d.Action = ActionEnforce
		return d, nil
	}
	d.Action = ActionWarn
	d.Deadline = e.armWarning(d.User, d.DeviceID, reason, now)
	return d, nil
}

// armWarning schedules the standby deadline for a user. An already
// armed deadline is kept: re-evaluating while a warning is pending
// must not push the shutdown further out.
func (e *Engine) armWarning(user, deviceID, reason string, now time.Time) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.deadlines[user]; ok {
		return p.deadline
	}
	deadline := now.Add(time.Duration(e.cfg.WarningSeconds) * time.Second)
	e.deadlines[user] = pendingWarning{deadline: deadline, deviceID: deviceID, reason: reason}
	e.logger.Info().
		Str("user", user).
		Str("device", deviceID).
		Time("deadline", deadline).
		Msg("Shutdown warning armed")
	return deadline
}

// CancelWarning disarms a pending warning, e.g. when the user stops
// playing or their limit is raised before the deadline.
func (e *Engine) CancelWarning(user string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.deadlines[user]; ok {
		delete(e.deadlines, user)
		e.logger.Info().Str("user", user).Msg("Shutdown warning cancelled")
	}
}

// WarningActive reports whether a warning is pending for a user.
func (e *Engine) WarningActive(user string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.deadlines[user]
	return ok
}

// DueEnforcements returns and disarms every warning whose deadline has
// passed. The caller performs the actual standby.
func (e *Engine) DueEnforcements() []Enforcement {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	var due []Enforcement
	for user, p := range e.deadlines {
		if now.Before(p.deadline) {
			continue
		}
		due = append(due, Enforcement{User: user, DeviceID: p.deviceID, Reason: p.reason})
		delete(e.deadlines, user)
	}
	return due
}

// RecordShutdown persists a shutdown event so that repeat limit hits
// on the same day skip the grace period.
func (e *Engine) RecordShutdown(ctx context.Context, user, deviceID, reason string) error {
	ev := storage.ShutdownEvent{
		User:      user,
		DeviceID:  deviceID,
		Reason:    reason,
		Mode:      "standby",
		CreatedAt: e.clock.Now(),
	}
	if err := e.events.AppendShutdown(ctx, ev); err != nil {
		return fmt.Errorf("recording shutdown for %s: %w", user, err)
	}
	e.logger.Warn().
		Str("user", user).
		Str("device", deviceID).
		Str("reason", reason).
		Msg("Shutdown enforced")
	return nil
}

// courtesyNotify stores a single heads-up notification per user per
// day when the remaining time drops under the configured threshold.
func (e *Engine) courtesyNotify(ctx context.Context, user string, remaining int, today string) {
	e.mu.Lock()
	if e.notified[user] == today {
		e.mu.Unlock()
		return
	}
	e.notified[user] = today
	e.mu.Unlock()

	n := storage.Notification{
		User:      user,
		Type:      "time_warning",
		Message:   fmt.Sprintf("%d minutes of playtime remaining today", remaining),
		Timestamp: e.clock.Now(),
	}
	if err := e.events.AddNotification(ctx, n); err != nil {
		e.logger.Error().Err(err).Str("user", user).Msg("Failed to store courtesy notification")
	}
}
