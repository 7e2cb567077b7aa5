// Package engine wires telemetry, sessions, policy and the bus into
// the running service. Every device event flows through a single entry
// point and a periodic scan handles everything time-driven: stale
// sessions, warning deadlines, sensor refresh and retention.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jmaas/playwarden/internal/artwork"
	"github.com/jmaas/playwarden/internal/bus"
	"github.com/jmaas/playwarden/internal/metrics"
	"github.com/jmaas/playwarden/internal/policy"
	"github.com/jmaas/playwarden/internal/session"
	"github.com/jmaas/playwarden/internal/stats"
	"github.com/jmaas/playwarden/internal/status"
	"github.com/jmaas/playwarden/internal/storage"
)

// Publisher is the outbound side of the bus as the engine needs it.
type Publisher interface {
	PublishUser(user string, s bus.UserSensors) error
	PublishWarning(user string, on bool) error
	PublishStandby(deviceID string) error
	PublishDiscovery(user string) error
}

// Config holds the engine's timing knobs.
type Config struct {
	StaleTimeout  time.Duration
	RecoveryGrace time.Duration
	CheckInterval time.Duration
	RetentionDays int
}

// Engine owns all mutable service state.
type Engine struct {
	cfg      Config
	store    storage.Store
	registry *status.Registry
	detector *status.Detector
	tracker  *session.Tracker
	policy   *policy.Engine
	agg      *stats.Aggregator
	pub      Publisher
	artwork  *artwork.Cache
	clock    policy.Clock
	logger   zerolog.Logger

	// mu serializes event handling so transition detection sees
	// snapshots in arrival order.
	mu        sync.Mutex
	sweptDate string
}

// New assembles an engine. artworkCache may be nil.
func New(cfg Config, store storage.Store, tracker *session.Tracker, pol *policy.Engine, agg *stats.Aggregator, pub Publisher, artworkCache *artwork.Cache, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    store,
		registry: status.NewRegistry(),
		detector: status.NewDetector(),
		tracker:  tracker,
		policy:   pol,
		agg:      agg,
		pub:      pub,
		artwork:  artworkCache,
		clock:    policy.RealClock{},
		logger:   logger.With().Str("component", "engine").Logger(),
	}
}

// SetClock sets the clock (for testing).
func (e *Engine) SetClock(clock policy.Clock) {
	e.clock = clock
}

// Start restores open sessions from storage. Telemetry handling and
// the periodic scan may begin once it returns.
func (e *Engine) Start(ctx context.Context) error {
	n, err := e.tracker.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		metrics.SessionsRecovered.Add(float64(n))
		e.logger.Info().Int("sessions", n).Msg("Sessions pending recovery")
	}
	return nil
}

// OnDeviceUpdate is the single entry point for telemetry. It merges
// the event, resolves pending recovery for the device, applies the
// resulting transitions and re-evaluates limits for users who started
// playing.
func (e *Engine) OnDeviceUpdate(deviceID string, ev status.RawEvent) {
	ctx := context.Background()
	e.mu.Lock()
	defer e.mu.Unlock()

	metrics.EventsTotal.WithLabelValues(deviceID).Inc()
	snap := e.registry.Apply(deviceID, ev)
	e.tracker.Heartbeat(deviceID)

	if err := e.tracker.Reconcile(ctx, snap); err != nil {
		e.logger.Error().Err(err).Str("device", deviceID).Msg("Session recovery failed")
	}

	touched := make(map[string]bool)
	for _, tr := range e.detector.Observe(snap) {
		touched[tr.User] = true
		switch tr.Kind {
		case status.TransitionStop:
			if err := e.tracker.Close(ctx, tr.DeviceID, tr.User, e.clock.Now(), true); err != nil {
				e.logger.Error().Err(err).Str("user", tr.User).Msg("Closing session failed")
				continue
			}
			metrics.SessionsClosed.WithLabelValues(tr.User, "normal").Inc()
			if _, active := e.tracker.ActiveSession(tr.User); !active {
				e.policy.CancelWarning(tr.User)
				if err := e.pub.PublishWarning(tr.User, false); err != nil {
					e.logger.Error().Err(err).Str("user", tr.User).Msg("Clearing warning failed")
				}
			}
		case status.TransitionStart:
			e.onSessionStart(ctx, tr, snap)
		}
	}

	metrics.SessionsActive.Set(float64(len(e.tracker.ActiveSessions())))
	for user := range touched {
		e.publishUser(ctx, user)
	}
}

func (e *Engine) onSessionStart(ctx context.Context, tr status.Transition, snap status.DeviceStatus) {
	if err := e.store.Users().Add(ctx, tr.User); err != nil {
		e.logger.Error().Err(err).Str("user", tr.User).Msg("Recording user failed")
	}
	if err := e.pub.PublishDiscovery(tr.User); err != nil {
		e.logger.Error().Err(err).Str("user", tr.User).Msg("Publishing discovery failed")
	}

	_, opened, err := e.tracker.Open(ctx, tr.DeviceID, tr.User, tr.Game)
	if err != nil {
		e.logger.Error().Err(err).Str("user", tr.User).Msg("Opening session failed")
		return
	}
	if opened {
		metrics.SessionsOpened.WithLabelValues(tr.User, tr.DeviceID).Inc()
	}

	if e.artwork != nil && tr.Game != "" && snap.TitleImage != "" {
		go func(game, url string) {
			if _, err := e.artwork.Ensure(context.Background(), game, url); err != nil {
				e.logger.Debug().Err(err).Str("game", game).Msg("Artwork fetch failed")
			}
		}(tr.Game, snap.TitleImage)
	}

	e.evaluateUser(ctx, tr.User, tr.DeviceID)
}

// evaluateUser applies the current policy decision for a playing user.
func (e *Engine) evaluateUser(ctx context.Context, user, deviceID string) {
	d, err := e.policy.Evaluate(ctx, user, deviceID)
	if err != nil {
		e.logger.Error().Err(err).Str("user", user).Msg("Policy evaluation failed")
		return
	}
	switch d.Action {
	case policy.ActionWarn:
		metrics.WarningsIssued.WithLabelValues(user).Inc()
		if err := e.pub.PublishWarning(user, true); err != nil {
			e.logger.Error().Err(err).Str("user", user).Msg("Publishing warning failed")
		}
	case policy.ActionEnforce:
		e.enforce(ctx, policy.Enforcement{User: user, DeviceID: deviceID, Reason: d.Reason})
	}
}

// enforce sends the standby command, records the shutdown and closes
// the device's sessions up to now.
func (e *Engine) enforce(ctx context.Context, enf policy.Enforcement) {
	if err := e.pub.PublishStandby(enf.DeviceID); err != nil {
		e.logger.Error().Err(err).Str("device", enf.DeviceID).Msg("Standby command failed")
		return
	}
	metrics.ShutdownsEnforced.WithLabelValues(enf.User, enf.Reason).Inc()
	if err := e.policy.RecordShutdown(ctx, enf.User, enf.DeviceID, enf.Reason); err != nil {
		e.logger.Error().Err(err).Str("user", enf.User).Msg("Recording shutdown failed")
	}
	if err := e.tracker.CloseDevice(ctx, enf.DeviceID, e.clock.Now()); err != nil {
		e.logger.Error().Err(err).Str("device", enf.DeviceID).Msg("Closing device sessions failed")
	}
	if err := e.pub.PublishWarning(enf.User, false); err != nil {
		e.logger.Error().Err(err).Str("user", enf.User).Msg("Clearing warning failed")
	}
	e.publishUser(ctx, enf.User)
}

// Run drives everything time-based until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.CheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick is one pass of the periodic scan.
func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if n, err := e.tracker.CloseStale(ctx, e.cfg.StaleTimeout); err != nil {
		e.logger.Error().Err(err).Msg("Stale session scan failed")
	} else if n > 0 {
		metrics.SessionsClosed.WithLabelValues("", "stale").Add(float64(n))
	}
	if err := e.tracker.CloseUnconfirmed(ctx, e.cfg.RecoveryGrace); err != nil {
		e.logger.Error().Err(err).Msg("Recovery grace scan failed")
	}

	for _, s := range e.tracker.ActiveSessions() {
		e.evaluateUser(ctx, s.User, s.DeviceID)
	}
	for _, enf := range e.policy.DueEnforcements() {
		e.enforce(ctx, enf)
	}

	metrics.SessionsActive.Set(float64(len(e.tracker.ActiveSessions())))
	e.refreshSensors(ctx)
	e.sweep(ctx)
}

// refreshSensors republishes every known user so counters roll over at
// period boundaries even while nobody is playing.
func (e *Engine) refreshSensors(ctx context.Context) {
	users, err := e.store.Users().List(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("Listing users failed")
		return
	}
	for _, user := range users {
		e.publishUser(ctx, user)
	}
}

func (e *Engine) publishUser(ctx context.Context, user string) {
	daily, err := e.agg.UserMinutes(ctx, user, stats.WindowToday)
	if err != nil {
		e.logger.Error().Err(err).Str("user", user).Msg("Reading daily minutes failed")
		return
	}
	weekly, err := e.agg.UserMinutes(ctx, user, stats.WindowWeek)
	if err != nil {
		e.logger.Error().Err(err).Str("user", user).Msg("Reading weekly minutes failed")
		return
	}
	monthly, err := e.agg.UserMinutes(ctx, user, stats.WindowMonth)
	if err != nil {
		e.logger.Error().Err(err).Str("user", user).Msg("Reading monthly minutes failed")
		return
	}

	limit, err := e.policy.ResolveLimit(ctx, user)
	if err != nil {
		e.logger.Error().Err(err).Str("user", user).Msg("Resolving limit failed")
		return
	}
	remaining := int64(-1)
	if limit >= 0 {
		remaining = int64(limit) - daily
		if remaining < 0 {
			remaining = 0
		}
	}

	sensors := bus.UserSensors{
		DailyMinutes:     daily,
		WeeklyMinutes:    weekly,
		MonthlyMinutes:   monthly,
		RemainingMinutes: remaining,
		Warning:          e.policy.WarningActive(user),
	}
	if s, ok := e.tracker.ActiveSession(user); ok {
		sensors.Active = true
		sensors.Game = s.Game
	}
	if err := e.pub.PublishUser(user, sensors); err != nil {
		e.logger.Error().Err(err).Str("user", user).Msg("Publishing sensors failed")
		return
	}
	metrics.SensorPublishes.WithLabelValues(user).Inc()
}

// sweep deletes expired rows once per day.
func (e *Engine) sweep(ctx context.Context) {
	if e.cfg.RetentionDays <= 0 {
		return
	}
	today := storage.DateKey(e.clock.Now())
	if e.sweptDate == today {
		return
	}
	e.sweptDate = today

	cutoff := e.clock.Now().AddDate(0, 0, -e.cfg.RetentionDays)
	sessions, err := e.store.Sessions().DeleteClosedBefore(ctx, cutoff)
	if err != nil {
		e.logger.Error().Err(err).Msg("Session retention sweep failed")
	}
	statRows, err := e.store.Stats().DeleteBefore(ctx, storage.DateKey(cutoff))
	if err != nil {
		e.logger.Error().Err(err).Msg("Stat retention sweep failed")
	}
	notes, err := e.store.Events().DeleteNotificationsBefore(ctx, cutoff)
	if err != nil {
		e.logger.Error().Err(err).Msg("Notification retention sweep failed")
	}
	if sessions+statRows+notes > 0 {
		e.logger.Info().
			Int("sessions", sessions).
			Int("stats", statRows).
			Int("notifications", notes).
			Msg("Retention sweep complete")
	}
}

// DeviceStatus returns the latest snapshot of a device.
func (e *Engine) DeviceStatus(deviceID string) status.DeviceStatus {
	return e.registry.Get(deviceID)
}

// Devices returns every device that has reported telemetry.
func (e *Engine) Devices() []string {
	return e.registry.Devices()
}

// ActiveSessions returns the open sessions.
func (e *Engine) ActiveSessions() []session.Active {
	return e.tracker.ActiveSessions()
}

// RequestStandby performs a manual shutdown of a device, attributed to
// the given user.
func (e *Engine) RequestStandby(ctx context.Context, user, deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enforce(ctx, policy.Enforcement{User: user, DeviceID: deviceID, Reason: "manual standby request"})
}
