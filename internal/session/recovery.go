package session

import (
	"context"
	"time"

	"github.com/jmaas/playwarden/internal/status"
)

// Recover loads sessions left open by a previous run into a pending
// set. They stay pending until telemetry from their device shows it
// awake and reachable, which restores them, or shows it in standby or
// offline, which disproves them. Downtime is never credited: a
// disproved session ends at the moment recovery started, not at the
// disproving event.
func (t *Tracker) Recover(ctx context.Context) (int, error) {
	rows, err := t.sessions.ListOpen(ctx)
	if err != nil {
		return 0, err
	}
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = make(map[string][]*Active)
	t.recoveredAt = now
	for _, row := range rows {
		t.pending[row.DeviceID] = append(t.pending[row.DeviceID], &Active{
			ID:       row.ID,
			User:     row.User,
			Game:     row.Game,
			DeviceID: row.DeviceID,
			Start:    row.Start,
			LastSeen: now,
		})
		t.logger.Info().
			Str("user", row.User).
			Str("device", row.DeviceID).
			Time("start", row.Start).
			Msg("Session pending recovery")
	}
	return len(rows), nil
}

// PendingRecovery reports how many recovered sessions still await
// their first telemetry event.
func (t *Tracker) PendingRecovery() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, list := range t.pending {
		n += len(list)
	}
	return n
}

// Reconcile resolves recovery state for one device from a telemetry
// snapshot. Pending sessions are restored as soon as the console shows
// AWAKE and reachable; a populated player list naming the user settles
// the restore for good. A list without the user, or the console in
// standby or offline, disproves a session, which then closes at the
// recovery instant, marked as not ended normally. Restored sessions
// keep their original start and database row, so a surviving session
// never produces a duplicate closed row. A snapshot that settles
// neither way leaves the session waiting for the next one.
func (t *Tracker) Reconcile(ctx context.Context, snap status.DeviceStatus) error {
	t.mu.Lock()
	awake := snap.Power == status.PowerAwake && snap.Reachability == status.ReachOnline
	down := snap.Power == status.PowerStandby || snap.Reachability == status.ReachOffline

	var closing []*Active

	// Restores from earlier snapshots still waiting on a player list.
	for k, s := range t.open {
		if k.deviceID != snap.DeviceID || !t.unconfirmed[k] {
			continue
		}
		switch {
		case snap.HasPlayer(s.User):
			delete(t.unconfirmed, k)
			t.logger.Info().
				Str("user", s.User).
				Str("device", s.DeviceID).
				Msg("Recovered session confirmed")
		case down || len(snap.Players) > 0:
			delete(t.open, k)
			delete(t.unconfirmed, k)
			closing = append(closing, s)
		}
	}

	if list := t.pending[snap.DeviceID]; len(list) > 0 {
		switch {
		case awake:
			delete(t.pending, snap.DeviceID)
			for _, s := range list {
				k := key{deviceID: s.DeviceID, user: s.User}
				if _, taken := t.open[k]; taken {
					closing = append(closing, s)
					continue
				}
				if len(snap.Players) > 0 && !snap.HasPlayer(s.User) {
					closing = append(closing, s)
					continue
				}
				s.LastSeen = t.clock.Now()
				t.open[k] = s
				if !snap.HasPlayer(s.User) {
					t.unconfirmed[k] = true
				}
				t.logger.Info().
					Str("user", s.User).
					Str("device", s.DeviceID).
					Bool("confirmed", !t.unconfirmed[k]).
					Msg("Session recovered")
			}
		case down:
			delete(t.pending, snap.DeviceID)
			closing = append(closing, list...)
		}
		// Power still unknown: keep waiting for a clearer snapshot or
		// the startup grace.
	}

	end := t.recoveredAt
	t.mu.Unlock()

	for _, s := range closing {
		if err := t.finalize(ctx, s, end, false); err != nil {
			return err
		}
	}
	return nil
}

// CloseUnconfirmed closes every pending session whose device has not
// reported within the grace period after startup.
func (t *Tracker) CloseUnconfirmed(ctx context.Context, grace time.Duration) error {
	t.mu.Lock()
	if t.clock.Now().Sub(t.recoveredAt) < grace {
		t.mu.Unlock()
		return nil
	}
	var closing []*Active
	for device, list := range t.pending {
		closing = append(closing, list...)
		delete(t.pending, device)
	}
	end := t.recoveredAt
	t.mu.Unlock()

	for _, s := range closing {
		t.logger.Warn().
			Str("user", s.User).
			Str("device", s.DeviceID).
			Msg("Closing unconfirmed session, device never reported")
		if err := t.finalize(ctx, s, end, false); err != nil {
			return err
		}
	}
	return nil
}
