package status

// Transition kinds emitted by the detector.
const (
	TransitionStart = "start"
	TransitionStop  = "stop"
)

// Transition records a single user entering or leaving active play on
// a device.
type Transition struct {
	Kind     string
	DeviceID string
	User     string
	Game     string
}

// playing reports whether a snapshot represents active play: the
// console is awake, reachable and a title is in the foreground.
func playing(s DeviceStatus) bool {
	return s.Power == PowerAwake &&
		s.Reachability == ReachOnline &&
		s.Activity == ActivityPlaying
}

// Detector derives per-user start/stop transitions by comparing
// consecutive snapshots of the same device. It keeps the previous
// snapshot internally so callers only feed it the merged result of
// each event.
type Detector struct {
	prev map[string]DeviceStatus
}

// NewDetector creates a detector with no prior state.
func NewDetector() *Detector {
	return &Detector{prev: make(map[string]DeviceStatus)}
}

func activeUsers(s DeviceStatus) map[string]string {
	users := make(map[string]string)
	if !playing(s) {
		return users
	}
	for _, u := range s.Players {
		if u != "" {
			users[u] = s.TitleName
		}
	}
	return users
}

// Observe compares the new snapshot against the previously observed
// one and returns the transitions between them. A title change while
// the same user keeps playing yields a stop for the old title followed
// by a start for the new one.
func (d *Detector) Observe(snap DeviceStatus) []Transition {
	prev, ok := d.prev[snap.DeviceID]
	if !ok {
		prev = defaultStatus(snap.DeviceID)
	}
	d.prev[snap.DeviceID] = snap

	before := activeUsers(prev)
	after := activeUsers(snap)

	var out []Transition
	for user, game := range before {
		newGame, still := after[user]
		if still && newGame == game {
			continue
		}
		out = append(out, Transition{Kind: TransitionStop, DeviceID: snap.DeviceID, User: user, Game: game})
	}
	for user, game := range after {
		oldGame, was := before[user]
		if was && oldGame == game {
			continue
		}
		out = append(out, Transition{Kind: TransitionStart, DeviceID: snap.DeviceID, User: user, Game: game})
	}
	return out
}

// Forget drops the detector's memory of a device so the next snapshot
// is treated as the first.
func (d *Detector) Forget(deviceID string) {
	delete(d.prev, deviceID)
}
