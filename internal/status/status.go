// Package status normalizes raw device telemetry into canonical
// snapshots and detects activity transitions.
package status

import (
	"sync"
	"time"
)

// Power states reported by the device bridge.
const (
	PowerAwake   = "AWAKE"
	PowerStandby = "STANDBY"
	PowerUnknown = "UNKNOWN"
)

// Reachability states.
const (
	ReachOnline  = "online"
	ReachOffline = "offline"
)

// Activity states.
const (
	ActivityPlaying = "playing"
	ActivityIdle    = "idle"
	ActivityNone    = "none"
)

// RawEvent is the JSON payload published by the device bridge. Pointer
// fields distinguish "absent" from "empty": absent fields keep their
// previous snapshot value.
type RawEvent struct {
	Power        *string  `json:"power,omitempty"`
	DeviceStatus *string  `json:"device_status,omitempty"`
	Activity     *string  `json:"activity,omitempty"`
	Players      []string `json:"players,omitempty"`
	TitleID      *string  `json:"title_id,omitempty"`
	TitleName    *string  `json:"title_name,omitempty"`
	TitleImage   *string  `json:"title_image,omitempty"`
}

// DeviceStatus is the canonical last-write-wins snapshot per device.
type DeviceStatus struct {
	DeviceID     string    `json:"device_id"`
	Power        string    `json:"power"`
	Reachability string    `json:"device_status"`
	Activity     string    `json:"activity"`
	Players      []string  `json:"players"`
	TitleID      string    `json:"title_id,omitempty"`
	TitleName    string    `json:"title_name,omitempty"`
	TitleImage   string    `json:"title_image,omitempty"`
	LastUpdate   time.Time `json:"last_update"`
}

// HasPlayer reports whether user appears in the active-player list.
func (d DeviceStatus) HasPlayer(user string) bool {
	for _, p := range d.Players {
		if p == user {
			return true
		}
	}
	return false
}

// Registry holds the latest snapshot per device id.
type Registry struct {
	mu        sync.RWMutex
	snapshots map[string]DeviceStatus
	now       func() time.Time
}

// NewRegistry creates an empty snapshot registry.
func NewRegistry() *Registry {
	return &Registry{
		snapshots: make(map[string]DeviceStatus),
		now:       time.Now,
	}
}

func defaultStatus(deviceID string) DeviceStatus {
	return DeviceStatus{
		DeviceID:     deviceID,
		Power:        PowerUnknown,
		Reachability: ReachOffline,
		Activity:     ActivityNone,
	}
}

// Apply merges a raw event over the device's previous snapshot and
// returns the result. Fields absent from the event retain their prior
// values. An offline device can never be STANDBY: its power is forced
// to UNKNOWN after the merge.
func (r *Registry) Apply(deviceID string, ev RawEvent) DeviceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, ok := r.snapshots[deviceID]
	if !ok {
		snap = defaultStatus(deviceID)
	}

	if ev.Power != nil {
		snap.Power = *ev.Power
	}
	if ev.DeviceStatus != nil {
		snap.Reachability = *ev.DeviceStatus
	}
	if ev.Activity != nil {
		snap.Activity = *ev.Activity
	}
	if ev.Players != nil {
		snap.Players = ev.Players
	}
	if ev.TitleID != nil {
		snap.TitleID = *ev.TitleID
	}
	if ev.TitleName != nil {
		snap.TitleName = *ev.TitleName
	}
	if ev.TitleImage != nil {
		snap.TitleImage = *ev.TitleImage
	}

	if snap.Reachability == ReachOffline && snap.Power == PowerStandby {
		snap.Power = PowerUnknown
	}
	snap.LastUpdate = r.now()

	r.snapshots[deviceID] = snap
	return snap
}

// Get returns the current snapshot for a device, or a default
// UNKNOWN/offline snapshot if the device has never reported.
func (r *Registry) Get(deviceID string) DeviceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if snap, ok := r.snapshots[deviceID]; ok {
		return snap
	}
	return defaultStatus(deviceID)
}

// Devices returns the ids of all devices that have reported.
func (r *Registry) Devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.snapshots))
	for id := range r.snapshots {
		ids = append(ids, id)
	}
	return ids
}
