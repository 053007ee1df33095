// Package presence maintains the live device roster for a control
// channel and triggers the controller-side context rebroadcast when a
// capture device joins.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tiger/scribe-sync/api/envelope"
	"github.com/tiger/scribe-sync/api/transport"
)

// DefaultRebroadcastDelay spaces the session-context resend out from
// the enter event so a capture device finishes attaching first.
const DefaultRebroadcastDelay = 200 * time.Millisecond

// StopFunc cancels a scheduled rebroadcast.
type StopFunc func()

// ScheduleFunc arms a delayed call; tests inject a manual one.
type ScheduleFunc func(d time.Duration, fn func()) StopFunc

// Config wires the tracker's seams.
type Config struct {
	// LocalDeviceID is excluded from the roster.
	LocalDeviceID string
	// LocalRole decides whether rebroadcasts are scheduled; only the
	// controller owns session context.
	LocalRole envelope.Role
	// Rebroadcast resends the current session context to the channel.
	// Optional; capture devices leave it nil.
	Rebroadcast func()
	// OnRosterChange observes every roster mutation. Optional.
	OnRosterChange func(devices []envelope.PresenceData)
	// RebroadcastDelay defaults to DefaultRebroadcastDelay.
	RebroadcastDelay time.Duration
	// Schedule defaults to time.AfterFunc.
	Schedule ScheduleFunc
	Logger   *slog.Logger
}

// Tracker folds presence events into a device roster keyed by device
// id, so a re-enter after a connection blip replaces the stale member
// instead of duplicating it.
type Tracker struct {
	cfg Config

	mu      sync.Mutex
	members map[string]envelope.PresenceData
	stop    StopFunc
}

// New constructs a tracker.
func New(cfg Config) *Tracker {
	if cfg.RebroadcastDelay <= 0 {
		cfg.RebroadcastDelay = DefaultRebroadcastDelay
	}
	if cfg.Schedule == nil {
		cfg.Schedule = func(d time.Duration, fn func()) StopFunc {
			timer := time.AfterFunc(d, fn)
			return func() { timer.Stop() }
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{cfg: cfg, members: make(map[string]envelope.PresenceData)}
}

// HandleEvent folds one presence mutation into the roster. Events with
// no device id, or referring to the local device, are ignored.
func (t *Tracker) HandleEvent(ev transport.PresenceEvent) {
	id := ev.Member.Device.DeviceID
	if id == "" || id == t.cfg.LocalDeviceID {
		return
	}

	t.mu.Lock()
	switch ev.Action {
	case transport.PresenceEnter, transport.PresenceUpdate:
		_, known := t.members[id]
		t.members[id] = ev.Member
		if ev.Action == transport.PresenceEnter && !known &&
			ev.Member.Role == envelope.RoleCapture && t.shouldRebroadcastLocked() {
			t.scheduleRebroadcastLocked(id)
		}
	case transport.PresenceLeave:
		delete(t.members, id)
	default:
		t.mu.Unlock()
		t.cfg.Logger.Debug("ignoring presence event", "action", string(ev.Action), "device_id", id)
		return
	}
	roster := t.devicesLocked()
	t.mu.Unlock()

	if t.cfg.OnRosterChange != nil {
		t.cfg.OnRosterChange(roster)
	}
}

// Seed replaces the roster from a full presence member read, as done
// right after attach. No rebroadcasts are scheduled for seeded members.
func (t *Tracker) Seed(members []envelope.PresenceData) {
	t.mu.Lock()
	t.members = make(map[string]envelope.PresenceData, len(members))
	for _, m := range members {
		id := m.Device.DeviceID
		if id == "" || id == t.cfg.LocalDeviceID {
			continue
		}
		t.members[id] = m
	}
	roster := t.devicesLocked()
	t.mu.Unlock()

	if t.cfg.OnRosterChange != nil {
		t.cfg.OnRosterChange(roster)
	}
}

// Devices returns the roster sorted by device id.
func (t *Tracker) Devices() []envelope.PresenceData {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.devicesLocked()
}

// Controller reports whether any controller device is present.
func (t *Tracker) Controller() (envelope.PresenceData, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.members {
		if m.Role == envelope.RoleController {
			return m, true
		}
	}
	return envelope.PresenceData{}, false
}

// Reset clears the roster and any scheduled rebroadcast.
func (t *Tracker) Reset() {
	t.mu.Lock()
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
	t.members = make(map[string]envelope.PresenceData)
	t.mu.Unlock()
}

func (t *Tracker) shouldRebroadcastLocked() bool {
	return t.cfg.LocalRole == envelope.RoleController && t.cfg.Rebroadcast != nil
}

func (t *Tracker) scheduleRebroadcastLocked(deviceID string) {
	if t.stop != nil {
		// A rebroadcast is already queued; it covers the new arrival.
		return
	}
	t.cfg.Logger.Debug("scheduling session context rebroadcast", "device_id", deviceID)
	t.stop = t.cfg.Schedule(t.cfg.RebroadcastDelay, func() {
		t.mu.Lock()
		t.stop = nil
		t.mu.Unlock()
		t.cfg.Rebroadcast()
	})
}

func (t *Tracker) devicesLocked() []envelope.PresenceData {
	out := make([]envelope.PresenceData, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Device.DeviceID < out[j].Device.DeviceID
	})
	return out
}
