package fleet

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotRegistered reports a heartbeat from a device that never
	// registered. Heartbeats are not an implicit registration.
	ErrNotRegistered = errors.New("device not registered")
	// ErrNotFound reports an operation against an unknown device.
	ErrNotFound = errors.New("device not found")
)

// Device status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Device is one fleet member. Status is a pure function of LastSeen and
// the liveness timeout, re-evaluated by the sweeper.
type Device struct {
	DeviceID        string         `json:"device_id"`
	IPAddress       string         `json:"ip_address"`
	FirmwareVersion string         `json:"firmware_version"`
	Status          string         `json:"status"`
	LastSeen        time.Time      `json:"last_seen"`
	DeviceInfo      map[string]any `json:"device_info"`
	ForceUpdate     bool           `json:"force_update"`
	ForceRestart    bool           `json:"force_restart"`
}

// HeartbeatResult carries the pre-clear intent flags delivered to a
// device on its heartbeat.
type HeartbeatResult struct {
	ForceUpdate  bool
	ForceRestart bool
}

// Registry owns the set of known devices, their liveness state, and
// pending one-shot operator intents. A single lock guards the table; the
// fleet is small and every operation touches one record briefly, which
// keeps read-and-clear and sweep decisions trivially atomic.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	now     func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]*Device),
		now:     time.Now,
	}
}

// Register upserts a device and marks it online. Re-registration
// overwrites every field except identity and the pending intent flags:
// registering does not cancel outstanding operator intents.
func (r *Registry) Register(deviceID, ipAddress, firmwareVersion string, deviceInfo map[string]any) Device {
	if firmwareVersion == "" {
		firmwareVersion = "unknown"
	}
	if deviceInfo == nil {
		deviceInfo = map[string]any{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		d = &Device{DeviceID: deviceID}
		r.devices[deviceID] = d
	}
	d.IPAddress = ipAddress
	d.FirmwareVersion = firmwareVersion
	d.DeviceInfo = deviceInfo
	d.Status = StatusOnline
	d.LastSeen = r.now().UTC()

	return snapshot(d)
}

// Heartbeat refreshes liveness for a registered device and atomically
// reads-and-clears both pending intent flags, returning their pre-clear
// values. A pending intent is therefore delivered at most once, on the
// first heartbeat after it was set.
func (r *Registry) Heartbeat(deviceID, firmwareVersion string, deviceInfo map[string]any) (HeartbeatResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return HeartbeatResult{}, ErrNotRegistered
	}

	if firmwareVersion != "" {
		d.FirmwareVersion = firmwareVersion
	}
	d.DeviceInfo = withTelemetryDefaults(deviceInfo)
	d.Status = StatusOnline
	d.LastSeen = r.now().UTC()

	res := HeartbeatResult{
		ForceUpdate:  d.ForceUpdate,
		ForceRestart: d.ForceRestart,
	}
	d.ForceUpdate = false
	d.ForceRestart = false

	return res, nil
}

// withTelemetryDefaults fills missing telemetry keys at the ingestion
// boundary; unknown keys pass through untouched.
func withTelemetryDefaults(info map[string]any) map[string]any {
	if info == nil {
		info = map[string]any{}
	}
	defaults := map[string]any{
		"temperature": 0.0,
		"humidity":    0.0,
		"free_heap":   0,
		"uptime":      0,
		"mac_address": "Unknown",
	}
	for key, value := range defaults {
		if _, ok := info[key]; !ok {
			info[key] = value
		}
	}
	return info
}

// SetForceUpdate flags a device for a firmware update on its next
// heartbeat. The device is not notified out of band.
func (r *Registry) SetForceUpdate(deviceID string) error {
	return r.setFlag(deviceID, func(d *Device) { d.ForceUpdate = true })
}

// SetForceRestart flags a device for a restart on its next heartbeat.
func (r *Registry) SetForceRestart(deviceID string) error {
	return r.setFlag(deviceID, func(d *Device) { d.ForceRestart = true })
}

func (r *Registry) setFlag(deviceID string, set func(*Device)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	set(d)
	return nil
}

// Get returns a copy of the named device.
func (r *Registry) Get(deviceID string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return Device{}, ErrNotFound
	}
	return snapshot(d), nil
}

// List returns copies of all known devices. Order is unspecified.
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, snapshot(d))
	}
	return out
}

// OnlineCount reports how many devices are currently marked online.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, d := range r.devices {
		if d.Status == StatusOnline {
			n++
		}
	}
	return n
}

// MarkOffline explicitly demotes a device.
func (r *Registry) MarkOffline(deviceID string) error {
	return r.setFlag(deviceID, func(d *Device) { d.Status = StatusOffline })
}

// SweepOffline demotes every online device whose LastSeen is older than
// timeout and returns the affected device IDs. The decision keys off
// LastSeen read fresh under the lock, so a heartbeat that lands before
// the sweep always wins and a stale record can never be resurrected.
func (r *Registry) SweepOffline(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var demoted []string
	for id, d := range r.devices {
		if d.Status != StatusOnline {
			continue
		}
		if now.Sub(d.LastSeen) > timeout {
			d.Status = StatusOffline
			demoted = append(demoted, id)
		}
	}
	return demoted
}

// snapshot deep-copies a record so callers never share the registry's
// mutable DeviceInfo map.
func snapshot(d *Device) Device {
	out := *d
	out.DeviceInfo = make(map[string]any, len(d.DeviceInfo))
	for k, v := range d.DeviceInfo {
		out.DeviceInfo[k] = v
	}
	return out
}
