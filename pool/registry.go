package pool

import (
	"crypto/ed25519"
	"sort"
	"sync"
	"time"
)

// DeviceRecord tracks one pool member. ActiveChunks never exceeds the
// capability's parallelism; a device whose heartbeat is older than the
// heartbeat timeout is excluded from scheduling.
type DeviceRecord struct {
	DeviceID       string            `json:"device_id"`
	Capability     Capability        `json:"capability"`
	PublicKey      ed25519.PublicKey `json:"public_key"`
	CompletedTasks int               `json:"completed_tasks"`
	ActiveChunks   int               `json:"active_chunks"`
	JoinedAt       int64             `json:"joined_at"`
	LastHeartbeat  int64             `json:"last_heartbeat"`
	Load           float64           `json:"load"`

	// HealthScore starts at 1 and is decremented on chunk timeouts.
	HealthScore float64 `json:"health_score"`
	// ConsecutiveTimeouts counts timeouts since the last success; three
	// in a row evicts the device.
	ConsecutiveTimeouts int `json:"consecutive_timeouts"`
	// EWMALatency is the smoothed per-chunk latency in seconds.
	EWMALatency float64 `json:"ewma_latency"`
}

// speed estimates scheduling priority: faster classes win, damped by
// observed latency.
func (d *DeviceRecord) speed() float64 {
	return float64(d.Capability.Rank()) / (1 + d.EWMALatency)
}

const ewmaAlpha = 0.3

// Registry is the coordinator's in-memory view of pool members, in the
// spirit of a mesh node tracker: register, heartbeat, prune, pick.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*DeviceRecord
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*DeviceRecord)}
}

// Register adds a device. Returns false when the id is already present.
func (r *Registry) Register(rec *DeviceRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.devices[rec.DeviceID]; dup {
		return false
	}
	rec.HealthScore = 1.0
	rec.LastHeartbeat = rec.JoinedAt
	r.devices[rec.DeviceID] = rec
	return true
}

// Remove deletes a device, reporting whether it existed.
func (r *Registry) Remove(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[deviceID]; !ok {
		return false
	}
	delete(r.devices, deviceID)
	return true
}

// Heartbeat refreshes a device's liveness and load.
func (r *Registry) Heartbeat(deviceID string, load float64, activeChunks int, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[deviceID]; ok {
		d.LastHeartbeat = now.UnixMilli()
		d.Load = load
		_ = activeChunks // worker-reported; the coordinator's own count is authoritative
	}
}

// healthy reports whether the device's heartbeat is fresh. Caller holds
// the lock.
func healthy(d *DeviceRecord, now time.Time, timeout time.Duration) bool {
	return now.UnixMilli()-d.LastHeartbeat <= timeout.Milliseconds()
}

// HealthyCount returns the number of schedulable devices.
func (r *Registry) HealthyCount(now time.Time, timeout time.Duration) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, d := range r.devices {
		if healthy(d, now, timeout) {
			n++
		}
	}
	return n
}

// Acquire picks the fastest eligible idle device and charges one chunk
// slot to it. Eligible means healthy and below the capability parallelism
// cap. Ties break on fewest active chunks, then earliest join. Returns
// nil when no device is eligible.
func (r *Registry) Acquire(now time.Time, timeout time.Duration) *DeviceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := make([]*DeviceRecord, 0, len(r.devices))
	for _, d := range r.devices {
		if !healthy(d, now, timeout) {
			continue
		}
		if d.ActiveChunks >= d.Capability.Parallelism() {
			continue
		}
		candidates = append(candidates, d)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.speed() != b.speed() {
			return a.speed() > b.speed()
		}
		if a.ActiveChunks != b.ActiveChunks {
			return a.ActiveChunks < b.ActiveChunks
		}
		return a.JoinedAt < b.JoinedAt
	})
	best := candidates[0]
	best.ActiveChunks++
	copied := *best
	return &copied
}

// Release returns a chunk slot. On success the latency sample updates the
// EWMA and resets the timeout streak; completedTask additionally bumps
// the completion counter.
func (r *Registry) Release(deviceID string, latency time.Duration, success, completedTask bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return
	}
	if d.ActiveChunks > 0 {
		d.ActiveChunks--
	}
	if success {
		d.ConsecutiveTimeouts = 0
		sample := latency.Seconds()
		if d.EWMALatency == 0 {
			d.EWMALatency = sample
		} else {
			d.EWMALatency = ewmaAlpha*sample + (1-ewmaAlpha)*d.EWMALatency
		}
		if completedTask {
			d.CompletedTasks++
		}
	}
}

// RecordTimeout charges a chunk timeout against the device and returns
// its consecutive-timeout count.
func (r *Registry) RecordTimeout(deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return 0
	}
	if d.ActiveChunks > 0 {
		d.ActiveChunks--
	}
	d.ConsecutiveTimeouts++
	d.HealthScore -= 0.2
	if d.HealthScore < 0 {
		d.HealthScore = 0
	}
	return d.ConsecutiveTimeouts
}

// Get returns a copy of the device record.
func (r *Registry) Get(deviceID string) (DeviceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.devices[deviceID]; ok {
		return *d, true
	}
	return DeviceRecord{}, false
}

// Devices returns copies of all records, ordered by join time.
func (r *Registry) Devices() []DeviceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceRecord, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt < out[j].JoinedAt })
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
