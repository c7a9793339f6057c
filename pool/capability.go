package pool

// Capability classifies a device's inference strength. It determines the
// chunk window size, the chunk deadline, and the per-device parallelism
// cap.
type Capability string

const (
	CapabilityLow    Capability = "low"
	CapabilityMedium Capability = "medium"
	CapabilityHigh   Capability = "high"
	CapabilityTPU    Capability = "tpu"
)

// ValidCapability reports whether c is a known capability class.
func ValidCapability(c Capability) bool {
	switch c {
	case CapabilityLow, CapabilityMedium, CapabilityHigh, CapabilityTPU:
		return true
	}
	return false
}

// Rank orders capabilities for scheduling: higher is faster.
func (c Capability) Rank() int {
	switch c {
	case CapabilityTPU:
		return 4
	case CapabilityHigh:
		return 3
	case CapabilityMedium:
		return 2
	default:
		return 1
	}
}

// Parallelism is the maximum number of chunks a device of this class may
// hold concurrently.
func (c Capability) Parallelism() int {
	switch c {
	case CapabilityTPU:
		return 4
	case CapabilityHigh:
		return 3
	case CapabilityMedium:
		return 2
	default:
		return 1
	}
}

// Downgrade returns the next class down, for workers shedding load. Low
// stays low.
func (c Capability) Downgrade() Capability {
	switch c {
	case CapabilityTPU:
		return CapabilityHigh
	case CapabilityHigh:
		return CapabilityMedium
	default:
		return CapabilityLow
	}
}

// DeviceProfile is the raw hardware description a worker classifies
// itself from.
type DeviceProfile struct {
	Cores     int     `json:"cores"`
	MemoryGB  float64 `json:"memory_gb"`
	HasNPU    bool    `json:"has_npu"`
	Sustained bool    `json:"sustained"` // plugged in / thermally unconstrained
}

// ClassifyDevice maps a device profile onto a capability class.
func ClassifyDevice(p DeviceProfile) Capability {
	switch {
	case p.HasNPU && p.Sustained:
		return CapabilityTPU
	case p.Cores >= 8 && p.MemoryGB >= 8:
		return CapabilityHigh
	case p.Cores >= 4 && p.MemoryGB >= 4:
		return CapabilityMedium
	default:
		return CapabilityLow
	}
}
