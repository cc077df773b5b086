package feed

import "time"

// Priority orders instruments into refresh tiers. The tier decides the cache
// TTL for polled access and whether the instrument is eligible for live
// stream slots.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "background"
	}
}

// TTL is the polled refresh cadence for the tier.
func (p Priority) TTL() time.Duration {
	switch p {
	case PriorityCritical:
		return 1 * time.Second
	case PriorityHigh:
		return 5 * time.Second
	case PriorityMedium:
		return 30 * time.Second
	case PriorityLow:
		return time.Minute
	default:
		return 5 * time.Minute
	}
}

// StreamSlots is how many live-stream slots the tier is entitled to:
// critical instruments get tick plus orderbook, high gets tick only.
func (p Priority) StreamSlots() int {
	switch p {
	case PriorityCritical:
		return 2
	case PriorityHigh:
		return 1
	default:
		return 0
	}
}
