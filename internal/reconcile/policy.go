package reconcile

import (
	"fmt"

	"github.com/srobinb803/whatsapp-clone/internal/messages"
)

// StatusPolicy decides which status transitions are written.
type StatusPolicy string

const (
	// PolicyLastWriteWins applies every transition as it arrives.
	PolicyLastWriteWins StatusPolicy = "lww"
	// PolicyMonotonic only moves forward along sent < delivered < read;
	// failed is terminal and received is the inbound starting point.
	PolicyMonotonic StatusPolicy = "monotonic"
)

func ParseStatusPolicy(s string) (StatusPolicy, error) {
	switch StatusPolicy(s) {
	case "", PolicyLastWriteWins:
		return PolicyLastWriteWins, nil
	case PolicyMonotonic:
		return PolicyMonotonic, nil
	}
	return "", fmt.Errorf("unknown status policy %q", s)
}

var statusRank = map[messages.Status]int{
	"":                       0,
	messages.StatusReceived:  1,
	messages.StatusSent:      2,
	messages.StatusDelivered: 3,
	messages.StatusRead:      4,
}

// allowedFrom returns the current statuses from which a write of to is
// permitted, or nil when any status may be overwritten.
func (p StatusPolicy) allowedFrom(to messages.Status) []messages.Status {
	if p != PolicyMonotonic {
		return nil
	}

	from := make([]messages.Status, 0, len(statusRank))
	if to == messages.StatusFailed {
		for st := range statusRank {
			from = append(from, st)
		}
		return from
	}

	target, ok := statusRank[to]
	if !ok {
		return from
	}
	for st, rank := range statusRank {
		if rank < target {
			from = append(from, st)
		}
	}
	return from
}
