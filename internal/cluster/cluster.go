package cluster

import (
	"time"

	"molva/internal/models"
)

// DefaultWindow is the maximum gap between two messages of the same
// sender that still renders as one visual cluster.
const DefaultWindow = 2 * time.Minute

// Flags are the per-message grouping annotations for timeline rendering.
type Flags struct {
	IsClusterStart bool
	IsClusterEnd   bool
	ShowAvatar     bool
}

// Compute annotates an ascending-by-createdAt message sequence with
// cluster flags. It is a pure function and is recomputed in full on every
// sequence change rather than maintained incrementally.
func Compute(msgs []models.Message, selfID string, window time.Duration) []Flags {
	if window <= 0 {
		window = DefaultWindow
	}

	flags := make([]Flags, len(msgs))
	for i := range msgs {
		f := Flags{IsClusterStart: true, IsClusterEnd: true}

		if i > 0 && sameCluster(msgs[i-1], msgs[i], window) {
			f.IsClusterStart = false
		}
		if i < len(msgs)-1 && sameCluster(msgs[i], msgs[i+1], window) {
			f.IsClusterEnd = false
		}
		// Avatar chrome appears once per cluster, on the last message,
		// and only for messages from other users.
		f.ShowAvatar = f.IsClusterEnd && msgs[i].Sender.ID != selfID

		flags[i] = f
	}
	return flags
}

func sameCluster(prev, next models.Message, window time.Duration) bool {
	if prev.Sender.ID != next.Sender.ID {
		return false
	}
	return next.CreatedAt.Sub(prev.CreatedAt) <= window
}
