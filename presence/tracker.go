// Package presence maintains the online-user set derived from push events.
// There is no polling; the set is only as fresh as the push channel.
package presence

import (
	"sort"
	"sync"
	"time"

	"cipherchat/models"
	"cipherchat/realtime"
)

const (
	// StatusOnline marks a user as reachable.
	StatusOnline = "online"
	// StatusOffline marks a user as gone.
	StatusOffline = "offline"
)

// Tracker holds at most one presence record per user. Events carry no
// ordering guarantee beyond push-channel arrival order; an offline event for
// a user never seen online is a harmless no-op.
type Tracker struct {
	mu     sync.RWMutex
	online map[string]models.PresenceRecord
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		online: make(map[string]models.PresenceRecord),
	}
}

// HandleStatus applies one presence change. Repeated online events for the
// same user, e.g. from multiple tabs, collapse into a single record.
func (t *Tracker) HandleStatus(event realtime.StatusEvent) {
	userID := realtime.NormalizeID(event.UserID)
	if userID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch event.Status {
	case StatusOnline:
		if _, exists := t.online[userID]; exists {
			return
		}
		timestamp := event.Timestamp
		if timestamp.IsZero() {
			timestamp = time.Now()
		}
		t.online[userID] = models.PresenceRecord{
			UserID:    userID,
			Timestamp: timestamp,
		}
	case StatusOffline:
		delete(t.online, userID)
	}
}

// IsOnline reports whether a user is in the online set. The ID is normalized
// to its string form first; the same logical identifier can arrive as a
// number from one source and a string from another.
func (t *Tracker) IsOnline(userID any) bool {
	normalized := realtime.NormalizeID(userID)
	if normalized == "" {
		return false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	_, online := t.online[normalized]
	return online
}

// Snapshot returns the online records sorted by user ID.
func (t *Tracker) Snapshot() []models.PresenceRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.PresenceRecord, 0, len(t.online))
	for _, record := range t.online {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Run consumes a realtime subscription until its channel closes. It is meant
// to be launched as a goroutine next to the session.
func (t *Tracker) Run(sub *realtime.Subscription) {
	for event := range sub.Events() {
		if status, ok := event.(realtime.StatusEvent); ok {
			t.HandleStatus(status)
		}
	}
}
