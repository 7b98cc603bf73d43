package merge

import (
	"time"

	"userstitch/internal/store"
)

// BelongsToSession reports whether an event timestamp falls inside a
// session's bounds widened by the idle-timeout buffer on both sides.
// Timestamps are compared in UTC; callers normalize once at the store
// boundary.
func BelongsToSession(eventTime time.Time, session store.Session, buffer time.Duration) bool {
	if eventTime.Before(session.StartedAt.Add(-buffer)) {
		return false
	}
	return !eventTime.After(session.EndedAt.Add(buffer))
}
