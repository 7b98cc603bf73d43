package merge

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"userstitch/internal/store"
)

// ErrNoOldEvents is returned when a plan is requested for a merge with no
// old-identity events. Callers are expected to short-circuit that case
// before planning.
var ErrNoOldEvents = errors.New("merge plan requires at least one old-identity event")

// Plan is the declarative output of planning: exactly which session rows to
// delete, upsert, or re-own, and how old events remap onto new-identity
// sessions. Applying a plan is the orchestrator's job; computing it touches
// no storage.
type Plan struct {
	ProjectID string
	NewUserID string

	// OldSessionsToMigrate transfer to the new user verbatim, bounds
	// untouched.
	OldSessionsToMigrate []store.Session

	// SessionsWithTimeUpdates are new-user sessions that absorbed at least
	// one old event. Bounds are recomputed and may equal the originals.
	SessionsWithTimeUpdates []store.Session

	// NewUserSessionsToDelete is the subset of SessionsWithTimeUpdates whose
	// startedAt moved earlier. The store keys session rows by
	// (id, startedAt), so those rows must be deleted before the replacement
	// is inserted.
	NewUserSessionsToDelete []string

	// SessionIDMapping maps an old session ID to the new-user session that
	// absorbed its events.
	SessionIDMapping map[string]string
}

// BoundaryChange records how a recomputed session's bounds differ from the
// stored row. StartMoved is what forces a delete-plus-reinsert.
type BoundaryChange struct {
	StartMoved bool
	EndMoved   bool
}

// Boundary compares an updated session against its original bounds.
func Boundary(original, updated store.Session) BoundaryChange {
	return BoundaryChange{
		StartMoved: !updated.StartedAt.Equal(original.StartedAt),
		EndMoved:   !updated.EndedAt.Equal(original.EndedAt),
	}
}

// sessionWindow is the running [minTime, maxTime] aggregate for one matched
// new-user session, seeded from the session's original bounds.
type sessionWindow struct {
	minTime time.Time
	maxTime time.Time
}

func (w *sessionWindow) absorb(eventTime time.Time) {
	if eventTime.Before(w.minTime) {
		w.minTime = eventTime
	}
	if eventTime.After(w.maxTime) {
		w.maxTime = eventTime
	}
}

// ComputePlan decides how the old identity's events and sessions are
// redistributed onto the new identity's session timeline.
//
// Each old event is matched against the new user's sessions in ascending
// startedAt order, and the first session whose buffered window contains the
// event wins. Ties between overlapping candidates are resolved by that scan
// order, not by closeness. Events with no candidate fall back to their own
// old session, which migrates to the new user unchanged.
//
// The result is stateless and reproducible: identical inputs always yield
// an identical plan, so a retried merge attempt re-derives the same
// mutations.
func ComputePlan(
	projectID string,
	newUserID string,
	oldEvents []store.Event,
	oldSessions []store.Session,
	newUserSessions []store.Session,
	buffer time.Duration,
) (Plan, error) {
	if len(oldEvents) == 0 {
		return Plan{}, ErrNoOldEvents
	}
	if err := checkProject(projectID, oldEvents, oldSessions, newUserSessions); err != nil {
		return Plan{}, err
	}

	candidates := make([]store.Session, len(newUserSessions))
	copy(candidates, newUserSessions)
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].StartedAt.Equal(candidates[j].StartedAt) {
			return candidates[i].StartedAt.Before(candidates[j].StartedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	windows := make(map[string]*sessionWindow)
	mapping := make(map[string]string)
	keepAsIs := make(map[string]bool)

	for _, event := range oldEvents {
		eventTime := event.CreatedAt.UTC()

		matched := false
		for _, candidate := range candidates {
			if !BelongsToSession(eventTime, candidate, buffer) {
				continue
			}

			mapping[event.SessionID] = candidate.ID
			window, ok := windows[candidate.ID]
			if !ok {
				window = &sessionWindow{
					minTime: candidate.StartedAt,
					maxTime: candidate.EndedAt,
				}
				windows[candidate.ID] = window
			}
			window.absorb(eventTime)
			matched = true
			break
		}

		if !matched {
			// No candidate absorbed the event, so it stays in its own old
			// session and only ownership changes.
			keepAsIs[event.SessionID] = true
		}
	}

	plan := Plan{
		ProjectID:               projectID,
		NewUserID:               newUserID,
		OldSessionsToMigrate:    make([]store.Session, 0, len(keepAsIs)),
		SessionsWithTimeUpdates: make([]store.Session, 0, len(windows)),
		NewUserSessionsToDelete: make([]string, 0),
		SessionIDMapping:        mapping,
	}

	for _, candidate := range candidates {
		window, ok := windows[candidate.ID]
		if !ok {
			continue
		}

		updated := candidate
		updated.StartedAt = window.minTime
		updated.EndedAt = window.maxTime
		updated.DurationSeconds = int64(math.Round(window.maxTime.Sub(window.minTime).Seconds()))

		plan.SessionsWithTimeUpdates = append(plan.SessionsWithTimeUpdates, updated)
		if Boundary(candidate, updated).StartMoved {
			plan.NewUserSessionsToDelete = append(plan.NewUserSessionsToDelete, updated.ID)
		}
	}

	// Resolve kept session IDs against the supplied old sessions, dropping
	// IDs the snapshot did not cover. The events themselves still get an
	// ownership transfer either way.
	for _, session := range oldSessions {
		if keepAsIs[session.ID] {
			plan.OldSessionsToMigrate = append(plan.OldSessionsToMigrate, session)
		}
	}

	return plan, nil
}

func checkProject(projectID string, events []store.Event, sessionLists ...[]store.Session) error {
	for _, event := range events {
		if event.ProjectID != projectID {
			return fmt.Errorf("event %s belongs to project %s, expected %s", event.ID, event.ProjectID, projectID)
		}
	}
	for _, sessions := range sessionLists {
		for _, session := range sessions {
			if session.ProjectID != projectID {
				return fmt.Errorf("session %s belongs to project %s, expected %s", session.ID, session.ProjectID, projectID)
			}
		}
	}
	return nil
}
