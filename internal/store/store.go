package store

import (
	"context"
	"time"
)

// Repository is the event/session store contract the merge engine runs
// against. Every mutation must be safe to repeat: a retried merge attempt
// re-applies the same plan and has to converge instead of duplicating rows.
type Repository interface {
	FindEventsByUser(ctx context.Context, projectID, userID string) ([]Event, error)
	FindSessionsByUser(ctx context.Context, projectID, userID string) ([]Session, error)
	FindSessionsByUserInTimeRange(ctx context.Context, projectID, userID string, start, end time.Time) ([]Session, error)
	DeleteSessions(ctx context.Context, projectID string, sessionIDs []string) error
	UpsertSessions(ctx context.Context, projectID string, sessions []Session) error
	ReassignSessionOwnership(ctx context.Context, projectID string, sessionIDs []string, newUserID string) error
	ReassignEvents(ctx context.Context, projectID string, reassignments map[string]EventReassignment) error
}
