package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"userstitch/internal/store"
)

// PermanentError marks a merge failure that a retry cannot fix, such as a
// precondition violation. The queue consumer sends these straight to the
// failed-job ledger instead of rescheduling them.
type PermanentError struct {
	err error
}

func (e *PermanentError) Error() string {
	return e.err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.err
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{err: err}
}

func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// Result summarizes one applied merge, for logging and the audit report.
type Result struct {
	ProjectID string    `json:"projectId"`
	OldUserID string    `json:"oldUserId"`
	NewUserID string    `json:"newUserId"`
	NoOp      bool      `json:"noOp"`
	AppliedAt time.Time `json:"appliedAt"`

	SearchStart time.Time `json:"searchStart"`
	SearchEnd   time.Time `json:"searchEnd"`

	TotalEvents      int `json:"totalEvents"`
	RemappedEvents   int `json:"remappedEvents"`
	MigratedSessions int `json:"migratedSessions"`
	UpdatedSessions  int `json:"updatedSessions"`
	DeletedSessions  int `json:"deletedSessions"`
}

// Orchestrator drives one identity merge end to end: fetch the snapshot,
// plan, apply. It holds no locks and performs no rollback; correctness on
// retry rests on every store mutation being independently idempotent and on
// old events staying untouched until the final apply step.
type Orchestrator struct {
	repo   store.Repository
	buffer time.Duration
}

func NewOrchestrator(repo store.Repository, buffer time.Duration) *Orchestrator {
	return &Orchestrator{repo: repo, buffer: buffer}
}

func (o *Orchestrator) Run(ctx context.Context, projectID, oldUserID, newUserID string) (Result, error) {
	if projectID == "" || oldUserID == "" || newUserID == "" {
		return Result{}, Permanent(errors.New("projectID, oldUserID, and newUserID are required"))
	}
	if oldUserID == newUserID {
		return Result{}, Permanent(fmt.Errorf("cannot merge user %s into itself", oldUserID))
	}

	result := Result{
		ProjectID: projectID,
		OldUserID: oldUserID,
		NewUserID: newUserID,
	}

	oldEvents, err := o.repo.FindEventsByUser(ctx, projectID, oldUserID)
	if err != nil {
		return Result{}, fmt.Errorf("fetch old-user events: %w", err)
	}
	if len(oldEvents) == 0 {
		result.NoOp = true
		result.AppliedAt = time.Now().UTC()
		return result, nil
	}

	searchStart, searchEnd := searchRange(oldEvents, o.buffer)
	result.SearchStart = searchStart
	result.SearchEnd = searchEnd
	result.TotalEvents = len(oldEvents)

	newUserSessions, err := o.repo.FindSessionsByUserInTimeRange(ctx, projectID, newUserID, searchStart, searchEnd)
	if err != nil {
		return Result{}, fmt.Errorf("fetch new-user sessions in range: %w", err)
	}

	oldSessions, err := o.repo.FindSessionsByUser(ctx, projectID, oldUserID)
	if err != nil {
		return Result{}, fmt.Errorf("fetch old-user sessions: %w", err)
	}

	plan, err := ComputePlan(projectID, newUserID, oldEvents, oldSessions, newUserSessions, o.buffer)
	if err != nil {
		return Result{}, Permanent(fmt.Errorf("compute merge plan: %w", err))
	}

	if err := o.apply(ctx, plan, oldEvents); err != nil {
		return Result{}, err
	}

	result.RemappedEvents = len(plan.SessionIDMapping)
	result.MigratedSessions = len(plan.OldSessionsToMigrate)
	result.UpdatedSessions = len(plan.SessionsWithTimeUpdates)
	result.DeletedSessions = len(plan.NewUserSessionsToDelete)
	result.AppliedAt = time.Now().UTC()
	return result, nil
}

// apply executes the plan's mutations in a fixed order: stale rows are
// deleted before their replacements are upserted, and old events are
// rewritten last so a failed attempt can still re-derive the same plan.
func (o *Orchestrator) apply(ctx context.Context, plan Plan, oldEvents []store.Event) error {
	if err := o.repo.DeleteSessions(ctx, plan.ProjectID, plan.NewUserSessionsToDelete); err != nil {
		return fmt.Errorf("delete stale new-user sessions: %w", err)
	}

	if err := o.repo.UpsertSessions(ctx, plan.ProjectID, plan.SessionsWithTimeUpdates); err != nil {
		return fmt.Errorf("upsert updated sessions: %w", err)
	}

	migrateIDs := make([]string, 0, len(plan.OldSessionsToMigrate))
	for _, session := range plan.OldSessionsToMigrate {
		migrateIDs = append(migrateIDs, session.ID)
	}
	if err := o.repo.ReassignSessionOwnership(ctx, plan.ProjectID, migrateIDs, plan.NewUserID); err != nil {
		return fmt.Errorf("reassign migrated session ownership: %w", err)
	}

	reassignments := make(map[string]store.EventReassignment, len(oldEvents))
	for _, event := range oldEvents {
		newSessionID := event.SessionID
		if mapped, ok := plan.SessionIDMapping[event.SessionID]; ok {
			newSessionID = mapped
		}
		reassignments[event.ID] = store.EventReassignment{
			NewUserID:    plan.NewUserID,
			NewSessionID: newSessionID,
		}
	}
	if err := o.repo.ReassignEvents(ctx, plan.ProjectID, reassignments); err != nil {
		return fmt.Errorf("reassign old-user events: %w", err)
	}

	return nil
}

func searchRange(events []store.Event, buffer time.Duration) (time.Time, time.Time) {
	minTime := events[0].CreatedAt
	maxTime := events[0].CreatedAt
	for _, event := range events[1:] {
		if event.CreatedAt.Before(minTime) {
			minTime = event.CreatedAt
		}
		if event.CreatedAt.After(maxTime) {
			maxTime = event.CreatedAt
		}
	}
	return minTime.Add(-buffer).UTC(), maxTime.Add(buffer).UTC()
}
