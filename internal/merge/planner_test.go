package merge

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"userstitch/internal/store"
)

const testBuffer = 30 * time.Minute

func testEvent(id, sessionID string, at time.Time) store.Event {
	return store.Event{
		ID:        id,
		ProjectID: "proj-1",
		UserID:    "anon-1",
		SessionID: sessionID,
		CreatedAt: at,
		Type:      "page_view",
	}
}

func testSession(id, userID string, start, end time.Time) store.Session {
	return store.Session{
		ID:              id,
		ProjectID:       "proj-1",
		UserID:          userID,
		StartedAt:       start,
		EndedAt:         end,
		DurationSeconds: int64(end.Sub(start).Seconds()),
	}
}

func TestComputePlanLoneEventMigratesOwnSession(t *testing.T) {
	oldEvents := []store.Event{testEvent("e1", "old-s1", clock(0))}
	oldSessions := []store.Session{testSession("old-s1", "anon-1", clock(0), clock(0))}

	plan, err := ComputePlan("proj-1", "user-9", oldEvents, oldSessions, nil, testBuffer)
	if err != nil {
		t.Fatalf("ComputePlan failed: %v", err)
	}

	if len(plan.OldSessionsToMigrate) != 1 || plan.OldSessionsToMigrate[0].ID != "old-s1" {
		t.Fatalf("expected old-s1 to migrate unchanged, got %+v", plan.OldSessionsToMigrate)
	}
	if len(plan.SessionsWithTimeUpdates) != 0 {
		t.Fatalf("expected no session updates, got %+v", plan.SessionsWithTimeUpdates)
	}
	if len(plan.NewUserSessionsToDelete) != 0 {
		t.Fatalf("expected no deletions, got %v", plan.NewUserSessionsToDelete)
	}
	if len(plan.SessionIDMapping) != 0 {
		t.Fatalf("expected no remapping, got %v", plan.SessionIDMapping)
	}
}

func TestComputePlanEventInsideExistingSession(t *testing.T) {
	oldEvents := []store.Event{testEvent("e1", "old-s1", clock(0))}
	oldSessions := []store.Session{testSession("old-s1", "anon-1", clock(0), clock(0))}
	newSessions := []store.Session{testSession("new-s1", "user-9", clock(-10), clock(5))}

	plan, err := ComputePlan("proj-1", "user-9", oldEvents, oldSessions, newSessions, testBuffer)
	if err != nil {
		t.Fatalf("ComputePlan failed: %v", err)
	}

	if got := plan.SessionIDMapping["old-s1"]; got != "new-s1" {
		t.Fatalf("expected old-s1 to map to new-s1, got %q", got)
	}
	if len(plan.OldSessionsToMigrate) != 0 {
		t.Fatalf("expected no migrated sessions, got %+v", plan.OldSessionsToMigrate)
	}
	if len(plan.SessionsWithTimeUpdates) != 1 {
		t.Fatalf("expected one recomputed session, got %+v", plan.SessionsWithTimeUpdates)
	}

	updated := plan.SessionsWithTimeUpdates[0]
	if !updated.StartedAt.Equal(clock(-10)) || !updated.EndedAt.Equal(clock(5)) {
		t.Fatalf("expected bounds to stay [%v, %v], got [%v, %v]", clock(-10), clock(5), updated.StartedAt, updated.EndedAt)
	}
	if len(plan.NewUserSessionsToDelete) != 0 {
		t.Fatalf("unchanged start must not trigger a delete, got %v", plan.NewUserSessionsToDelete)
	}
}

func TestComputePlanEventInBufferExtendsStart(t *testing.T) {
	// Event is 20 minutes before the session starts, inside the 30 minute
	// buffer. The session must absorb it and move its start back.
	oldEvents := []store.Event{testEvent("e1", "old-s1", clock(0))}
	oldSessions := []store.Session{testSession("old-s1", "anon-1", clock(0), clock(0))}
	newSessions := []store.Session{testSession("new-s1", "user-9", clock(20), clock(40))}

	plan, err := ComputePlan("proj-1", "user-9", oldEvents, oldSessions, newSessions, testBuffer)
	if err != nil {
		t.Fatalf("ComputePlan failed: %v", err)
	}

	if len(plan.SessionsWithTimeUpdates) != 1 {
		t.Fatalf("expected one recomputed session, got %+v", plan.SessionsWithTimeUpdates)
	}

	updated := plan.SessionsWithTimeUpdates[0]
	if !updated.StartedAt.Equal(clock(0)) {
		t.Fatalf("expected startedAt to move to event time %v, got %v", clock(0), updated.StartedAt)
	}
	if !updated.EndedAt.Equal(clock(40)) {
		t.Fatalf("expected endedAt unchanged at %v, got %v", clock(40), updated.EndedAt)
	}
	if want := int64(40 * 60); updated.DurationSeconds != want {
		t.Fatalf("expected duration %d, got %d", want, updated.DurationSeconds)
	}

	if len(plan.NewUserSessionsToDelete) != 1 || plan.NewUserSessionsToDelete[0] != "new-s1" {
		t.Fatalf("moved start requires delete before reinsert, got %v", plan.NewUserSessionsToDelete)
	}
}

func TestComputePlanEventExtendsEndInPlace(t *testing.T) {
	// Event lands in the trailing buffer. The end moves forward but the
	// start stays put, so no row deletion is needed.
	oldEvents := []store.Event{testEvent("e1", "old-s1", clock(0))}
	oldSessions := []store.Session{testSession("old-s1", "anon-1", clock(0), clock(0))}
	newSessions := []store.Session{testSession("new-s1", "user-9", clock(-40), clock(-20))}

	plan, err := ComputePlan("proj-1", "user-9", oldEvents, oldSessions, newSessions, testBuffer)
	if err != nil {
		t.Fatalf("ComputePlan failed: %v", err)
	}

	if len(plan.SessionsWithTimeUpdates) != 1 {
		t.Fatalf("expected one recomputed session, got %+v", plan.SessionsWithTimeUpdates)
	}
	updated := plan.SessionsWithTimeUpdates[0]
	if !updated.StartedAt.Equal(clock(-40)) {
		t.Fatalf("expected startedAt unchanged at %v, got %v", clock(-40), updated.StartedAt)
	}
	if !updated.EndedAt.Equal(clock(0)) {
		t.Fatalf("expected endedAt to move to event time %v, got %v", clock(0), updated.EndedAt)
	}
	if len(plan.NewUserSessionsToDelete) != 0 {
		t.Fatalf("end-only move must update in place, got deletions %v", plan.NewUserSessionsToDelete)
	}
}

func TestComputePlanMixedMatchedAndUnmatched(t *testing.T) {
	oldEvents := []store.Event{
		testEvent("e1", "old-s1", clock(0)),
		testEvent("e2", "old-s2", clock(300)),
	}
	oldSessions := []store.Session{
		testSession("old-s1", "anon-1", clock(0), clock(0)),
		testSession("old-s2", "anon-1", clock(300), clock(300)),
	}
	newSessions := []store.Session{testSession("new-s1", "user-9", clock(-10), clock(5))}

	plan, err := ComputePlan("proj-1", "user-9", oldEvents, oldSessions, newSessions, testBuffer)
	if err != nil {
		t.Fatalf("ComputePlan failed: %v", err)
	}

	if got := plan.SessionIDMapping["old-s1"]; got != "new-s1" {
		t.Fatalf("expected old-s1 to map to new-s1, got %q", got)
	}
	if _, ok := plan.SessionIDMapping["old-s2"]; ok {
		t.Fatalf("old-s2 is out of range and must not be remapped")
	}
	if len(plan.OldSessionsToMigrate) != 1 || plan.OldSessionsToMigrate[0].ID != "old-s2" {
		t.Fatalf("expected only old-s2 to migrate, got %+v", plan.OldSessionsToMigrate)
	}
}

func TestComputePlanFirstMatchByStartedAt(t *testing.T) {
	// Both candidates contain the event. The scan runs in ascending
	// startedAt order, so the earlier session wins regardless of input
	// order.
	oldEvents := []store.Event{testEvent("e1", "old-s1", clock(0))}
	oldSessions := []store.Session{testSession("old-s1", "anon-1", clock(0), clock(0))}
	newSessions := []store.Session{
		testSession("new-late", "user-9", clock(-5), clock(10)),
		testSession("new-early", "user-9", clock(-15), clock(10)),
	}

	plan, err := ComputePlan("proj-1", "user-9", oldEvents, oldSessions, newSessions, testBuffer)
	if err != nil {
		t.Fatalf("ComputePlan failed: %v", err)
	}

	if got := plan.SessionIDMapping["old-s1"]; got != "new-early" {
		t.Fatalf("expected earliest-starting candidate to win, got %q", got)
	}
	if len(plan.SessionsWithTimeUpdates) != 1 || plan.SessionsWithTimeUpdates[0].ID != "new-early" {
		t.Fatalf("only the winning session should be recomputed, got %+v", plan.SessionsWithTimeUpdates)
	}
}

func TestComputePlanMultipleEventsWidenOneSession(t *testing.T) {
	oldEvents := []store.Event{
		testEvent("e1", "old-s1", clock(-20)),
		testEvent("e2", "old-s1", clock(15)),
		testEvent("e3", "old-s2", clock(45)),
	}
	oldSessions := []store.Session{
		testSession("old-s1", "anon-1", clock(-20), clock(15)),
		testSession("old-s2", "anon-1", clock(45), clock(45)),
	}
	newSessions := []store.Session{testSession("new-s1", "user-9", clock(0), clock(30))}

	plan, err := ComputePlan("proj-1", "user-9", oldEvents, oldSessions, newSessions, testBuffer)
	if err != nil {
		t.Fatalf("ComputePlan failed: %v", err)
	}

	if len(plan.SessionsWithTimeUpdates) != 1 {
		t.Fatalf("expected one recomputed session, got %+v", plan.SessionsWithTimeUpdates)
	}
	updated := plan.SessionsWithTimeUpdates[0]
	if !updated.StartedAt.Equal(clock(-20)) || !updated.EndedAt.Equal(clock(45)) {
		t.Fatalf("expected bounds [%v, %v], got [%v, %v]", clock(-20), clock(45), updated.StartedAt, updated.EndedAt)
	}
	if want := int64(65 * 60); updated.DurationSeconds != want {
		t.Fatalf("expected duration %d, got %d", want, updated.DurationSeconds)
	}
	if len(plan.OldSessionsToMigrate) != 0 {
		t.Fatalf("all events matched, nothing should migrate, got %+v", plan.OldSessionsToMigrate)
	}
}

func TestComputePlanDeterministic(t *testing.T) {
	oldEvents := []store.Event{
		testEvent("e1", "old-s1", clock(0)),
		testEvent("e2", "old-s2", clock(90)),
	}
	oldSessions := []store.Session{
		testSession("old-s1", "anon-1", clock(0), clock(0)),
		testSession("old-s2", "anon-1", clock(90), clock(90)),
	}
	newSessions := []store.Session{
		testSession("new-s1", "user-9", clock(-10), clock(5)),
		testSession("new-s2", "user-9", clock(80), clock(120)),
	}

	first, err := ComputePlan("proj-1", "user-9", oldEvents, oldSessions, newSessions, testBuffer)
	if err != nil {
		t.Fatalf("first ComputePlan failed: %v", err)
	}
	second, err := ComputePlan("proj-1", "user-9", oldEvents, oldSessions, newSessions, testBuffer)
	if err != nil {
		t.Fatalf("second ComputePlan failed: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("identical inputs must yield identical plans:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestComputePlanNoEvents(t *testing.T) {
	_, err := ComputePlan("proj-1", "user-9", nil, nil, nil, testBuffer)
	if !errors.Is(err, ErrNoOldEvents) {
		t.Fatalf("expected ErrNoOldEvents, got %v", err)
	}
}

func TestComputePlanRejectsCrossProjectData(t *testing.T) {
	oldEvents := []store.Event{testEvent("e1", "old-s1", clock(0))}
	rogue := testSession("new-s1", "user-9", clock(-10), clock(5))
	rogue.ProjectID = "proj-2"

	_, err := ComputePlan("proj-1", "user-9", oldEvents, nil, []store.Session{rogue}, testBuffer)
	if err == nil {
		t.Fatalf("expected a project mismatch error")
	}
}

func TestBoundary(t *testing.T) {
	original := testSession("s1", "user-9", clock(0), clock(30))

	same := Boundary(original, original)
	if same.StartMoved || same.EndMoved {
		t.Fatalf("identical bounds must report no movement, got %+v", same)
	}

	shifted := original
	shifted.StartedAt = clock(-5)
	if change := Boundary(original, shifted); !change.StartMoved || change.EndMoved {
		t.Fatalf("expected start-only movement, got %+v", change)
	}

	extended := original
	extended.EndedAt = clock(40)
	if change := Boundary(original, extended); change.StartMoved || !change.EndMoved {
		t.Fatalf("expected end-only movement, got %+v", change)
	}
}
