package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNotConfigured = errors.New("audit store not configured")

// Store archives merge reports as JSON objects so a failed or disputed
// merge can be inspected long after the job logs rotate.
type Store interface {
	StoreJSON(ctx context.Context, objectKey string, payload json.RawMessage) error
	LoadJSON(ctx context.Context, objectKey string) (json.RawMessage, error)
	Close() error
}

// ReportKey builds the object key for one applied merge, partitioned by
// day so bucket lifecycle rules can expire old reports.
func ReportKey(projectID, oldUserID, newUserID string, appliedAt time.Time) string {
	day := appliedAt.UTC().Format("2006/01/02")
	return fmt.Sprintf("merge-reports/%s/%s/%s-into-%s.json", projectID, day, oldUserID, newUserID)
}

type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (s *NoopStore) StoreJSON(_ context.Context, _ string, _ json.RawMessage) error {
	return ErrNotConfigured
}

func (s *NoopStore) LoadJSON(_ context.Context, _ string) (json.RawMessage, error) {
	return nil, ErrNotConfigured
}

func (s *NoopStore) Close() error {
	return nil
}
