package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Health(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) FindEventsByUser(ctx context.Context, projectID, userID string) ([]Event, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT id, project_id, user_id, session_id, created_at, type, properties
		 FROM events
		 WHERE project_id = $1 AND user_id = $2
		 ORDER BY created_at ASC, id ASC`,
		projectID,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var event Event
		if err := rows.Scan(
			&event.ID,
			&event.ProjectID,
			&event.UserID,
			&event.SessionID,
			&event.CreatedAt,
			&event.Type,
			&event.Properties,
		); err != nil {
			return nil, err
		}
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return events, nil
}

func (p *Postgres) FindSessionsByUser(ctx context.Context, projectID, userID string) ([]Session, error) {
	return p.querySessions(
		ctx,
		`SELECT id, project_id, user_id, started_at, ended_at, duration_seconds
		 FROM sessions
		 WHERE project_id = $1 AND user_id = $2
		 ORDER BY started_at ASC, id ASC`,
		projectID,
		userID,
	)
}

func (p *Postgres) FindSessionsByUserInTimeRange(ctx context.Context, projectID, userID string, start, end time.Time) ([]Session, error) {
	return p.querySessions(
		ctx,
		`SELECT id, project_id, user_id, started_at, ended_at, duration_seconds
		 FROM sessions
		 WHERE project_id = $1 AND user_id = $2
		   AND started_at <= $4 AND ended_at >= $3
		 ORDER BY started_at ASC, id ASC`,
		projectID,
		userID,
		start.UTC(),
		end.UTC(),
	)
}

func (p *Postgres) querySessions(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]Session, 0)
	for rows.Next() {
		var session Session
		if err := rows.Scan(
			&session.ID,
			&session.ProjectID,
			&session.UserID,
			&session.StartedAt,
			&session.EndedAt,
			&session.DurationSeconds,
		); err != nil {
			return nil, err
		}
		session.StartedAt = session.StartedAt.UTC()
		session.EndedAt = session.EndedAt.UTC()
		sessions = append(sessions, session)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return sessions, nil
}

// DeleteSessions removes every stored row for the given session IDs,
// regardless of started_at. Deleting an absent ID is a no-op, which keeps
// retried merge attempts convergent.
func (p *Postgres) DeleteSessions(ctx context.Context, projectID string, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}

	_, err := p.pool.Exec(
		ctx,
		`DELETE FROM sessions
		 WHERE project_id = $1 AND id = ANY($2)`,
		projectID,
		sessionIDs,
	)
	return err
}

// UpsertSessions inserts replacement session rows keyed by
// (project_id, id, started_at). Re-upserting the same row updates it in
// place instead of duplicating it.
func (p *Postgres) UpsertSessions(ctx context.Context, projectID string, sessions []Session) error {
	if len(sessions) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, session := range sessions {
		batch.Queue(
			`INSERT INTO sessions (id, project_id, user_id, started_at, ended_at, duration_seconds)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (project_id, id, started_at) DO UPDATE
			 SET user_id = EXCLUDED.user_id,
			     ended_at = EXCLUDED.ended_at,
			     duration_seconds = EXCLUDED.duration_seconds`,
			session.ID,
			projectID,
			session.UserID,
			session.StartedAt.UTC(),
			session.EndedAt.UTC(),
			session.DurationSeconds,
		)
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range sessions {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}

	return results.Close()
}

func (p *Postgres) ReassignSessionOwnership(ctx context.Context, projectID string, sessionIDs []string, newUserID string) error {
	if len(sessionIDs) == 0 {
		return nil
	}

	_, err := p.pool.Exec(
		ctx,
		`UPDATE sessions
		 SET user_id = $3
		 WHERE project_id = $1 AND id = ANY($2)`,
		projectID,
		sessionIDs,
		newUserID,
	)
	return err
}

func (p *Postgres) ReassignEvents(ctx context.Context, projectID string, reassignments map[string]EventReassignment) error {
	if len(reassignments) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for eventID, target := range reassignments {
		batch.Queue(
			`UPDATE events
			 SET user_id = $3, session_id = $4
			 WHERE project_id = $1 AND id = $2`,
			projectID,
			eventID,
			target.NewUserID,
			target.NewSessionID,
		)
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range reassignments {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}

	return results.Close()
}
