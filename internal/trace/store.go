package trace

import (
	"context"
	"database/sql"
	"time"
)

const maxCalls = 500

// Store persists call traces to PostgreSQL. The schema is owned by the store
// package migrations.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateCall inserts a call and prunes the oldest beyond the retention cap.
func (s *Store) CreateCall(ctx context.Context, c Call) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (id, stream_id, caller, callee, started_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.StreamID, c.Caller, c.Callee, c.StartedAt.UTC(),
	)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM calls WHERE id NOT IN (SELECT id FROM calls ORDER BY started_at DESC LIMIT $1)`,
		maxCalls,
	)
	return err
}

func (s *Store) EndCall(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE calls SET ended_at = $1, end_reason = $2 WHERE id = $3`,
		time.Now().UTC(), reason, id,
	)
	return err
}

func (s *Store) CreateTurn(ctx context.Context, id, callID string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, call_id, started_at, status) VALUES ($1, $2, $3, 'running')`,
		id, callID, startedAt.UTC(),
	)
	return err
}

func (s *Store) UpdateTurn(ctx context.Context, id string, durationMs float64, transcript, response, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE turns SET duration_ms = $1, transcript = $2, response = $3, status = $4 WHERE id = $5`,
		durationMs, transcript, response, status, id,
	)
	return err
}

func (s *Store) CreateSpan(ctx context.Context, sp Span) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spans (id, turn_id, name, started_at, duration_ms, input, output, status, error_msg)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sp.ID, sp.TurnID, sp.Name, sp.StartedAt.UTC(),
		sp.DurationMs, sp.Input, sp.Output, sp.Status, sp.Error,
	)
	return err
}

// ListCalls returns calls newest first, with turn counts and the total.
func (s *Store) ListCalls(ctx context.Context, limit, offset int) ([]Call, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calls`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.stream_id, c.caller, c.callee, c.started_at, c.ended_at, c.end_reason, COUNT(t.id)
		FROM calls c
		LEFT JOIN turns t ON t.call_id = c.id
		GROUP BY c.id
		ORDER BY c.started_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		var c Call
		var endedAt sql.NullTime
		if err = rows.Scan(&c.ID, &c.StreamID, &c.Caller, &c.Callee, &c.StartedAt, &endedAt, &c.EndReason, &c.TurnCount); err != nil {
			return nil, 0, err
		}
		if endedAt.Valid {
			c.EndedAt = &endedAt.Time
		}
		calls = append(calls, c)
	}
	return calls, total, rows.Err()
}

// GetCall returns a call with its turns in order.
func (s *Store) GetCall(ctx context.Context, id string) (*Call, []Turn, error) {
	var c Call
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, stream_id, caller, callee, started_at, ended_at, end_reason FROM calls WHERE id = $1`, id,
	).Scan(&c.ID, &c.StreamID, &c.Caller, &c.Callee, &c.StartedAt, &endedAt, &c.EndReason)
	if err != nil {
		return nil, nil, err
	}
	if endedAt.Valid {
		c.EndedAt = &endedAt.Time
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.call_id, t.started_at, t.duration_ms, t.transcript, t.response, t.status, COUNT(sp.id)
		FROM turns t
		LEFT JOIN spans sp ON sp.turn_id = t.id
		WHERE t.call_id = $1
		GROUP BY t.id
		ORDER BY t.started_at ASC
	`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err = rows.Scan(&t.ID, &t.CallID, &t.StartedAt, &t.DurationMs, &t.Transcript, &t.Response, &t.Status, &t.SpanCount); err != nil {
			return nil, nil, err
		}
		turns = append(turns, t)
	}
	return &c, turns, rows.Err()
}

// GetTurn returns a turn with its spans.
func (s *Store) GetTurn(ctx context.Context, callID, turnID string) (*Turn, []Span, error) {
	var t Turn
	err := s.db.QueryRowContext(ctx,
		`SELECT id, call_id, started_at, duration_ms, transcript, response, status FROM turns WHERE id = $1 AND call_id = $2`,
		turnID, callID,
	).Scan(&t.ID, &t.CallID, &t.StartedAt, &t.DurationMs, &t.Transcript, &t.Response, &t.Status)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, turn_id, name, started_at, duration_ms, input, output, status, error_msg FROM spans WHERE turn_id = $1 ORDER BY started_at ASC`,
		turnID,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var spans []Span
	for rows.Next() {
		var sp Span
		if err = rows.Scan(&sp.ID, &sp.TurnID, &sp.Name, &sp.StartedAt, &sp.DurationMs, &sp.Input, &sp.Output, &sp.Status, &sp.Error); err != nil {
			return nil, nil, err
		}
		spans = append(spans, sp)
	}
	return &t, spans, rows.Err()
}
