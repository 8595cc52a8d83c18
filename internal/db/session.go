package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/scg.report/internal/capture"
)

// Session is a row of the sessions table.
type Session struct {
	ID        string
	CreatedAt time.Time
	Status    string
	EndedAt   *time.Time
}

// CreateSession inserts a new session in the created state.
func (db *DB) CreateSession(ctx context.Context, id string, createdAt time.Time) (Session, error) {
	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at_ms, status) VALUES (?, ?, ?)`,
		id, toMillis(createdAt), StatusCreated,
	)
	if err != nil {
		return Session{}, fmt.Errorf("insert session %s: %w", id, err)
	}
	return Session{ID: id, CreatedAt: fromMillis(toMillis(createdAt)), Status: StatusCreated}, nil
}

func (db *DB) GetSession(ctx context.Context, id string) (Session, error) {
	return getSession(ctx, db.DB, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getSession(ctx context.Context, q queryRower, id string) (Session, error) {
	var (
		s       Session
		created int64
		ended   sql.NullInt64
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, created_at_ms, status, ended_at_ms FROM sessions WHERE id = ?`, id,
	).Scan(&s.ID, &created, &s.Status, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("query session %s: %w", id, err)
	}
	s.CreatedAt = fromMillis(created)
	if ended.Valid {
		t := fromMillis(ended.Int64)
		s.EndedAt = &t
	}
	return s, nil
}

// MarkActive moves a created session to active. Sessions that are already
// active or ended are left alone.
func (db *DB) MarkActive(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ? AND status = ?`,
		StatusActive, id, StatusCreated,
	)
	if err != nil {
		return fmt.Errorf("mark session %s active: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := db.GetSession(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// EndSession marks the session ended and stores its samples in one
// transaction. It returns the number of samples written.
func (db *DB) EndSession(ctx context.Context, id string, endedAt time.Time, samples []capture.RawSample) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	s, err := getSession(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	if s.Status == StatusEnded {
		return 0, ErrAlreadyEnded
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, ended_at_ms = ? WHERE id = ?`,
		StatusEnded, toMillis(endedAt), id,
	); err != nil {
		return 0, fmt.Errorf("end session %s: %w", id, err)
	}
	if err := insertSamples(ctx, tx, id, samples); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit end of session %s: %w", id, err)
	}
	return len(samples), nil
}

// InsertSamples appends samples to a session in a single transaction.
func (db *DB) InsertSamples(ctx context.Context, id string, samples []capture.RawSample) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertSamples(ctx, tx, id, samples); err != nil {
		return err
	}
	return tx.Commit()
}

func insertSamples(ctx context.Context, tx *sql.Tx, id string, samples []capture.RawSample) error {
	if len(samples) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO samples (session_id, t, ax, ay, az) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare sample insert: %w", err)
	}
	defer stmt.Close()
	for _, s := range samples {
		if _, err := stmt.ExecContext(ctx, id, s.T, s.Ax, s.Ay, s.Az); err != nil {
			return fmt.Errorf("insert sample for %s: %w", id, err)
		}
	}
	return nil
}

// SessionSamples returns every stored sample of a session ordered by t, ties
// in insertion order. Unknown sessions return ErrNotFound.
func (db *DB) SessionSamples(ctx context.Context, id string) ([]capture.RawSample, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT t, ax, ay, az FROM samples WHERE session_id = ? ORDER BY t, sample_id`, id)
	if err != nil {
		return nil, fmt.Errorf("query samples of %s: %w", id, err)
	}
	defer rows.Close()

	out := []capture.RawSample{}
	for rows.Next() {
		var s capture.RawSample
		if err := rows.Scan(&s.T, &s.Ax, &s.Ay, &s.Az); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if _, err := db.GetSession(ctx, id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SessionCount is a summary row for the admin listing.
type SessionCount struct {
	Session
	Samples int
}

// RecentSessions lists the newest sessions with their stored sample counts.
func (db *DB) RecentSessions(ctx context.Context, limit int) ([]SessionCount, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT s.id, s.created_at_ms, s.status, s.ended_at_ms, COUNT(x.sample_id)
		FROM sessions s LEFT JOIN samples x ON x.session_id = s.id
		GROUP BY s.id
		ORDER BY s.created_at_ms DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionCount
	for rows.Next() {
		var (
			sc      SessionCount
			created int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&sc.ID, &created, &sc.Status, &ended, &sc.Samples); err != nil {
			return nil, err
		}
		sc.CreatedAt = fromMillis(created)
		if ended.Valid {
			t := fromMillis(ended.Int64)
			sc.EndedAt = &t
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
