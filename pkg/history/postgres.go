// Package history persists an audit trail of coordination runs and
// promotions. The spec store stays the system of record; history exists so
// operators can answer "who claimed what, when, and how did it end" after the
// markers have been garbage collected.
package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// RunRecord is one coordination attempt as stored.
type RunRecord struct {
	ID         string    `json:"id"`
	Builder    string    `json:"builder"`
	Baseline   string    `json:"baseline"`
	Candidate  string    `json:"candidate"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// PostgresStore persists runs and promotions to Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS coordination_runs (
    id TEXT PRIMARY KEY,
    builder TEXT NOT NULL,
    baseline TEXT NOT NULL,
    candidate TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    error TEXT
);
CREATE TABLE IF NOT EXISTS promotions (
    id TEXT PRIMARY KEY,
    candidate TEXT NOT NULL,
    promoted_by TEXT NOT NULL,
    promoted_at TIMESTAMPTZ NOT NULL
);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) RecordRun(rec RunRecord) error {
	query := `INSERT INTO coordination_runs (id, builder, baseline, candidate, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    updated_at = EXCLUDED.updated_at`
	_, err := s.db.Exec(query,
		rec.ID,
		rec.Builder,
		rec.Baseline,
		rec.Candidate,
		rec.Status,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) FinishRun(id, status, errMsg string) error {
	now := time.Now().UTC()
	query := `UPDATE coordination_runs SET status=$1, updated_at=$2, finished_at=$3, error=$4 WHERE id=$5`
	_, err := s.db.Exec(query, status, now, now, errMsg, id)
	return err
}

func (s *PostgresStore) RecordPromotion(candidate, promotedBy string) error {
	_, err := s.db.Exec(
		`INSERT INTO promotions (id, candidate, promoted_by, promoted_at) VALUES ($1,$2,$3,$4)`,
		uuid.NewString(), candidate, promotedBy, time.Now().UTC())
	return err
}

func (s *PostgresStore) ListRuns(limit int) ([]RunRecord, error) {
	rows, err := s.db.Query(`SELECT id, builder, baseline, candidate, status, created_at, updated_at, finished_at, error
FROM coordination_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var finishedAt sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Builder, &rec.Baseline, &rec.Candidate, &rec.Status,
			&rec.CreatedAt, &rec.UpdatedAt, &finishedAt, &errMsg); err != nil {
			return nil, err
		}
		if finishedAt.Valid {
			rec.FinishedAt = finishedAt.Time
		}
		if errMsg.Valid {
			rec.Error = errMsg.String
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

// LastPromotion returns the most recent promotion, or sql.ErrNoRows.
func (s *PostgresStore) LastPromotion() (candidate string, at time.Time, err error) {
	err = s.db.QueryRow(
		`SELECT candidate, promoted_at FROM promotions ORDER BY promoted_at DESC LIMIT 1`).
		Scan(&candidate, &at)
	return candidate, at, err
}
