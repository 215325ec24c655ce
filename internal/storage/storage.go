package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed call journal. It records what each call cost
// and how it ended; nothing here is consulted when answering a call.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the journal at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Workers write concurrently; SQLite takes one writer at a time.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS solve_calls (
            id TEXT PRIMARY KEY,
            method TEXT NOT NULL,
            status TEXT NOT NULL,
            centroids INTEGER,
            targets INTEGER,
            solve_time_ms REAL,
            failure_reason TEXT,
            created_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_solve_calls_created_at ON solve_calls(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_solve_calls_status ON solve_calls(status);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// CallRecord is one journaled call.
type CallRecord struct {
	ID            string        `json:"id"`
	Method        string        `json:"method"`
	Status        string        `json:"status"`
	Centroids     int           `json:"centroids"`
	Targets       int           `json:"targets"`
	SolveTime     time.Duration `json:"solveTime"`
	FailureReason string        `json:"failureReason,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// StatusSummary aggregates journaled calls sharing a method and status.
type StatusSummary struct {
	Method      string  `json:"method"`
	Status      string  `json:"status"`
	Count       int     `json:"count"`
	MeanSolveMS float64 `json:"meanSolveMs"`
}

// RecordCall appends a finished call.
func (s *Store) RecordCall(rec CallRecord) error {
	if s == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO solve_calls (id, method, status, centroids, targets, solve_time_ms, failure_reason, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Method, rec.Status, rec.Centroids, rec.Targets,
		float64(rec.SolveTime)/float64(time.Millisecond), rec.FailureReason, rec.CreatedAt.UnixMilli())
	return err
}

// RecentCalls returns the latest calls, newest first, up to limit.
func (s *Store) RecentCalls(limit int) ([]CallRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.Query(`SELECT id, method, status, centroids, targets, solve_time_ms, failure_reason, created_at FROM solve_calls ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []CallRecord
	for rows.Next() {
		var rec CallRecord
		var solveMS float64
		var reason sql.NullString
		var created int64
		if err := rows.Scan(&rec.ID, &rec.Method, &rec.Status, &rec.Centroids, &rec.Targets, &solveMS, &reason, &created); err != nil {
			return nil, err
		}
		rec.SolveTime = time.Duration(solveMS * float64(time.Millisecond))
		if reason.Valid {
			rec.FailureReason = reason.String
		}
		rec.CreatedAt = time.UnixMilli(created)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Summary counts calls per method and status with their mean solve time.
func (s *Store) Summary() ([]StatusSummary, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT method, status, COUNT(*), COALESCE(AVG(solve_time_ms), 0) FROM solve_calls GROUP BY method, status ORDER BY method, status;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatusSummary
	for rows.Next() {
		var sum StatusSummary
		if err := rows.Scan(&sum.Method, &sum.Status, &sum.Count, &sum.MeanSolveMS); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Prune deletes calls older than cutoff and reports how many were removed.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	if s == nil {
		return 0, nil
	}
	res, err := s.DB.Exec(`DELETE FROM solve_calls WHERE created_at < ?;`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
