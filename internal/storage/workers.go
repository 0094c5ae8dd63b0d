package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/agentkernel/agentkernel/internal/core"
)

// CreateWorker inserts a new worker row in the running state.
func (s *Store) CreateWorker(w core.Worker) error {
	if w.StartedAt.IsZero() {
		w.StartedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO workers (id, type, status, started_at, completed_at, error) VALUES (?, ?, ?, ?, NULL, NULL)`,
		w.ID, string(w.Type), string(core.WorkerRunning), w.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	return nil
}

// CompleteWorker marks a worker row completed.
func (s *Store) CompleteWorker(id string) error {
	_, err := s.db.Exec(
		`UPDATE workers SET status = ?, completed_at = ? WHERE id = ?`,
		string(core.WorkerCompleted), time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("complete worker: %w", err)
	}
	return nil
}

// FailWorker marks a worker row failed with the given error message.
func (s *Store) FailWorker(id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.Exec(
		`UPDATE workers SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		string(core.WorkerFailed), time.Now(), msg, id,
	)
	if err != nil {
		return fmt.Errorf("fail worker: %w", err)
	}
	return nil
}

// GetWorker returns a single worker row by id, or nil if absent.
func (s *Store) GetWorker(id string) (*core.Worker, error) {
	var w core.Worker
	var status string
	var completedAt sql.NullTime
	var errMsg sql.NullString

	err := s.db.QueryRow(
		`SELECT id, type, status, started_at, completed_at, error FROM workers WHERE id = ?`, id,
	).Scan(&w.ID, &w.Type, &status, &w.StartedAt, &completedAt, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	w.Status = core.WorkerStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		w.CompletedAt = &t
	}
	w.Error = errMsg.String
	return &w, nil
}
