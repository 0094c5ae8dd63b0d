package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentkernel/agentkernel/internal/core"
)

// GetPresent returns the single present-state row, defaulting to an
// empty mission/status and an empty task list if never written.
func (s *Store) GetPresent() (core.PresentState, error) {
	var mission, status sql.NullString
	var tasksJSON string
	var updatedAt time.Time

	err := s.db.QueryRow(`SELECT mission, status, tasks, updated_at FROM present_state WHERE id = 1`).
		Scan(&mission, &status, &tasksJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.PresentState{Tasks: []core.Task{}}, nil
	}
	if err != nil {
		return core.PresentState{}, fmt.Errorf("get present state: %w", err)
	}

	var tasks []core.Task
	if err := json.Unmarshal([]byte(tasksJSON), &tasks); err != nil {
		return core.PresentState{}, fmt.Errorf("unmarshal tasks: %w", err)
	}
	return core.PresentState{
		Mission:   mission.String,
		Status:    status.String,
		Tasks:     tasks,
		UpdatedAt: updatedAt,
	}, nil
}

// SetMission unconditionally overwrites the mission field.
func (s *Store) SetMission(mission string) error {
	return s.upsertPresent(func(p *core.PresentState) { p.Mission = mission })
}

// SetStatus unconditionally overwrites the status field.
func (s *Store) SetStatus(status string) error {
	return s.upsertPresent(func(p *core.PresentState) { p.Status = status })
}

// SetTasks unconditionally overwrites the task list.
func (s *Store) SetTasks(tasks []core.Task) error {
	return s.upsertPresent(func(p *core.PresentState) { p.Tasks = tasks })
}

func (s *Store) upsertPresent(mutate func(*core.PresentState)) error {
	current, err := s.GetPresent()
	if err != nil {
		return err
	}
	mutate(&current)
	current.UpdatedAt = time.Now()

	tasksJSON, err := json.Marshal(current.Tasks)
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO present_state (id, mission, status, tasks, updated_at) VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET mission = excluded.mission, status = excluded.status, tasks = excluded.tasks, updated_at = excluded.updated_at`,
		nullableString(current.Mission), nullableString(current.Status), string(tasksJSON), current.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("write present state: %w", err)
	}
	return nil
}
