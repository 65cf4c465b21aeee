package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nous-labs/huddle/pkg/apperr"
)

// Goal statuses.
const (
	GoalActive  = "active"
	GoalDone    = "done"
	GoalStalled = "stalled"
)

// Goal is a room-level objective shown to the assistant.
type Goal struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	Description string    `json:"description"`
	Priority    int       `json:"priority"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// AddGoal creates an active goal.
func (s *Store) AddGoal(ctx context.Context, roomID, description string, priority int) (*Goal, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, apperr.Validation("goal description is empty")
	}
	if err := s.roomExists(ctx, roomID); err != nil {
		return nil, err
	}
	g := &Goal{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		Description: description,
		Priority:    priority,
		Status:      GoalActive,
		CreatedAt:   s.now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO goals (id, room_id, description, priority, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.RoomID, g.Description, g.Priority, g.Status, formatTime(g.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("add goal: %w", err)
	}
	return g, nil
}

// GetGoal returns a goal by id.
func (s *Store) GetGoal(ctx context.Context, id string) (*Goal, error) {
	var g Goal
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, room_id, description, priority, status, created_at FROM goals WHERE id = ?`, id,
	).Scan(&g.ID, &g.RoomID, &g.Description, &g.Priority, &g.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("goal", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get goal: %w", err)
	}
	g.CreatedAt = parseTime(createdAt)
	return &g, nil
}

// SetGoalStatus changes a goal's status.
func (s *Store) SetGoalStatus(ctx context.Context, id, status string) error {
	switch status {
	case GoalActive, GoalDone, GoalStalled:
	default:
		return apperr.Validation("unknown goal status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE goals SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set goal status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("goal", id)
	}
	return nil
}

// Goals returns the goals of a room, highest priority first. When activeOnly
// is set, done and stalled goals are skipped.
func (s *Store) Goals(ctx context.Context, roomID string, activeOnly bool, limit int) ([]Goal, error) {
	query := `SELECT id, room_id, description, priority, status, created_at FROM goals WHERE room_id = ?`
	if activeOnly {
		query += ` AND status = 'active'`
	}
	query += ` ORDER BY priority DESC, id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("list goals: %w", err)
	}
	defer rows.Close()

	var goals []Goal
	for rows.Next() {
		var g Goal
		var createdAt string
		if err := rows.Scan(&g.ID, &g.RoomID, &g.Description, &g.Priority, &g.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		g.CreatedAt = parseTime(createdAt)
		goals = append(goals, g)
	}
	return goals, rows.Err()
}
