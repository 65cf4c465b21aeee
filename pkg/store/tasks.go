package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nous-labs/huddle/pkg/apperr"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskOpen TaskStatus = "open"
	TaskDone TaskStatus = "done"
)

// ParseTaskStatus validates a status string.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case TaskOpen, TaskDone:
		return st, nil
	}
	return "", apperr.Validation("unknown task status %q (want open or done)", s)
}

// MaxTaskTitle is the longest accepted task title in characters.
const MaxTaskTitle = 200

// Task is a room task. Tasks are never deleted.
type Task struct {
	ID         string     `json:"id"`
	RoomID     string     `json:"room_id"`
	Title      string     `json:"title"`
	Assignee   *string    `json:"assignee,omitempty"`
	DueAt      *time.Time `json:"due_at,omitempty"`
	Status     TaskStatus `json:"status"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	RemindedAt *time.Time `json:"reminded_at,omitempty"`
}

// NewTask holds the fields for CreateTask.
type NewTask struct {
	RoomID   string
	Title    string
	Assignee *string
	DueAt    *time.Time
	// CreatedBy is a user id or AssistantID.
	CreatedBy string
	// IdempotencyKey, when set, makes creation at-most-once per key.
	IdempotencyKey string
}

// TaskUpdate lists the mutable fields. Nil fields are left unchanged.
type TaskUpdate struct {
	Status   *TaskStatus
	Assignee *string
	DueAt    *time.Time
}

const taskColumns = `id, room_id, title, assignee, due_at, status, created_by, created_at, updated_at, reminded_at`

// CreateTask inserts a task. If another task already holds the same
// idempotency key, that task is returned with created=false.
func (s *Store) CreateTask(ctx context.Context, nt NewTask) (task *Task, created bool, err error) {
	title := strings.TrimSpace(nt.Title)
	if title == "" {
		return nil, false, apperr.Validation("task title is empty")
	}
	if len([]rune(title)) > MaxTaskTitle {
		return nil, false, apperr.Validation("task title longer than %d characters", MaxTaskTitle)
	}
	if err := s.roomExists(ctx, nt.RoomID); err != nil {
		return nil, false, err
	}

	var key any
	if nt.IdempotencyKey != "" {
		key = nt.IdempotencyKey
	}
	now := s.stamp()
	id := uuid.NewString()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, room_id, title, assignee, due_at, status, idempotency_key, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		id, nt.RoomID, title, optString(nt.Assignee), optTime(nt.DueAt), string(TaskOpen), key, nt.CreatedBy, now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("create task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.taskBy(ctx, `idempotency_key = ?`, nt.IdempotencyKey)
		if err != nil {
			return nil, false, fmt.Errorf("load existing task: %w", err)
		}
		return existing, false, nil
	}

	task, err = s.GetTask(ctx, id)
	return task, true, err
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := s.taskBy(ctx, `id = ?`, id)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// FindTaskByTitle returns the newest task in the room whose title matches,
// ignoring case and surrounding space.
func (s *Store) FindTaskByTitle(ctx context.Context, roomID, title string) (*Task, error) {
	return s.taskBy(ctx, `room_id = ? AND title = ? COLLATE NOCASE ORDER BY created_at DESC, id DESC LIMIT 1`,
		roomID, strings.TrimSpace(title))
}

// ListTasks returns the tasks of a room, oldest first. A nil status returns all.
func (s *Store) ListTasks(ctx context.Context, roomID string, status *TaskStatus) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE room_id = ?`
	args := []any{roomID}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return scanTasks(rows)
}

// UpdateTask applies the non-nil fields of u. Missing tasks return NotFound.
func (s *Store) UpdateTask(ctx context.Context, id string, u TaskUpdate) (*Task, error) {
	sets := []string{"updated_at = ?"}
	args := []any{s.stamp()}
	if u.Status != nil {
		if _, err := ParseTaskStatus(string(*u.Status)); err != nil {
			return nil, err
		}
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.Assignee != nil {
		sets = append(sets, "assignee = ?")
		if *u.Assignee == "" {
			args = append(args, nil)
		} else {
			args = append(args, *u.Assignee)
		}
	}
	if u.DueAt != nil {
		// A new due date re-arms the reminder
		sets = append(sets, "due_at = ?", "reminded_at = NULL")
		args = append(args, formatTime(*u.DueAt))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.NotFound("task", id)
	}
	return s.GetTask(ctx, id)
}

// OverdueTasks returns open tasks past their due date that have not been
// reminded yet, oldest due first.
func (s *Store) OverdueTasks(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'open' AND due_at IS NOT NULL AND due_at <= ? AND reminded_at IS NULL
		 ORDER BY due_at, id LIMIT ?`,
		formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("overdue tasks: %w", err)
	}
	return scanTasks(rows)
}

// MarkReminded records that a reminder was posted. It returns false when
// another worker marked the task first.
func (s *Store) MarkReminded(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET reminded_at = ? WHERE id = ? AND reminded_at IS NULL`, s.stamp(), id)
	if err != nil {
		return false, fmt.Errorf("mark reminded: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) taskBy(ctx context.Context, where string, args ...any) (*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, apperr.NotFound("task", fmt.Sprint(args[len(args)-1]))
	}
	return &tasks[0], nil
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		var status, createdAt, updatedAt string
		var assignee, dueAt, remindedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.RoomID, &t.Title, &assignee, &dueAt, &status,
			&t.CreatedBy, &createdAt, &updatedAt, &remindedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = TaskStatus(status)
		t.Assignee = nullString(assignee)
		t.DueAt = nullTime(dueAt)
		t.RemindedAt = nullTime(remindedAt)
		t.CreatedAt = parseTime(createdAt)
		t.UpdatedAt = parseTime(updatedAt)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
