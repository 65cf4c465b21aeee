package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nous-labs/huddle/pkg/apperr"
	"github.com/nous-labs/huddle/pkg/store"
)

// TaskStore is the task capability used by the task tools.
type TaskStore interface {
	CreateTask(ctx context.Context, nt store.NewTask) (*store.Task, bool, error)
	GetTask(ctx context.Context, id string) (*store.Task, error)
	FindTaskByTitle(ctx context.Context, roomID, title string) (*store.Task, error)
	ListTasks(ctx context.Context, roomID string, status *store.TaskStatus) ([]store.Task, error)
	UpdateTask(ctx context.Context, id string, u store.TaskUpdate) (*store.Task, error)
}

// MemberStore resolves room membership for assignee checks.
type MemberStore interface {
	Members(ctx context.Context, roomID string) (map[string]struct{}, error)
}

// NormalizeTitle lowercases a title and collapses its whitespace.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

// IdempotencyKey identifies one mutation caused by one message: the planned
// slot when the invocation has one, else the normalized content. Empty when
// there is no triggering message.
func IdempotencyKey(inv Invocation, content string) string {
	if inv.MessageID == "" {
		return ""
	}
	if inv.Slot != "" {
		return inv.MessageID + "/" + inv.Slot
	}
	return inv.MessageID + "/" + NormalizeTitle(content)
}

// ParseDue accepts RFC 3339 timestamps and YYYY-MM-DD dates (midnight UTC).
func ParseDue(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, apperr.Validation("due date %q is not YYYY-MM-DD or RFC 3339", s)
}

type taskTools struct {
	tasks     TaskStore
	members   MemberStore
	assistant string
	flight    singleflight.Group
}

type createResult struct {
	task    *store.Task
	created bool
}

// resolveAssignee maps the LLM's assignee onto a member id. "me" is the
// sender; the assistant's name or id is AssistantID.
func (t *taskTools) resolveAssignee(ctx context.Context, inv Invocation, raw string) (*string, error) {
	if raw == "" {
		return nil, nil
	}
	lower := strings.ToLower(raw)
	switch {
	case lower == "me" && inv.SenderID != "":
		id := inv.SenderID
		return &id, nil
	case lower == store.AssistantID || lower == "ai" || strings.EqualFold(raw, t.assistant):
		id := store.AssistantID
		return &id, nil
	}

	members, err := t.members.Members(ctx, inv.RoomID)
	if err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}
	if _, ok := members[raw]; ok {
		return &raw, nil
	}
	for id := range members {
		if strings.EqualFold(id, raw) {
			match := id
			return &match, nil
		}
	}
	return nil, apperr.Validation("assignee %q is not a member of this room", raw)
}

func (t *taskTools) create(ctx context.Context, inv Invocation) (Output, error) {
	title, _ := inv.Args["title"].(string)
	if title == "" {
		return Output{}, apperr.Validation("task title is empty")
	}
	if len([]rune(title)) > store.MaxTaskTitle {
		return Output{}, apperr.Validation("task title longer than %d characters", store.MaxTaskTitle)
	}

	assigneeArg, _ := inv.Args["assignee"].(string)
	assignee, err := t.resolveAssignee(ctx, inv, assigneeArg)
	if err != nil {
		return Output{}, err
	}

	var due *time.Time
	if s, _ := inv.Args["due_date"].(string); s != "" {
		d, err := ParseDue(s)
		if err != nil {
			return Output{}, err
		}
		due = &d
	}

	nt := store.NewTask{
		RoomID:    inv.RoomID,
		Title:     title,
		Assignee:  assignee,
		DueAt:     due,
		CreatedBy: store.AssistantID,
	}
	run := func() (any, error) {
		task, created, err := t.tasks.CreateTask(ctx, nt)
		if err != nil {
			return nil, err
		}
		return createResult{task: task, created: created}, nil
	}

	var v any
	if key := IdempotencyKey(inv, title); key != "" {
		nt.IdempotencyKey = key
		v, err, _ = t.flight.Do(key, run)
	} else {
		v, err = run()
	}
	if err != nil {
		return Output{}, err
	}
	res := v.(createResult)

	verb := "Created"
	if !res.created {
		verb = "Already tracked"
	}
	return Output{
		Text:    verb + " task: " + describeTask(*res.task),
		Task:    res.task,
		Created: res.created,
	}, nil
}

func (t *taskTools) list(ctx context.Context, inv Invocation) (Output, error) {
	var filter *store.TaskStatus
	if s, _ := inv.Args["status"].(string); s != "" {
		st, err := store.ParseTaskStatus(s)
		if err != nil {
			return Output{}, err
		}
		filter = &st
	}
	tasks, err := t.tasks.ListTasks(ctx, inv.RoomID, filter)
	if err != nil {
		return Output{}, err
	}
	if len(tasks) == 0 {
		if filter != nil {
			return Output{Text: fmt.Sprintf("No %s tasks.", *filter)}, nil
		}
		return Output{Text: "No tasks."}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d task(s):\n", len(tasks))
	for _, task := range tasks {
		b.WriteString("- ")
		b.WriteString(describeTask(task))
		b.WriteString("\n")
	}
	return Output{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (t *taskTools) update(ctx context.Context, inv Invocation) (Output, error) {
	id, _ := inv.Args["task_id"].(string)
	title, _ := inv.Args["title"].(string)
	if id == "" && title == "" {
		return Output{}, apperr.Validation("update_task needs task_id or title")
	}

	var u store.TaskUpdate
	if s, _ := inv.Args["status"].(string); s != "" {
		st, err := store.ParseTaskStatus(s)
		if err != nil {
			return Output{}, err
		}
		u.Status = &st
	}
	if s, _ := inv.Args["assignee"].(string); s != "" {
		a, err := t.resolveAssignee(ctx, inv, s)
		if err != nil {
			return Output{}, err
		}
		u.Assignee = a
	}
	if s, _ := inv.Args["due_date"].(string); s != "" {
		d, err := ParseDue(s)
		if err != nil {
			return Output{}, err
		}
		u.DueAt = &d
	}
	if u.Status == nil && u.Assignee == nil && u.DueAt == nil {
		return Output{}, apperr.Validation("update_task has nothing to change")
	}

	var task *store.Task
	var err error
	if id != "" {
		task, err = t.tasks.GetTask(ctx, id)
		if err == nil && task.RoomID != inv.RoomID {
			err = apperr.NotFound("task", id)
		}
	} else {
		task, err = t.tasks.FindTaskByTitle(ctx, inv.RoomID, title)
	}
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) && id == "" {
			return Output{}, apperr.NotFound("task titled", title)
		}
		return Output{}, err
	}

	updated, err := t.tasks.UpdateTask(ctx, task.ID, u)
	if err != nil {
		return Output{}, err
	}
	return Output{Text: "Updated task: " + describeTask(*updated), Task: updated}, nil
}

func describeTask(t store.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %q", t.Status, t.Title)
	if t.Assignee != nil {
		b.WriteString(" assigned to ")
		b.WriteString(*t.Assignee)
	}
	if t.DueAt != nil {
		b.WriteString(" due ")
		b.WriteString(t.DueAt.Format("2006-01-02"))
	}
	b.WriteString(" (id ")
	b.WriteString(t.ID)
	b.WriteString(")")
	return b.String()
}

func taskExecutors(tt *taskTools) []Executor {
	return []Executor{
		funcExecutor{
			definition: Definition{
				Name:        "create_task",
				Description: "Create a task in this room when someone commits to or asks for a piece of work.",
				Effect:      Mutating,
				Params: []Param{
					{Name: "title", Type: "string", Required: true, Description: "Short imperative title, at most 200 characters"},
					{Name: "assignee", Type: "string", Description: "User id of a room member, \"me\" for the sender, or \"assistant\""},
					{Name: "due_date", Type: "string", Description: "YYYY-MM-DD or RFC 3339 timestamp"},
				},
			},
			run: tt.create,
		},
		funcExecutor{
			definition: Definition{
				Name:        "list_tasks",
				Description: "List the tasks of this room, optionally filtered by status.",
				Effect:      ReadOnly,
				Params: []Param{
					{Name: "status", Type: "string", Enum: []string{string(store.TaskOpen), string(store.TaskDone)}},
				},
			},
			run: tt.list,
		},
		funcExecutor{
			definition: Definition{
				Name:        "update_task",
				Description: "Change the status, assignee or due date of an existing task, found by id or exact title.",
				Effect:      Mutating,
				Params: []Param{
					{Name: "task_id", Type: "string"},
					{Name: "title", Type: "string", Description: "Exact title of the task when the id is unknown"},
					{Name: "status", Type: "string", Enum: []string{string(store.TaskOpen), string(store.TaskDone)}},
					{Name: "assignee", Type: "string"},
					{Name: "due_date", Type: "string", Description: "YYYY-MM-DD or RFC 3339 timestamp"},
				},
			},
			run: tt.update,
		},
	}
}
