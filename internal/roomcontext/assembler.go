// Package roomcontext assembles the bounded snapshot of room state that an
// orchestration pass reasons over.
package roomcontext

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nous-labs/huddle/pkg/store"
)

// Limits bounds every section of the payload.
type Limits struct {
	Messages       int // default 20
	Tasks          int // default 50
	Goals          int // default 10
	KnowledgeItems int // default 5
	KnowledgeChars int // default 2000, total across excerpts
	Timeout        time.Duration
}

// DefaultLimits returns the stock payload bounds.
func DefaultLimits() Limits {
	return Limits{
		Messages:       20,
		Tasks:          50,
		Goals:          10,
		KnowledgeItems: 5,
		KnowledgeChars: 2000,
		Timeout:        3 * time.Second,
	}
}

// RoomSource reads room settings.
type RoomSource interface {
	GetRoom(ctx context.Context, id string) (*store.Room, error)
}

// MessageSource returns the last n messages of a room, oldest first.
type MessageSource interface {
	Recent(ctx context.Context, roomID string, n int) ([]store.Message, error)
}

// TaskSource lists a room's tasks.
type TaskSource interface {
	ListTasks(ctx context.Context, roomID string, status *store.TaskStatus) ([]store.Task, error)
}

// GoalSource lists a room's goals.
type GoalSource interface {
	Goals(ctx context.Context, roomID string, activeOnly bool, limit int) ([]store.Goal, error)
}

// KnowledgeSource returns knowledge entries relevant to query, best first.
type KnowledgeSource interface {
	Search(ctx context.Context, roomID, query string, limit int) ([]store.KnowledgeEntry, error)
}

// Payload is the ephemeral context of one orchestration pass.
type Payload struct {
	RoomID string
	// Instructions are the room owner's standing guidance, rendered by the
	// orchestrator ahead of everything else.
	Instructions string
	Messages  []store.Message
	Tasks     []store.Task
	Goals     []store.Goal
	Knowledge []store.KnowledgeEntry
	// Degraded names the optional sections that failed to load.
	Degraded []string
}

// Assembler builds payloads. Rooms, goals and knowledge are optional; nil
// sources yield empty sections.
type Assembler struct {
	rooms     RoomSource
	messages  MessageSource
	tasks     TaskSource
	goals     GoalSource
	knowledge KnowledgeSource
	limits    Limits
}

// New creates an assembler. Zero limits take their defaults.
func New(rooms RoomSource, messages MessageSource, tasks TaskSource, goals GoalSource, knowledge KnowledgeSource, limits Limits) *Assembler {
	def := DefaultLimits()
	if limits.Messages <= 0 {
		limits.Messages = def.Messages
	}
	if limits.Tasks <= 0 {
		limits.Tasks = def.Tasks
	}
	if limits.Goals <= 0 {
		limits.Goals = def.Goals
	}
	if limits.KnowledgeItems <= 0 {
		limits.KnowledgeItems = def.KnowledgeItems
	}
	if limits.KnowledgeChars <= 0 {
		limits.KnowledgeChars = def.KnowledgeChars
	}
	if limits.Timeout <= 0 {
		limits.Timeout = def.Timeout
	}
	return &Assembler{rooms: rooms, messages: messages, tasks: tasks, goals: goals, knowledge: knowledge, limits: limits}
}

// Build reads the room's instructions, recent messages, open tasks, active
// goals and the knowledge excerpts relevant to query. Messages and tasks are
// required; the other sections degrade to empty.
func (a *Assembler) Build(ctx context.Context, roomID, query string) (*Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, a.limits.Timeout)
	defer cancel()

	p := &Payload{RoomID: roomID}
	var roomErr, goalsErr, knowledgeErr error

	g, gctx := errgroup.WithContext(ctx)
	if a.rooms != nil {
		g.Go(func() error {
			room, err := a.rooms.GetRoom(gctx, roomID)
			if err != nil {
				roomErr = err
				return nil
			}
			p.Instructions = room.Instructions
			return nil
		})
	}
	g.Go(func() error {
		msgs, err := a.messages.Recent(gctx, roomID, a.limits.Messages)
		if err != nil {
			return fmt.Errorf("recent messages: %w", err)
		}
		if len(msgs) > a.limits.Messages {
			msgs = msgs[len(msgs)-a.limits.Messages:]
		}
		p.Messages = msgs
		return nil
	})
	g.Go(func() error {
		open := store.TaskOpen
		tasks, err := a.tasks.ListTasks(gctx, roomID, &open)
		if err != nil {
			return fmt.Errorf("open tasks: %w", err)
		}
		if len(tasks) > a.limits.Tasks {
			tasks = tasks[len(tasks)-a.limits.Tasks:]
		}
		p.Tasks = tasks
		return nil
	})
	if a.goals != nil {
		g.Go(func() error {
			goals, err := a.goals.Goals(gctx, roomID, true, a.limits.Goals)
			if err != nil {
				goalsErr = err
				return nil
			}
			if len(goals) > a.limits.Goals {
				goals = goals[:a.limits.Goals]
			}
			p.Goals = goals
			return nil
		})
	}
	if a.knowledge != nil && strings.TrimSpace(query) != "" {
		g.Go(func() error {
			entries, err := a.knowledge.Search(gctx, roomID, query, a.limits.KnowledgeItems)
			if err != nil {
				knowledgeErr = err
				return nil
			}
			p.Knowledge = capKnowledge(entries, a.limits.KnowledgeItems, a.limits.KnowledgeChars)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if roomErr != nil {
		slog.Warn("context room settings unavailable", "room", roomID, "error", roomErr)
		p.Instructions = ""
		p.Degraded = append(p.Degraded, "instructions")
	}
	if goalsErr != nil {
		slog.Warn("context goals unavailable", "room", roomID, "error", goalsErr)
		p.Goals = nil
		p.Degraded = append(p.Degraded, "goals")
	}
	if knowledgeErr != nil {
		slog.Warn("context knowledge unavailable", "room", roomID, "error", knowledgeErr)
		p.Knowledge = nil
		p.Degraded = append(p.Degraded, "knowledge")
	}
	return p, nil
}

// capKnowledge keeps entries in order until the character budget is spent.
// The entry that crosses the budget is cut; later entries are dropped.
func capKnowledge(entries []store.KnowledgeEntry, maxItems, maxChars int) []store.KnowledgeEntry {
	const minExcerpt = 40

	var out []store.KnowledgeEntry
	remaining := maxChars
	for _, e := range entries {
		if len(out) == maxItems || remaining <= 0 {
			break
		}
		content := []rune(e.Content)
		if len(content) > remaining {
			if remaining < minExcerpt {
				break
			}
			e.Content = string(content[:remaining-3]) + "..."
			content = []rune(e.Content)
		}
		remaining -= len(content)
		out = append(out, e)
	}
	return out
}

// Render formats the payload as the context section of a prompt.
func (p *Payload) Render() string {
	var b strings.Builder

	b.WriteString("## Recent messages\n")
	if len(p.Messages) == 0 {
		b.WriteString("(none)\n")
	}
	for _, m := range p.Messages {
		fmt.Fprintf(&b, "[%d] %s: %s\n", m.Seq, m.SenderID, m.Content)
	}

	b.WriteString("\n## Open tasks\n")
	if len(p.Tasks) == 0 {
		b.WriteString("(none)\n")
	}
	for _, t := range p.Tasks {
		fmt.Fprintf(&b, "- %s (id %s", t.Title, t.ID)
		if t.Assignee != nil {
			fmt.Fprintf(&b, ", assignee %s", *t.Assignee)
		}
		if t.DueAt != nil {
			fmt.Fprintf(&b, ", due %s", t.DueAt.Format("2006-01-02"))
		}
		b.WriteString(")\n")
	}

	b.WriteString("\n## Room goals\n")
	if len(p.Goals) == 0 {
		b.WriteString("(none)\n")
	}
	for _, g := range p.Goals {
		fmt.Fprintf(&b, "- [priority %d] %s\n", g.Priority, g.Description)
	}

	b.WriteString("\n## Knowledge base\n")
	if len(p.Knowledge) == 0 {
		b.WriteString("(none)\n")
	}
	for _, k := range p.Knowledge {
		if k.Source != "" {
			fmt.Fprintf(&b, "- (document %q) %s\n", k.Source, k.Content)
			continue
		}
		fmt.Fprintf(&b, "- (%s) %s\n", k.Kind, k.Content)
	}
	return b.String()
}
