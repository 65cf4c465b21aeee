package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nous-labs/huddle/internal/classifier"
	"github.com/nous-labs/huddle/internal/orchestrator"
	"github.com/nous-labs/huddle/pkg/apperr"
	"github.com/nous-labs/huddle/pkg/broadcast"
	"github.com/nous-labs/huddle/pkg/channel"
	"github.com/nous-labs/huddle/pkg/reminder"
	"github.com/nous-labs/huddle/pkg/store"
)

// relayTimeout bounds sending one assistant message to a bridged network.
const relayTimeout = 30 * time.Second

// Submission is one inbound human message.
type Submission struct {
	RoomID   string
	UserID   string
	Content  string
	ClientID string
}

// Outcome records what the pipeline did with one submission.
type Outcome struct {
	Message   *store.Message
	Duplicate bool
	Decision  classifier.Decision
	// State is set when the assistant decided to respond.
	State orchestrator.State
	// Reply is the persisted assistant message, if any.
	Reply *store.Message
	Err   error
}

// accepted is how a submitter learns the persisted message.
type accepted func(msg *store.Message, duplicate bool, err error)

// Submit queues sub behind the room's pending messages and returns once the
// message is persisted. Classification and the assistant reply continue in
// the room's worker; caller cancellation after acceptance only affects the
// caller's own delivery.
func (d *Daemon) Submit(ctx context.Context, sub Submission) (*store.Message, bool, error) {
	type result struct {
		msg *store.Message
		dup bool
		err error
	}
	done := make(chan result, 1)
	err := d.queue.Enqueue(sub.RoomID, func() {
		d.processMessage(ctx, sub, func(msg *store.Message, dup bool, err error) {
			done <- result{msg, dup, err}
		})
	})
	if err != nil {
		return nil, false, err
	}

	select {
	case r := <-done:
		return r.msg, r.dup, r.err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// processMessage runs one submission through the pipeline. It must run on
// the room's queue so persisted order equals broadcast order.
func (d *Daemon) processMessage(ctx context.Context, sub Submission, onAccepted accepted) *Outcome {
	// The caller going away must not cut a reply in half
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	msg, dup, err := d.store.Append(ctx, sub.RoomID, store.SenderHuman, sub.UserID, sub.Content,
		store.AppendOptions{ClientID: sub.ClientID})
	if onAccepted != nil {
		onAccepted(msg, dup, err)
	}
	if err != nil {
		return &Outcome{Err: err}
	}
	out := &Outcome{Message: msg, Duplicate: dup}

	if dup {
		// A retried submission: answered already means nothing left to do
		if reply, err := d.store.ReplyFor(ctx, msg.ID); err == nil {
			out.Reply = reply
			slog.Info("duplicate message already answered", "room", msg.RoomID, "message", msg.ID)
			return out
		}
	} else {
		d.gateway.Broadcast(msg.RoomID, broadcast.Frame{Type: broadcast.FrameMessage, RoomID: msg.RoomID, Message: msg})
	}

	window := d.classifier.Config().Window
	recent, err := d.store.Recent(ctx, msg.RoomID, window+1)
	if err != nil {
		slog.Warn("recent messages unavailable for classification", "room", msg.RoomID, "error", err)
	}
	out.Decision = d.classifier.ShouldRespond(ctx, *msg, recent)
	slog.Info("message classified",
		"room", msg.RoomID,
		"message", msg.ID,
		"respond", out.Decision.Respond,
		"rationale", out.Decision.Rationale,
		"rule", out.Decision.Rule,
	)
	if !out.Decision.Respond {
		return out
	}

	d.gateway.Broadcast(msg.RoomID, broadcast.Frame{
		Type:   broadcast.FrameStatus,
		RoomID: msg.RoomID,
		Text:   d.config.Name + " is thinking",
	})

	payload, err := d.assembler.Build(ctx, msg.RoomID, msg.Content)
	if err != nil {
		slog.Error("context assembly failed", "room", msg.RoomID, "message", msg.ID, "error", err)
		out.State = orchestrator.Aborted
		out.Err = fmt.Errorf("build context: %w: %w", apperr.ErrAborted, err)
		return out
	}

	reply := d.orchestrator.Respond(ctx, orchestrator.Request{Message: *msg, Context: payload})
	out.State = reply.State
	if reply.State == orchestrator.Aborted {
		out.Err = reply.Err
		return out
	}

	saved, _, err := d.store.Append(ctx, msg.RoomID, store.SenderAssistant, store.AssistantID, reply.Text,
		store.AppendOptions{ReplyTo: msg.ID})
	if err != nil {
		slog.Error("failed to persist reply", "room", msg.RoomID, "message", msg.ID, "error", err)
		out.Err = fmt.Errorf("persist reply: %w", err)
		return out
	}
	out.Reply = saved

	d.gateway.Broadcast(saved.RoomID, broadcast.Frame{Type: broadcast.FrameMessage, RoomID: saved.RoomID, Message: saved})
	for i := range reply.Tasks {
		d.gateway.Broadcast(saved.RoomID, broadcast.Frame{Type: broadcast.FrameTask, RoomID: saved.RoomID, Task: &reply.Tasks[i]})
	}
	d.relay(ctx, saved)

	slog.Info("reply sent",
		"room", msg.RoomID,
		"message", msg.ID,
		"state", reply.State,
		"tasks", len(reply.Tasks),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return out
}

// postReminder queues a reminder message for task in its room.
func (d *Daemon) postReminder(ctx context.Context, task store.Task) error {
	return d.queue.Enqueue(task.RoomID, func() {
		d.remind(context.WithoutCancel(ctx), task)
	})
}

func (d *Daemon) remind(ctx context.Context, task store.Task) {
	text := reminder.Text(task, time.Now().UTC())
	msg, dup, err := d.store.Append(ctx, task.RoomID, store.SenderAssistant, store.AssistantID, text,
		store.AppendOptions{ClientID: reminderClientID(task)})
	if err != nil {
		slog.Warn("failed to post reminder", "room", task.RoomID, "task", task.ID, "error", err)
		return
	}
	if dup {
		return
	}
	d.gateway.Broadcast(task.RoomID, broadcast.Frame{Type: broadcast.FrameReminder, RoomID: task.RoomID, Message: msg, Task: &task})
	d.relay(ctx, msg)
}

// reminderClientID is unique per task and due date, so a rescheduled task
// is reminded again but a retried job is not.
func reminderClientID(task store.Task) string {
	id := "reminder:" + task.ID
	if task.DueAt != nil {
		id += ":" + task.DueAt.UTC().Format(time.RFC3339)
	}
	return id
}

// relay sends an assistant message out to the room's bridge, if any.
func (d *Daemon) relay(ctx context.Context, msg *store.Message) {
	v, ok := d.bridged.Load(msg.RoomID)
	if !ok {
		return
	}
	ch := v.(channel.Channel)
	ctx, cancel := context.WithTimeout(ctx, relayTimeout)
	defer cancel()
	if err := ch.Send(ctx, channel.Response{RoomID: msg.RoomID, Content: msg.Content}); err != nil {
		slog.Warn("bridge relay failed", "channel", ch.Name(), "room", msg.RoomID, "error", err)
	}
}

// onChannelMessage returns the handler feeding a bridge into the pipeline.
// The bridge room becomes a huddle room with the same id; the event id is
// the client id, so redelivered events are stored once.
func (d *Daemon) onChannelMessage(ch channel.Channel) channel.MessageHandler {
	return func(ctx context.Context, msg channel.Message) error {
		name := msg.RoomName
		if name == "" {
			name = msg.RoomID
		}
		if _, err := d.store.EnsureRoom(ctx, msg.RoomID, name, msg.SenderID); err != nil {
			return fmt.Errorf("ensure room: %w", err)
		}
		d.bridged.Store(msg.RoomID, ch)

		sub := Submission{RoomID: msg.RoomID, UserID: msg.SenderID, Content: msg.Content}
		if msg.ID != "" {
			sub.ClientID = msg.Source + ":" + msg.ID
		}
		_, _, err := d.Submit(ctx, sub)
		return err
	}
}
