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

// SenderKind distinguishes human and assistant messages.
type SenderKind string

const (
	SenderHuman     SenderKind = "human"
	SenderAssistant SenderKind = "assistant"
)

// AssistantID is the sender id of every assistant message.
const AssistantID = "assistant"

// Message is an immutable chat message. Seq is strictly increasing per room.
type Message struct {
	ID         string     `json:"id"`
	RoomID     string     `json:"room_id"`
	Seq        int64      `json:"seq"`
	SenderKind SenderKind `json:"sender_kind"`
	SenderID   string     `json:"sender_id"`
	Content    string     `json:"content"`
	ClientID   string     `json:"client_id,omitempty"`
	ReplyTo    string     `json:"reply_to,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// FromAssistant reports whether the assistant wrote the message.
func (m Message) FromAssistant() bool {
	return m.SenderKind == SenderAssistant
}

// AppendOptions carries the optional message fields.
type AppendOptions struct {
	// ClientID deduplicates retried submissions within a room.
	ClientID string
	// ReplyTo links an assistant reply to its trigger.
	ReplyTo string
}

const messageColumns = `id, room_id, seq, sender_kind, sender_id, content, client_id, reply_to, created_at`

// Append persists a message and assigns the next sequence number of the room.
// When opts.ClientID was already used in the room, the existing message is
// returned with duplicate=true and nothing is written.
func (s *Store) Append(ctx context.Context, roomID string, kind SenderKind, senderID, content string, opts AppendOptions) (msg *Message, duplicate bool, err error) {
	if kind != SenderHuman && kind != SenderAssistant {
		return nil, false, apperr.Validation("unknown sender kind %q", kind)
	}
	if strings.TrimSpace(content) == "" {
		return nil, false, apperr.Validation("message content is empty")
	}
	if err := s.roomExists(ctx, roomID); err != nil {
		return nil, false, err
	}

	var clientID, replyTo any
	if opts.ClientID != "" {
		clientID = opts.ClientID
	}
	if opts.ReplyTo != "" {
		replyTo = opts.ReplyTo
	}

	id := uuid.NewString()
	// Sequence assignment and insert are one statement, so concurrent
	// appends to the same room serialize inside SQLite.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?
		 FROM messages WHERE room_id = ?
		 ON CONFLICT DO NOTHING`,
		id, roomID, string(kind), senderID, content, clientID, replyTo, s.stamp(), roomID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("append message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.messageBy(ctx, `room_id = ? AND client_id = ?`, roomID, opts.ClientID)
		if err != nil {
			return nil, false, fmt.Errorf("load duplicate message: %w", err)
		}
		return existing, true, nil
	}

	msg, err = s.GetMessage(ctx, id)
	return msg, false, err
}

// GetMessage returns a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	return s.messageBy(ctx, `id = ?`, id)
}

// ReplyFor returns the assistant reply to the given trigger, or NotFound.
func (s *Store) ReplyFor(ctx context.Context, triggerID string) (*Message, error) {
	return s.messageBy(ctx, `reply_to = ? ORDER BY seq LIMIT 1`, triggerID)
}

func (s *Store) messageBy(ctx context.Context, where string, args ...any) (*Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, apperr.NotFound("message", fmt.Sprint(args...))
	}
	return &msgs[0], nil
}

// Recent returns the last n messages of a room in chronological order.
func (s *Store) Recent(ctx context.Context, roomID string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE room_id = ? ORDER BY seq DESC LIMIT ?`, roomID, n)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// History returns up to limit messages with seq greater than after, oldest
// first. Clients use it to catch up after a reconnect.
func (s *Store) History(ctx context.Context, roomID string, after int64, limit int) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE room_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		roomID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("message history: %w", err)
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var kind, createdAt string
		var clientID, replyTo sql.NullString
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Seq, &kind, &m.SenderID, &m.Content,
			&clientID, &replyTo, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.SenderKind = SenderKind(kind)
		m.ClientID = clientID.String
		m.ReplyTo = replyTo.String
		m.CreatedAt = parseTime(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
