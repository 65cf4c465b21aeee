package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"

	"github.com/nous-labs/huddle/pkg/apperr"
)

// Member roles.
const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

const roomColumns = `id, name, join_code, created_by, created_at, instructions`

const (
	joinCodeLen      = 8
	joinCodeAttempts = 5
)

// Room is a chat room. Members always contains at least the creator.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	JoinCode  string    `json:"join_code"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	// Instructions are the owner's standing guidance for the assistant.
	Instructions string   `json:"instructions,omitempty"`
	Members      []Member `json:"members,omitempty"`
}

// RoomSettings lists the owner-editable fields. Nil fields are unchanged.
type RoomSettings struct {
	Name         *string
	Instructions *string
}

// MaxInstructions is the longest accepted instructions text in characters.
const MaxInstructions = 2000

// Member is a user's membership in a room.
type Member struct {
	UserID   string    `json:"user_id"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// newJoinCode returns a short upper-case code. Codes compare case-insensitively.
func newJoinCode() string {
	return strings.ToUpper(shortuuid.New()[:joinCodeLen])
}

// CreateRoom creates a room with the creator as owner.
func (s *Store) CreateRoom(ctx context.Context, name, creator string) (*Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation("room name is required")
	}
	if strings.TrimSpace(creator) == "" {
		return nil, apperr.Validation("room creator is required")
	}
	return s.createRoom(ctx, uuid.NewString(), name, creator)
}

// EnsureRoom creates the room with the given id if it does not exist yet and
// makes sure user is a member. Used by bridges whose rooms have external ids.
func (s *Store) EnsureRoom(ctx context.Context, id, name, user string) (*Room, error) {
	room, err := s.GetRoom(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		room, err = s.createRoom(ctx, id, name, user)
		if err != nil {
			// Lost a race with another creator
			if room, err2 := s.GetRoom(ctx, id); err2 == nil {
				return room, s.AddMember(ctx, id, user, RoleMember)
			}
		}
		return room, err
	}
	if err != nil {
		return nil, err
	}
	return room, s.AddMember(ctx, id, user, RoleMember)
}

func (s *Store) createRoom(ctx context.Context, id, name, creator string) (*Room, error) {
	now := s.stamp()
	for attempt := 0; attempt < joinCodeAttempts; attempt++ {
		code := newJoinCode()

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("begin create room: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO rooms (id, name, join_code, created_by, created_at)
			 VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			id, name, code, creator, now,
		)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("insert room: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Join code collision: try a fresh code
			tx.Rollback()
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO room_members (room_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)`,
			id, creator, RoleOwner, now,
		); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("insert owner: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit create room: %w", err)
		}
		return s.GetRoom(ctx, id)
	}
	return nil, fmt.Errorf("allocate join code: %d collisions", joinCodeAttempts)
}

// GetRoom returns a room with its members.
func (s *Store) GetRoom(ctx context.Context, id string) (*Room, error) {
	return s.scanRoom(ctx, s.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE id = ?`, id), id)
}

// RoomByCode resolves a join code, ignoring case.
func (s *Store) RoomByCode(ctx context.Context, code string) (*Room, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, apperr.Validation("join code is required")
	}
	return s.scanRoom(ctx, s.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE join_code = ? COLLATE NOCASE`, code), code)
}

func (s *Store) scanRoom(ctx context.Context, row *sql.Row, key string) (*Room, error) {
	var r Room
	var createdAt string
	err := row.Scan(&r.ID, &r.Name, &r.JoinCode, &r.CreatedBy, &createdAt, &r.Instructions)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("room", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	r.CreatedAt = parseTime(createdAt)

	members, err := s.ListMembers(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	r.Members = members
	return &r, nil
}

// UpdateRoomSettings changes a room's name or assistant instructions. Only
// the owner may do so.
func (s *Store) UpdateRoomSettings(ctx context.Context, roomID, user string, rs RoomSettings) (*Room, error) {
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, user).Scan(&role)
	if err == sql.ErrNoRows {
		if err := s.roomExists(ctx, roomID); err != nil {
			return nil, err
		}
		return nil, apperr.Forbidden(user, roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("load member role: %w", err)
	}
	if role != RoleOwner {
		return nil, fmt.Errorf("only the room owner can change settings: %w", apperr.ErrForbidden)
	}

	var sets []string
	var args []any
	if rs.Name != nil {
		name := strings.TrimSpace(*rs.Name)
		if name == "" {
			return nil, apperr.Validation("room name is required")
		}
		sets = append(sets, "name = ?")
		args = append(args, name)
	}
	if rs.Instructions != nil {
		text := strings.TrimSpace(*rs.Instructions)
		if len([]rune(text)) > MaxInstructions {
			return nil, apperr.Validation("instructions longer than %d characters", MaxInstructions)
		}
		sets = append(sets, "instructions = ?")
		args = append(args, text)
	}
	if len(sets) == 0 {
		return nil, apperr.Validation("no settings to change")
	}

	args = append(args, roomID)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return nil, fmt.Errorf("update room settings: %w", err)
	}
	return s.GetRoom(ctx, roomID)
}

// JoinRoom adds user to the room identified by code. Joining twice is a no-op.
func (s *Store) JoinRoom(ctx context.Context, code, user string) (*Room, error) {
	if strings.TrimSpace(user) == "" {
		return nil, apperr.Validation("user id is required")
	}
	room, err := s.RoomByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.AddMember(ctx, room.ID, user, RoleMember); err != nil {
		return nil, err
	}
	return s.GetRoom(ctx, room.ID)
}

// AddMember inserts a membership unless it already exists.
func (s *Store) AddMember(ctx context.Context, roomID, user, role string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_members (room_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(room_id, user_id) DO NOTHING`,
		roomID, user, role, s.stamp(),
	)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// ListMembers returns the memberships of a room ordered by join time.
func (s *Store) ListMembers(ctx context.Context, roomID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, role, joined_at FROM room_members WHERE room_id = ? ORDER BY joined_at, user_id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		var joinedAt string
		if err := rows.Scan(&m.UserID, &m.Role, &joinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.JoinedAt = parseTime(joinedAt)
		members = append(members, m)
	}
	return members, rows.Err()
}

// Members returns the set of user ids in a room.
func (s *Store) Members(ctx context.Context, roomID string) (map[string]struct{}, error) {
	list, err := s.ListMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		if _, err := s.GetRoom(ctx, roomID); err != nil {
			return nil, err
		}
	}
	set := make(map[string]struct{}, len(list))
	for _, m := range list {
		set[m.UserID] = struct{}{}
	}
	return set, nil
}

// IsMember reports whether user belongs to the room.
func (s *Store) IsMember(ctx context.Context, roomID, user string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, user).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check member: %w", err)
	}
	return true, nil
}

func (s *Store) roomExists(ctx context.Context, roomID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM rooms WHERE id = ?`, roomID).Scan(&one)
	if err == sql.ErrNoRows {
		return apperr.NotFound("room", roomID)
	}
	if err != nil {
		return fmt.Errorf("check room: %w", err)
	}
	return nil
}
