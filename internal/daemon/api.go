package daemon

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nous-labs/huddle/internal/tools"
	"github.com/nous-labs/huddle/pkg/apperr"
	"github.com/nous-labs/huddle/pkg/broadcast"
	"github.com/nous-labs/huddle/pkg/store"
)

// maxBodyBytes caps JSON request bodies. Document uploads get room for the
// largest accepted document plus its JSON envelope.
const (
	maxBodyBytes     = 1 << 20
	maxDocumentBytes = store.MaxDocumentBytes + 64<<10
)

// Handler returns the HTTP API:
//
//	GET    /health
//	POST   /v1/rooms                       create a room
//	POST   /v1/rooms/join                  join by code
//	GET    /v1/rooms/{room}                room with members
//	PATCH  /v1/rooms/{room}/settings       name and instructions, owner only
//	GET    /v1/rooms/{room}/messages       history, ?after=&limit=
//	POST   /v1/rooms/{room}/messages       submit a message
//	GET    /v1/rooms/{room}/tasks          ?status=open|done
//	POST   /v1/rooms/{room}/tasks
//	PATCH  /v1/tasks/{task}
//	GET    /v1/rooms/{room}/goals          ?all=1 includes finished goals
//	POST   /v1/rooms/{room}/goals
//	PATCH  /v1/goals/{goal}
//	GET    /v1/rooms/{room}/knowledge      ?q= searches
//	POST   /v1/rooms/{room}/knowledge
//	DELETE /v1/knowledge/{id}
//	GET    /v1/rooms/{room}/documents      ?q= searches chunks
//	POST   /v1/rooms/{room}/documents      upload text
//	DELETE /v1/documents/{id}
//	GET    /v1/rooms/{room}/ws             websocket
//
// The caller's user id comes from the JSON body, the X-User-ID header or the
// user_id query parameter, in that order.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.HandleFunc("POST /v1/rooms", d.handleCreateRoom)
	mux.HandleFunc("POST /v1/rooms/join", d.handleJoinRoom)
	mux.HandleFunc("GET /v1/rooms/{room}", d.handleGetRoom)
	mux.HandleFunc("PATCH /v1/rooms/{room}/settings", d.handleRoomSettings)
	mux.HandleFunc("GET /v1/rooms/{room}/messages", d.handleHistory)
	mux.HandleFunc("POST /v1/rooms/{room}/messages", d.handlePostMessage)
	mux.HandleFunc("GET /v1/rooms/{room}/tasks", d.handleListTasks)
	mux.HandleFunc("POST /v1/rooms/{room}/tasks", d.handleCreateTask)
	mux.HandleFunc("PATCH /v1/tasks/{task}", d.handleUpdateTask)
	mux.HandleFunc("GET /v1/rooms/{room}/goals", d.handleListGoals)
	mux.HandleFunc("POST /v1/rooms/{room}/goals", d.handleAddGoal)
	mux.HandleFunc("PATCH /v1/goals/{goal}", d.handleUpdateGoal)
	mux.HandleFunc("GET /v1/rooms/{room}/knowledge", d.handleListKnowledge)
	mux.HandleFunc("POST /v1/rooms/{room}/knowledge", d.handleAddKnowledge)
	mux.HandleFunc("DELETE /v1/knowledge/{id}", d.handleDeleteKnowledge)
	mux.HandleFunc("GET /v1/rooms/{room}/documents", d.handleListDocuments)
	mux.HandleFunc("POST /v1/rooms/{room}/documents", d.handleAddDocument)
	mux.HandleFunc("DELETE /v1/documents/{id}", d.handleDeleteDocument)
	mux.HandleFunc("GET /v1/rooms/{room}/ws", d.handleWebSocket)
	return mux
}

// --- Health ---

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if !d.healthy.Load() {
		status, code = "starting", http.StatusServiceUnavailable
	}
	stats := d.store.Stats(r.Context())
	writeJSON(w, code, map[string]any{
		"status":          status,
		"uptime":          time.Since(d.startedAt).Round(time.Second).String(),
		"rooms":           stats.Rooms,
		"messages":        stats.Messages,
		"open_tasks":      stats.OpenTasks,
		"knowledge":       stats.Knowledge,
		"documents":       stats.Documents,
		"connections":     d.gateway.SubscriberCount(),
		"active_rooms":    d.queue.Active(),
		"semantic_memory": d.memory.ready(),
		"matrix":          d.matrix != nil,
	})
}

// --- Rooms ---

type roomRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Code   string `json:"code"`
}

type settingsRequest struct {
	UserID       string  `json:"user_id"`
	Name         *string `json:"name"`
	Instructions *string `json:"instructions"`
}

func (d *Daemon) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, ok := userFrom(w, r, req.UserID)
	if !ok {
		return
	}
	room, err := d.store.CreateRoom(r.Context(), req.Name, user)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("room created", "room", room.ID, "name", room.Name, "user", user)
	writeJSON(w, http.StatusCreated, room)
}

func (d *Daemon) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, ok := userFrom(w, r, req.UserID)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, apperr.Validation("join code is required"))
		return
	}
	room, err := d.store.JoinRoom(r.Context(), req.Code, user)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("room joined", "room", room.ID, "user", user)
	writeJSON(w, http.StatusOK, room)
}

func (d *Daemon) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := d.requireMember(w, r, "")
	if !ok {
		return
	}
	room, err := d.store.GetRoom(r.Context(), roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (d *Daemon) handleRoomSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, ok := userFrom(w, r, req.UserID)
	if !ok {
		return
	}
	room, err := d.store.UpdateRoomSettings(r.Context(), r.PathValue("room"), user, store.RoomSettings{
		Name:         req.Name,
		Instructions: req.Instructions,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("room settings updated", "room", room.ID, "user", user, "instructions_len", len(room.Instructions))
	d.gateway.Broadcast(room.ID, broadcast.Frame{Type: broadcast.FrameRoom, RoomID: room.ID, Room: room})
	writeJSON(w, http.StatusOK, room)
}

// --- Messages ---

type messageRequest struct {
	UserID   string `json:"user_id"`
	Content  string `json:"content"`
	ClientID string `json:"client_id"`
}

func (d *Daemon) handleHistory(w http.ResponseWriter, r *http.Request) {
	roomID, ok := d.requireMember(w, r, "")
	if !ok {
		return
	}
	after, err := queryInt(r, "after")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := d.store.History(r.Context(), roomID, after, int(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": nonNil(msgs)})
}

func (d *Daemon) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	roomID, ok := d.requireMember(w, r, req.UserID)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, apperr.Validation("message content is empty"))
		return
	}

	msg, dup, err := d.Submit(r.Context(), Submission{
		RoomID:   roomID,
		UserID:   userOf(r, req.UserID),
		Content:  req.Content,
		ClientID: req.ClientID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusCreated
	if dup {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{"message": msg, "duplicate": dup})
}

// --- Tasks ---

type taskRequest struct {
	UserID   string  `json:"user_id"`
	Title    string  `json:"title"`
	Assignee *string `json:"assignee"`
	DueDate  *string `json:"due_date"`
	Status   *string `json:"status"`
}

func (d *Daemon) handleListTasks(w http.ResponseWriter, r *http.Request) {
	roomID, ok := d.requireMember(w, r, "")
	if !ok {
		return
	}
	var status *store.TaskStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st, err := store.ParseTaskStatus(s)
		if err != nil {
			writeError(w, err)
			return
		}
		status = &st
	}
	tasks, err := d.store.ListTasks(r.Context(), roomID, status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": nonNil(tasks)})
}

func (d *Daemon) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	roomID, ok := d.requireMember(w, r, req.UserID)
	if !ok {
		return
	}
	ctx := r.Context()

	nt := store.NewTask{RoomID: roomID, Title: req.Title, CreatedBy: userOf(r, req.UserID)}
	if req.Assignee != nil && strings.TrimSpace(*req.Assignee) != "" {
		assignee, err := d.checkAssignee(r, roomID, nt.CreatedBy, *req.Assignee)
		if err != nil {
			writeError(w, err)
			return
		}
		nt.Assignee = &assignee
	}
	if req.DueDate != nil && strings.TrimSpace(*req.DueDate) != "" {
		due, err := tools.ParseDue(*req.DueDate)
		if err != nil {
			writeError(w, err)
			return
		}
		nt.DueAt = &due
	}

	task, _, err := d.store.CreateTask(ctx, nt)
	if err != nil {
		writeError(w, err)
		return
	}
	d.gateway.Broadcast(roomID, broadcast.Frame{Type: broadcast.FrameTask, RoomID: roomID, Task: task})
	writeJSON(w, http.StatusCreated, task)
}

func (d *Daemon) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, ok := userFrom(w, r, req.UserID)
	if !ok {
		return
	}
	ctx := r.Context()

	task, err := d.store.GetTask(ctx, r.PathValue("task"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := d.checkMember(r, task.RoomID, user); err != nil {
		writeError(w, err)
		return
	}

	var u store.TaskUpdate
	if req.Status != nil {
		st, err := store.ParseTaskStatus(*req.Status)
		if err != nil {
			writeError(w, err)
			return
		}
		u.Status = &st
	}
	if req.Assignee != nil {
		assignee, err := d.checkAssignee(r, task.RoomID, user, *req.Assignee)
		if err != nil {
			writeError(w, err)
			return
		}
		u.Assignee = &assignee
	}
	if req.DueDate != nil {
		due, err := tools.ParseDue(*req.DueDate)
		if err != nil {
			writeError(w, err)
			return
		}
		u.DueAt = &due
	}

	updated, err := d.store.UpdateTask(ctx, task.ID, u)
	if err != nil {
		writeError(w, err)
		return
	}
	d.gateway.Broadcast(updated.RoomID, broadcast.Frame{Type: broadcast.FrameTask, RoomID: updated.RoomID, Task: updated})
	writeJSON(w, http.StatusOK, updated)
}

// checkAssignee resolves an assignee the way the assistant's task tools do
// and requires the result to be a room member.
func (d *Daemon) checkAssignee(r *http.Request, roomID, user, assignee string) (string, error) {
	assignee = strings.TrimSpace(assignee)
	if strings.EqualFold(assignee, "me") {
		return user, nil
	}
	if strings.EqualFold(assignee, "ai") || strings.EqualFold(assignee, store.AssistantID) || strings.EqualFold(assignee, d.config.Name) {
		return store.AssistantID, nil
	}
	members, err := d.store.Members(r.Context(), roomID)
	if err != nil {
		return "", err
	}
	for m := range members {
		if strings.EqualFold(m, assignee) {
			return m, nil
		}
	}
	return "", apperr.Validation("assignee %q is not a member of the room", assignee)
}

// --- Goals ---

type goalRequest struct {
	UserID      string `json:"user_id"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	Status      string `json:"status"`
}

func (d *Daemon) handleListGoals(w http.ResponseWriter, r *http.Request) {
	roomID, ok := d.requireMember(w, r, "")
	if !ok {
		return
	}
	all := r.URL.Query().Get("all") != ""
	goals, err := d.store.Goals(r.Context(), roomID, !all, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"goals": nonNil(goals)})
}

func (d *Daemon) handleAddGoal(w http.ResponseWriter, r *http.Request) {
	var req goalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	roomID, ok := d.requireMember(w, r, req.UserID)
	if !ok {
		return
	}
	goal, err := d.store.AddGoal(r.Context(), roomID, req.Description, req.Priority)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, goal)
}

func (d *Daemon) handleUpdateGoal(w http.ResponseWriter, r *http.Request) {
	var req goalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, ok := userFrom(w, r, req.UserID)
	if !ok {
		return
	}
	ctx := r.Context()

	goal, err := d.store.GetGoal(ctx, r.PathValue("goal"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := d.checkMember(r, goal.RoomID, user); err != nil {
		writeError(w, err)
		return
	}
	if err := d.store.SetGoalStatus(ctx, goal.ID, strings.ToLower(strings.TrimSpace(req.Status))); err != nil {
		writeError(w, err)
		return
	}
	goal, err = d.store.GetGoal(ctx, goal.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, goal)
}

// --- Knowledge ---

type knowledgeRequest struct {
	UserID  string `json:"user_id"`
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

func (d *Daemon) handleListKnowledge(w http.ResponseWriter, r *http.Request) {
	roomID, ok := d.requireMember(w, r, "")
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	if limit <= 0 {
		limit = 50
	}

	var entries []store.KnowledgeEntry
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		entries, err = d.memory.Search(r.Context(), roomID, q, int(limit))
	} else {
		entries, err = d.store.ListKnowledge(r.Context(), roomID, int(limit))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"knowledge": nonNil(entries)})
}

func (d *Daemon) handleAddKnowledge(w http.ResponseWriter, r *http.Request) {
	var req knowledgeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	roomID, ok := d.requireMember(w, r, req.UserID)
	if !ok {
		return
	}
	kind := req.Kind
	if kind == "" {
		kind = store.KnowledgeNote
	}
	entry, created, err := d.store.AddKnowledge(r.Context(), store.NewKnowledge{
		RoomID:  roomID,
		Kind:    kind,
		Content: req.Content,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusCreated
	if !created {
		code = http.StatusOK
	}
	writeJSON(w, code, entry)
}

func (d *Daemon) handleDeleteKnowledge(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(w, r, "")
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, apperr.Validation("knowledge id must be an integer, got %q", r.PathValue("id")))
		return
	}
	ctx := r.Context()
	entry, err := d.store.GetKnowledge(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := d.checkMember(r, entry.RoomID, user); err != nil {
		writeError(w, err)
		return
	}
	if err := d.store.DeleteKnowledge(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Documents ---

type documentRequest struct {
	UserID  string `json:"user_id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (d *Daemon) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	roomID, ok := d.requireMember(w, r, "")
	if !ok {
		return
	}
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		limit, err := queryInt(r, "limit")
		if err != nil {
			writeError(w, err)
			return
		}
		chunks, err := d.memory.SearchDocuments(r.Context(), roomID, q, int(limit))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"chunks": nonNil(chunks)})
		return
	}
	docs, err := d.store.ListDocuments(r.Context(), roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": nonNil(docs)})
}

func (d *Daemon) handleAddDocument(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if !decodeBodyLimit(w, r, &req, maxDocumentBytes) {
		return
	}
	roomID, ok := d.requireMember(w, r, req.UserID)
	if !ok {
		return
	}
	doc, err := d.store.AddDocument(r.Context(), store.NewDocument{
		RoomID:     roomID,
		Title:      req.Title,
		Content:    req.Content,
		UploadedBy: userOf(r, req.UserID),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("document uploaded", "room", roomID, "document", doc.ID, "title", doc.Title, "chunks", doc.ChunkCount)
	d.gateway.Broadcast(roomID, broadcast.Frame{Type: broadcast.FrameDocument, RoomID: roomID, Document: doc})
	writeJSON(w, http.StatusCreated, doc)
}

func (d *Daemon) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(w, r, "")
	if !ok {
		return
	}
	ctx := r.Context()
	doc, err := d.store.GetDocument(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := d.checkMember(r, doc.RoomID, user); err != nil {
		writeError(w, err)
		return
	}
	if _, err := d.store.DeleteDocument(ctx, doc.ID); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("document deleted", "room", doc.RoomID, "document", doc.ID, "user", user)
	d.gateway.Broadcast(doc.RoomID, broadcast.Frame{Type: broadcast.FrameDocumentDeleted, RoomID: doc.RoomID, Document: doc})
	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

// requireMember resolves the {room} path value and checks the caller belongs
// to it. It writes the error response and returns false on failure.
func (d *Daemon) requireMember(w http.ResponseWriter, r *http.Request, bodyUser string) (string, bool) {
	roomID := r.PathValue("room")
	user, ok := userFrom(w, r, bodyUser)
	if !ok {
		return "", false
	}
	if err := d.checkMember(r, roomID, user); err != nil {
		writeError(w, err)
		return "", false
	}
	return roomID, true
}

func (d *Daemon) checkMember(r *http.Request, roomID, user string) error {
	if _, err := d.store.GetRoom(r.Context(), roomID); err != nil {
		return err
	}
	member, err := d.store.IsMember(r.Context(), roomID, user)
	if err != nil {
		return err
	}
	if !member {
		return apperr.Forbidden(user, roomID)
	}
	return nil
}

func userOf(r *http.Request, bodyUser string) string {
	for _, u := range []string{bodyUser, r.Header.Get("X-User-ID"), r.URL.Query().Get("user_id")} {
		if u = strings.TrimSpace(u); u != "" {
			return u
		}
	}
	return ""
}

func userFrom(w http.ResponseWriter, r *http.Request, bodyUser string) (string, bool) {
	user := userOf(r, bodyUser)
	if user == "" {
		writeError(w, apperr.Validation("user_id is required"))
		return "", false
	}
	return user, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	return decodeBodyLimit(w, r, v, maxBodyBytes)
}

func decodeBodyLimit(w http.ResponseWriter, r *http.Request, v any, limit int64) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, limit)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, apperr.Validation("invalid JSON body: %v", err))
		return false
	}
	return true
}

func queryInt(r *http.Request, key string) (int64, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, apperr.Validation("%s must be a non-negative integer, got %q", key, s)
	}
	return n, nil
}

// nonNil keeps empty lists as [] in JSON.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch apperr.Kind(err) {
	case "validation":
		code = http.StatusBadRequest
	case "not_found":
		code = http.StatusNotFound
	case "forbidden":
		code = http.StatusForbidden
	case "unavailable":
		code = http.StatusServiceUnavailable
	default:
		if errors.Is(err, errQueueClosed) {
			code = http.StatusServiceUnavailable
		}
	}
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
