package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/huddle/internal/llm"
	"github.com/nous-labs/huddle/pkg/broadcast"
	"github.com/nous-labs/huddle/pkg/store"
)

func newTestServer(t *testing.T, model *scriptLLM) (*testEnv, *httptest.Server) {
	t.Helper()
	env := newTestEnv(t, model)
	srv := httptest.NewServer(env.d.Handler())
	t.Cleanup(srv.Close)
	return env, srv
}

func call(t *testing.T, srv *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthReportsStarting(t *testing.T) {
	env, srv := newTestServer(t, &scriptLLM{})

	var body map[string]any
	assert.Equal(t, http.StatusServiceUnavailable, call(t, srv, http.MethodGet, "/health", nil, &body))
	assert.Equal(t, "starting", body["status"])

	env.d.healthy.Store(true)
	assert.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/health", nil, &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["rooms"])
}

func TestRoomLifecycle(t *testing.T) {
	_, srv := newTestServer(t, &scriptLLM{})

	var room store.Room
	code := call(t, srv, http.MethodPost, "/v1/rooms", map[string]string{"name": "Design", "user_id": "dana"}, &room)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "Design", room.Name)
	assert.NotEmpty(t, room.JoinCode)

	var joined store.Room
	code = call(t, srv, http.MethodPost, "/v1/rooms/join", map[string]string{"code": strings.ToLower(room.JoinCode), "user_id": "erin"}, &joined)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, room.ID, joined.ID)

	var got store.Room
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/v1/rooms/"+room.ID+"?user_id=erin", nil, &got))
	assert.Len(t, got.Members, 2)

	var errBody map[string]string
	assert.Equal(t, http.StatusForbidden, call(t, srv, http.MethodGet, "/v1/rooms/"+room.ID+"?user_id=mallory", nil, &errBody))
	assert.Contains(t, errBody["error"], "not a member")
	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodGet, "/v1/rooms/"+room.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, srv, http.MethodGet, "/v1/rooms/missing?user_id=erin", nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, srv, http.MethodPost, "/v1/rooms/join", map[string]string{"code": "NOPE1234", "user_id": "erin"}, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodPost, "/v1/rooms", map[string]string{"user_id": "dana"}, nil))
}

func TestPostMessageAndHistory(t *testing.T) {
	env, srv := newTestServer(t, &scriptLLM{})
	path := "/v1/rooms/" + env.room.ID + "/messages"

	var first struct {
		Message   store.Message `json:"message"`
		Duplicate bool          `json:"duplicate"`
	}
	body := map[string]string{"user_id": "bob", "content": "morning all", "client_id": "b-1"}
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, path, body, &first))
	assert.False(t, first.Duplicate)
	assert.Equal(t, int64(1), first.Message.Seq)

	var again struct {
		Message   store.Message `json:"message"`
		Duplicate bool          `json:"duplicate"`
	}
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, path, body, &again))
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Message.ID, again.Message.ID)

	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodPost, path, map[string]string{"user_id": "bob", "content": "  "}, nil))
	assert.Equal(t, http.StatusForbidden, call(t, srv, http.MethodPost, path, map[string]string{"user_id": "eve", "content": "hi"}, nil))

	env.d.queue.Close()
	var hist struct {
		Messages []store.Message `json:"messages"`
	}
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, path+"?user_id=alice&after=0", nil, &hist))
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, "morning all", hist.Messages[0].Content)

	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodGet, path+"?user_id=alice&after=x", nil, nil))
}

func TestTaskEndpoints(t *testing.T) {
	env, srv := newTestServer(t, &scriptLLM{})
	sub := env.d.gateway.Subscribe(env.room.ID, "conn-1")
	path := "/v1/rooms/" + env.room.ID + "/tasks"

	var task store.Task
	code := call(t, srv, http.MethodPost, path, map[string]string{
		"user_id": "alice", "title": "Book venue", "assignee": "BOB", "due_date": "2030-05-01",
	}, &task)
	require.Equal(t, http.StatusCreated, code)
	require.NotNil(t, task.Assignee)
	assert.Equal(t, "bob", *task.Assignee)
	require.NotNil(t, task.DueAt)
	assert.Equal(t, "2030-05-01", task.DueAt.Format("2006-01-02"))

	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodPost, path, map[string]string{"user_id": "alice", "title": "x", "assignee": "zed"}, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodPost, path, map[string]string{"user_id": "alice", "title": "x", "due_date": "tomorrow"}, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodPost, path, map[string]string{"user_id": "alice", "title": ""}, nil))

	var updated store.Task
	code = call(t, srv, http.MethodPatch, "/v1/tasks/"+task.ID, map[string]string{"user_id": "bob", "status": "done"}, &updated)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, store.TaskDone, updated.Status)

	assert.Equal(t, http.StatusForbidden, call(t, srv, http.MethodPatch, "/v1/tasks/"+task.ID, map[string]string{"user_id": "eve", "status": "open"}, nil))
	assert.Equal(t, http.StatusNotFound, call(t, srv, http.MethodPatch, "/v1/tasks/missing", map[string]string{"user_id": "bob", "status": "open"}, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodPatch, "/v1/tasks/"+task.ID, map[string]string{"user_id": "bob", "status": "blocked"}, nil))

	var open struct {
		Tasks []store.Task `json:"tasks"`
	}
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, path+"?user_id=alice&status=open", nil, &open))
	assert.Empty(t, open.Tasks)
	assert.NotNil(t, open.Tasks)

	frames := drain(sub)
	assert.Equal(t, []string{broadcast.FrameTask, broadcast.FrameTask}, frameTypes(frames))
	assert.Equal(t, store.TaskDone, frames[1].Task.Status)
}

func TestGoalEndpoints(t *testing.T) {
	env, srv := newTestServer(t, &scriptLLM{})
	path := "/v1/rooms/" + env.room.ID + "/goals"

	var goal store.Goal
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, path, map[string]any{
		"user_id": "alice", "description": "Launch v2 by June", "priority": 3,
	}, &goal))
	assert.Equal(t, store.GoalActive, goal.Status)

	var updated store.Goal
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPatch, "/v1/goals/"+goal.ID, map[string]string{"user_id": "bob", "status": "done"}, &updated))
	assert.Equal(t, store.GoalDone, updated.Status)
	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodPatch, "/v1/goals/"+goal.ID, map[string]string{"user_id": "bob", "status": "someday"}, nil))

	var active, all struct {
		Goals []store.Goal `json:"goals"`
	}
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, path+"?user_id=alice", nil, &active))
	assert.Empty(t, active.Goals)
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, path+"?user_id=alice&all=1", nil, &all))
	assert.Len(t, all.Goals, 1)
}

func TestKnowledgeEndpoints(t *testing.T) {
	env, srv := newTestServer(t, &scriptLLM{})
	path := "/v1/rooms/" + env.room.ID + "/knowledge"

	for _, content := range []string{"The staging database lives in eu-west-1", "Standup is at 9:30"} {
		require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, path, map[string]string{"user_id": "alice", "content": content}, nil))
	}

	var found struct {
		Knowledge []store.KnowledgeEntry `json:"knowledge"`
	}
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, path+"?user_id=bob&q=staging", nil, &found))
	require.Len(t, found.Knowledge, 1)
	assert.Contains(t, found.Knowledge[0].Content, "eu-west-1")
	assert.Equal(t, store.KnowledgeNote, found.Knowledge[0].Kind)

	var listed struct {
		Knowledge []store.KnowledgeEntry `json:"knowledge"`
	}
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, path+"?user_id=bob", nil, &listed))
	assert.Len(t, listed.Knowledge, 2)
}

func dialRoom(t *testing.T, srv *httptest.Server, roomID, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/rooms/" + roomID + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) broadcast.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f broadcast.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWebSocketStreamsRoomFrames(t *testing.T) {
	model := &scriptLLM{plan: &llm.CompletionResponse{Content: "Morning, Alice!"}}
	env, srv := newTestServer(t, model)
	conn := dialRoom(t, srv, env.room.ID, "user_id=alice")

	require.Eventually(t, func() bool {
		return len(env.d.gateway.OpenConnections(env.room.ID)) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "content": "morning huddle", "client_id": "a-1"}))

	f := readFrame(t, conn)
	require.Equal(t, broadcast.FrameMessage, f.Type)
	assert.Equal(t, "alice", f.Message.SenderID)

	assert.Equal(t, broadcast.FrameStatus, readFrame(t, conn).Type)

	f = readFrame(t, conn)
	require.Equal(t, broadcast.FrameMessage, f.Type)
	assert.Equal(t, store.SenderAssistant, f.Message.SenderKind)
	assert.Equal(t, "Morning, Alice!", f.Message.Content)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "content": ""}))
	f = readFrame(t, conn)
	assert.Equal(t, broadcast.FrameError, f.Type)
	assert.Contains(t, f.Text, "empty")
}

func TestWebSocketReplaysAfterSeq(t *testing.T) {
	env, srv := newTestServer(t, &scriptLLM{})
	ctx := context.Background()
	for _, content := range []string{"one", "two", "three"} {
		_, _, err := env.store.Append(ctx, env.room.ID, store.SenderHuman, "bob", content, store.AppendOptions{})
		require.NoError(t, err)
	}

	conn := dialRoom(t, srv, env.room.ID, "user_id=alice&after=1")
	assert.Equal(t, "two", readFrame(t, conn).Message.Content)
	assert.Equal(t, "three", readFrame(t, conn).Message.Content)
}

func TestWebSocketRejectsNonMembers(t *testing.T) {
	env, srv := newTestServer(t, &scriptLLM{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/rooms/" + env.room.ID + "/ws?user_id=eve"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRoomSettingsEndpoint(t *testing.T) {
	env, srv := newTestServer(t, &scriptLLM{})
	sub := env.d.gateway.Subscribe(env.room.ID, "conn-1")
	path := "/v1/rooms/" + env.room.ID + "/settings"

	var room store.Room
	code := call(t, srv, http.MethodPatch, path, map[string]string{"user_id": "alice", "instructions": "Keep replies under three sentences."}, &room)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Keep replies under three sentences.", room.Instructions)
	assert.Equal(t, "Launch", room.Name)

	var errBody map[string]string
	assert.Equal(t, http.StatusForbidden, call(t, srv, http.MethodPatch, path, map[string]string{"user_id": "bob", "name": "Mine"}, &errBody))
	assert.Contains(t, errBody["error"], "owner")
	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodPatch, path, map[string]string{"user_id": "alice"}, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodPatch, path, map[string]string{"user_id": "alice", "instructions": strings.Repeat("x", store.MaxInstructions+1)}, nil))
	assert.Equal(t, http.StatusNotFound, call(t, srv, http.MethodPatch, "/v1/rooms/missing/settings", map[string]string{"user_id": "alice", "name": "x"}, nil))

	frames := drain(sub)
	require.Equal(t, []string{broadcast.FrameRoom}, frameTypes(frames))
	assert.Equal(t, "Keep replies under three sentences.", frames[0].Room.Instructions)

	got, err := env.store.GetRoom(context.Background(), env.room.ID)
	require.NoError(t, err)
	assert.Equal(t, "Keep replies under three sentences.", got.Instructions)
}

func TestDocumentEndpoints(t *testing.T) {
	env, srv := newTestServer(t, &scriptLLM{})
	sub := env.d.gateway.Subscribe(env.room.ID, "conn-1")
	path := "/v1/rooms/" + env.room.ID + "/documents"

	content := strings.Repeat("Filler sentence about the quarterly plan. ", 60) + "The canary rollout starts on region eu-north-1."
	var doc store.Document
	code := call(t, srv, http.MethodPost, path, map[string]string{"user_id": "bob", "title": "Rollout plan", "content": content}, &doc)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "bob", doc.UploadedBy)
	assert.Greater(t, doc.ChunkCount, 1)

	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodPost, path, map[string]string{"user_id": "bob", "title": "Empty", "content": "  "}, nil))
	assert.Equal(t, http.StatusForbidden, call(t, srv, http.MethodPost, path, map[string]string{"user_id": "eve", "title": "x", "content": "x"}, nil))

	var listed struct {
		Documents []store.Document `json:"documents"`
	}
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, path+"?user_id=alice", nil, &listed))
	require.Len(t, listed.Documents, 1)
	assert.Equal(t, "Rollout plan", listed.Documents[0].Title)

	var found struct {
		Chunks []store.KnowledgeEntry `json:"chunks"`
	}
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, path+"?user_id=alice&q=canary", nil, &found))
	require.NotEmpty(t, found.Chunks)
	assert.Contains(t, found.Chunks[0].Content, "canary")
	assert.Equal(t, "Rollout plan", found.Chunks[0].Source)

	assert.Equal(t, http.StatusForbidden, call(t, srv, http.MethodDelete, "/v1/documents/"+doc.ID+"?user_id=eve", nil, nil))
	assert.Equal(t, http.StatusNoContent, call(t, srv, http.MethodDelete, "/v1/documents/"+doc.ID+"?user_id=alice", nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, srv, http.MethodDelete, "/v1/documents/"+doc.ID+"?user_id=alice", nil, nil))

	found.Chunks = nil
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, path+"?user_id=alice&q=canary", nil, &found))
	assert.Empty(t, found.Chunks)

	frames := drain(sub)
	require.Equal(t, []string{broadcast.FrameDocument, broadcast.FrameDocumentDeleted}, frameTypes(frames))
	assert.Equal(t, doc.ID, frames[1].Document.ID)
}

func TestDeleteKnowledgeEndpoint(t *testing.T) {
	env, srv := newTestServer(t, &scriptLLM{})
	path := "/v1/rooms/" + env.room.ID + "/knowledge"

	var entry store.KnowledgeEntry
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, path, map[string]string{"user_id": "alice", "content": "Deploys freeze on Fridays"}, &entry))
	id := strconv.FormatInt(entry.ID, 10)

	assert.Equal(t, http.StatusForbidden, call(t, srv, http.MethodDelete, "/v1/knowledge/"+id+"?user_id=eve", nil, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodDelete, "/v1/knowledge/abc?user_id=bob", nil, nil))
	assert.Equal(t, http.StatusNoContent, call(t, srv, http.MethodDelete, "/v1/knowledge/"+id+"?user_id=bob", nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, srv, http.MethodDelete, "/v1/knowledge/"+id+"?user_id=bob", nil, nil))

	var listed struct {
		Knowledge []store.KnowledgeEntry `json:"knowledge"`
	}
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, path+"?user_id=bob", nil, &listed))
	assert.Empty(t, listed.Knowledge)
}
