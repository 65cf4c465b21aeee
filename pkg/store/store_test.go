package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/nous-labs/huddle/pkg/apperr"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "huddle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newRoom(t *testing.T, s *Store) *Room {
	t.Helper()
	room, err := s.CreateRoom(context.Background(), "Launch", "alice")
	require.NoError(t, err)
	return room
}

func TestCreateRoomHasCreator(t *testing.T) {
	s := openTest(t)
	room := newRoom(t, s)

	require.Len(t, room.Members, 1)
	assert.Equal(t, "alice", room.Members[0].UserID)
	assert.Equal(t, RoleOwner, room.Members[0].Role)
	assert.Len(t, room.JoinCode, joinCodeLen)
}

func TestJoinRoomIgnoresCodeCase(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	room := newRoom(t, s)

	joined, err := s.JoinRoom(ctx, strings.ToLower(room.JoinCode), "bob")
	require.NoError(t, err)
	assert.Equal(t, room.ID, joined.ID)

	// joining twice is harmless
	_, err = s.JoinRoom(ctx, room.JoinCode, "bob")
	require.NoError(t, err)

	members, err := s.Members(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	_, err = s.JoinRoom(ctx, "NOPE1234", "carol")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAppendAssignsIncreasingSeq(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	room := newRoom(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.Append(ctx, room.ID, SenderHuman, "alice", "hello", AppendOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, err := s.Recent(ctx, room.ID, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 20)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Seq)
	}
}

func TestAppendDeduplicatesClientID(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	room := newRoom(t, s)

	first, dup, err := s.Append(ctx, room.ID, SenderHuman, "alice", "create a task", AppendOptions{ClientID: "c-1"})
	require.NoError(t, err)
	assert.False(t, dup)

	again, dup, err := s.Append(ctx, room.ID, SenderHuman, "alice", "create a task", AppendOptions{ClientID: "c-1"})
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, again.ID)

	msgs, err := s.Recent(ctx, room.ID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestAppendUnknownRoom(t *testing.T) {
	s := openTest(t)
	_, _, err := s.Append(context.Background(), "missing", SenderHuman, "alice", "hi", AppendOptions{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRecentAndHistory(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	room := newRoom(t, s)

	for i := 0; i < 30; i++ {
		_, _, err := s.Append(ctx, room.ID, SenderHuman, "alice", "msg", AppendOptions{})
		require.NoError(t, err)
	}

	recent, err := s.Recent(ctx, room.ID, 5)
	require.NoError(t, err)
	require.Len(t, recent, 5)
	assert.Equal(t, int64(26), recent[0].Seq)
	assert.Equal(t, int64(30), recent[4].Seq)

	page, err := s.History(ctx, room.ID, 10, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(11), page[0].Seq)
}

func TestReplyFor(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	room := newRoom(t, s)

	trigger, _, err := s.Append(ctx, room.ID, SenderHuman, "alice", "hey ai", AppendOptions{})
	require.NoError(t, err)

	_, err = s.ReplyFor(ctx, trigger.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	reply, _, err := s.Append(ctx, room.ID, SenderAssistant, AssistantID, "hi", AppendOptions{ReplyTo: trigger.ID})
	require.NoError(t, err)

	got, err := s.ReplyFor(ctx, trigger.ID)
	require.NoError(t, err)
	assert.Equal(t, reply.ID, got.ID)
	assert.Greater(t, got.Seq, trigger.Seq)
}

func TestCreateTaskIdempotent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	room := newRoom(t, s)

	nt := NewTask{RoomID: room.ID, Title: "Update documentation", CreatedBy: AssistantID, IdempotencyKey: "m-1/update documentation"}

	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := s.CreateTask(ctx, nt)
			assert.NoError(t, err)
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, createdCount)
	tasks, err := s.ListTasks(ctx, room.ID, nil)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Update documentation", tasks[0].Title)
	assert.Equal(t, TaskOpen, tasks[0].Status)
}

func TestCreateTaskValidation(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	room := newRoom(t, s)

	_, _, err := s.CreateTask(ctx, NewTask{RoomID: room.ID, Title: "   "})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, _, err = s.CreateTask(ctx, NewTask{RoomID: room.ID, Title: strings.Repeat("x", MaxTaskTitle+1)})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestUpdateTask(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	room := newRoom(t, s)

	task, _, err := s.CreateTask(ctx, NewTask{RoomID: room.ID, Title: "Ship it", CreatedBy: "alice"})
	require.NoError(t, err)

	done := TaskDone
	bob := "bob"
	updated, err := s.UpdateTask(ctx, task.ID, TaskUpdate{Status: &done, Assignee: &bob})
	require.NoError(t, err)
	assert.Equal(t, TaskDone, updated.Status)
	require.NotNil(t, updated.Assignee)
	assert.Equal(t, "bob", *updated.Assignee)

	open := TaskOpen
	openTasks, err := s.ListTasks(ctx, room.ID, &open)
	require.NoError(t, err)
	assert.Empty(t, openTasks)

	_, err = s.UpdateTask(ctx, "missing", TaskUpdate{Status: &done})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	bogus := TaskStatus("archived")
	_, err = s.UpdateTask(ctx, task.ID, TaskUpdate{Status: &bogus})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	found, err := s.FindTaskByTitle(ctx, room.ID, "  SHIP IT ")
	require.NoError(t, err)
	assert.Equal(t, task.ID, found.ID)
}

func TestOverdueTasksRemindOnce(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	room := newRoom(t, s)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	late, _, err := s.CreateTask(ctx, NewTask{RoomID: room.ID, Title: "late", DueAt: &past, CreatedBy: "alice"})
	require.NoError(t, err)
	_, _, err = s.CreateTask(ctx, NewTask{RoomID: room.ID, Title: "later", DueAt: &future, CreatedBy: "alice"})
	require.NoError(t, err)

	overdue, err := s.OverdueTasks(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, late.ID, overdue[0].ID)

	ok, err := s.MarkReminded(ctx, late.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.MarkReminded(ctx, late.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	overdue, err = s.OverdueTasks(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, overdue)
}

func TestGoalsOrderedByPriority(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	room := newRoom(t, s)

	_, err := s.AddGoal(ctx, room.ID, "low", 1)
	require.NoError(t, err)
	high, err := s.AddGoal(ctx, room.ID, "high", 5)
	require.NoError(t, err)
	stalled, err := s.AddGoal(ctx, room.ID, "stalled", 9)
	require.NoError(t, err)
	require.NoError(t, s.SetGoalStatus(ctx, stalled.ID, GoalStalled))

	goals, err := s.Goals(ctx, room.ID, true, 10)
	require.NoError(t, err)
	require.Len(t, goals, 2)
	assert.Equal(t, high.ID, goals[0].ID)

	got, err := s.GetGoal(ctx, stalled.ID)
	require.NoError(t, err)
	assert.Equal(t, GoalStalled, got.Status)

	_, err = s.GetGoal(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSearchKnowledge(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	room := newRoom(t, s)
	other, err := s.CreateRoom(ctx, "Other", "bob")
	require.NoError(t, err)

	_, _, err = s.AddKnowledge(ctx, NewKnowledge{RoomID: room.ID, Kind: KnowledgeDecision, Content: "We deploy with blue-green releases on Fridays"})
	require.NoError(t, err)
	_, _, err = s.AddKnowledge(ctx, NewKnowledge{RoomID: room.ID, Kind: KnowledgeLink, Content: "Design doc: https://example.com/design"})
	require.NoError(t, err)
	_, _, err = s.AddKnowledge(ctx, NewKnowledge{RoomID: other.ID, Kind: KnowledgeNote, Content: "deploy secrets live elsewhere"})
	require.NoError(t, err)

	hits, err := s.SearchKnowledge(ctx, room.ID, "how do we deploy?", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Content, "blue-green")

	// FTS syntax in user input is neutralised
	hits, err = s.SearchKnowledge(ctx, room.ID, `deploy" OR content:*`, 5)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	none, err := s.SearchKnowledge(ctx, room.ID, "a b", 5)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, _, err = s.AddKnowledge(ctx, NewKnowledge{RoomID: room.ID, Kind: "gossip", Content: "x"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, _, err = s.AddKnowledge(ctx, NewKnowledge{RoomID: room.ID, Kind: KnowledgeDocument, Content: "x"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestAddKnowledgeIsIdempotentPerKey(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	room := newRoom(t, s)
	nk := NewKnowledge{RoomID: room.ID, Kind: KnowledgeDecision, Content: "We ship on Friday", IdempotencyKey: "m-1/remember/0"}

	var wg sync.WaitGroup
	created := make([]bool, 8)
	ids := make([]int64, 8)
	for i := range created {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, c, err := s.AddKnowledge(ctx, nk)
			assert.NoError(t, err)
			if e != nil {
				created[i], ids[i] = c, e.ID
			}
		}(i)
	}
	wg.Wait()

	n := 0
	for i, c := range created {
		if c {
			n++
		}
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.Stats(ctx).Knowledge)

	// Entries without a key are never merged
	_, c, err := s.AddKnowledge(ctx, NewKnowledge{RoomID: room.ID, Content: "We ship on Friday"})
	require.NoError(t, err)
	assert.True(t, c)
	_, c, err = s.AddKnowledge(ctx, NewKnowledge{RoomID: room.ID, Content: "We ship on Friday"})
	require.NoError(t, err)
	assert.True(t, c)
	assert.Equal(t, 3, s.Stats(ctx).Knowledge)
}

func TestDeleteKnowledgeDropsSearchHits(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	room := newRoom(t, s)

	e, _, err := s.AddKnowledge(ctx, NewKnowledge{RoomID: room.ID, Content: "Staging password rotates monthly"})
	require.NoError(t, err)
	hits, err := s.SearchKnowledge(ctx, room.ID, "staging", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	require.NoError(t, s.DeleteKnowledge(ctx, e.ID))
	hits, err = s.SearchKnowledge(ctx, room.ID, "staging", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.ErrorIs(t, s.DeleteKnowledge(ctx, e.ID), apperr.ErrNotFound)
}

func TestDocumentLifecycle(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	room := newRoom(t, s)

	var b strings.Builder
	for i := 0; b.Len() < 2600; i++ {
		fmt.Fprintf(&b, "Section %d covers the rollout checklist for region %d. ", i, i)
	}
	b.WriteString("The canary cohort is Brazil.")

	doc, err := s.AddDocument(ctx, NewDocument{RoomID: room.ID, Title: "Runbook", Content: b.String(), UploadedBy: "alice"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, doc.ChunkCount, 3)
	assert.Equal(t, b.Len(), doc.Size)

	docs, err := s.ListDocuments(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, doc.ID, docs[0].ID)

	hits, err := s.SearchKnowledge(ctx, room.ID, "canary cohort", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, KnowledgeDocument, hits[0].Kind)
	assert.Equal(t, doc.ID, hits[0].DocumentID)
	assert.Equal(t, "Runbook", hits[0].Source)

	// Chunks stay out of the plain knowledge listing and cannot be deleted singly
	listed, err := s.ListKnowledge(ctx, room.ID, 50)
	require.NoError(t, err)
	assert.Empty(t, listed)
	assert.ErrorIs(t, s.DeleteKnowledge(ctx, hits[0].ID), apperr.ErrValidation)

	deleted, err := s.DeleteDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, room.ID, deleted.RoomID)

	hits, err = s.SearchKnowledge(ctx, room.ID, "canary cohort", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
	refs, err := s.KnowledgeRefs(ctx)
	require.NoError(t, err)
	assert.Empty(t, refs)

	_, err = s.DeleteDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAddDocumentValidation(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	room := newRoom(t, s)

	_, err := s.AddDocument(ctx, NewDocument{RoomID: room.ID, Title: " ", Content: "text"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = s.AddDocument(ctx, NewDocument{RoomID: room.ID, Title: "Empty", Content: " \n "})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = s.AddDocument(ctx, NewDocument{RoomID: "missing", Title: "Notes", Content: "text"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestChunkText(t *testing.T) {
	assert.Nil(t, ChunkText("   ", 100, 20))
	assert.Equal(t, []string{"short note"}, ChunkText("  short note ", 100, 20))

	text := strings.Repeat("Alpha beta gamma delta. ", 60)
	chunks := ChunkText(text, 300, 60)
	require.Greater(t, len(chunks), 3)
	for i, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 300)
		if i < len(chunks)-1 {
			// Ends on a sentence break
			assert.True(t, strings.HasSuffix(c, "."), "chunk %d: %q", i, c)
			// The next chunk repeats the tail of this one
			next := []rune(chunks[i+1])
			assert.Contains(t, c, string(next[:20]))
		}
	}

	// Multi-byte text is split on rune boundaries
	for _, c := range ChunkText(strings.Repeat("日本語のテキスト", 100), 150, 30) {
		assert.True(t, utf8.ValidString(c))
		assert.LessOrEqual(t, len([]rune(c)), 150)
	}
}

func TestUpdateRoomSettings(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	room := newRoom(t, s)
	_, err := s.JoinRoom(ctx, room.JoinCode, "bob")
	require.NoError(t, err)

	text := "  Answer in French. Keep replies under three sentences.  "
	updated, err := s.UpdateRoomSettings(ctx, room.ID, "alice", RoomSettings{Instructions: &text})
	require.NoError(t, err)
	assert.Equal(t, "Answer in French. Keep replies under three sentences.", updated.Instructions)
	assert.Equal(t, "Launch", updated.Name)

	got, err := s.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.Instructions, got.Instructions)

	name := "Launch v2"
	_, err = s.UpdateRoomSettings(ctx, room.ID, "bob", RoomSettings{Name: &name})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = s.UpdateRoomSettings(ctx, room.ID, "mallory", RoomSettings{Name: &name})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = s.UpdateRoomSettings(ctx, "missing", "alice", RoomSettings{Name: &name})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	long := strings.Repeat("x", MaxInstructions+1)
	_, err = s.UpdateRoomSettings(ctx, room.ID, "alice", RoomSettings{Instructions: &long})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = s.UpdateRoomSettings(ctx, room.ID, "alice", RoomSettings{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestOpenMigratesOlderSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE rooms (id TEXT PRIMARY KEY, name TEXT NOT NULL, join_code TEXT NOT NULL UNIQUE COLLATE NOCASE,
			created_by TEXT NOT NULL, created_at TEXT NOT NULL);
		CREATE TABLE knowledge (id INTEGER PRIMARY KEY AUTOINCREMENT, room_id TEXT NOT NULL, kind TEXT NOT NULL,
			content TEXT NOT NULL, created_at TEXT NOT NULL);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	room := newRoom(t, s)
	assert.Empty(t, room.Instructions)
	_, created, err := s.AddKnowledge(context.Background(), NewKnowledge{RoomID: room.ID, Content: "kept", IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestKV(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	v, err := s.KVGet(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.KVSet(ctx, "k", "1"))
	require.NoError(t, s.KVSet(ctx, "k", "2"))
	v, err = s.KVGet(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}
