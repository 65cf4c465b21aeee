package reminder

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	_ "modernc.org/sqlite"

	"github.com/nous-labs/huddle/pkg/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func openStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "huddle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	room, err := s.CreateRoom(context.Background(), "Launch", "alice")
	require.NoError(t, err)
	return s, room.ID
}

func addTask(t *testing.T, s *store.Store, roomID, title string, due *time.Time) *store.Task {
	t.Helper()
	task, _, err := s.CreateTask(context.Background(), store.NewTask{
		RoomID:    roomID,
		Title:     title,
		DueAt:     due,
		CreatedBy: "alice",
	})
	require.NoError(t, err)
	return task
}

type recorder struct {
	mu    sync.Mutex
	tasks []store.Task
	err   error
}

func (r *recorder) notify(_ context.Context, task store.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.tasks = append(r.tasks, task)
	return nil
}

func TestSweepRemindsOverdueOnce(t *testing.T) {
	s, roomID := openStore(t)
	past := time.Now().UTC().Add(-2 * time.Hour)
	future := time.Now().UTC().Add(48 * time.Hour)
	overdue := addTask(t, s, roomID, "Ship the beta", &past)
	addTask(t, s, roomID, "Plan the retro", &future)
	addTask(t, s, roomID, "No deadline", nil)

	rec := &recorder{}
	w := NewWorker(s, rec.notify, Config{})

	report := w.SweepOnce(context.Background())
	assert.Equal(t, 1, report.Overdue)
	assert.Equal(t, 1, report.Reminded)
	assert.Empty(t, report.Errors)
	require.Len(t, rec.tasks, 1)
	assert.Equal(t, overdue.ID, rec.tasks[0].ID)

	again := w.SweepOnce(context.Background())
	assert.Zero(t, again.Overdue)
	assert.Len(t, rec.tasks, 1)
	assert.Equal(t, 2, again.Cycle)
	assert.Same(t, again, w.LastReport())
}

func TestSweepSkipsDoneTasks(t *testing.T) {
	s, roomID := openStore(t)
	past := time.Now().UTC().Add(-time.Hour)
	task := addTask(t, s, roomID, "Already finished", &past)
	done := store.TaskDone
	_, err := s.UpdateTask(context.Background(), task.ID, store.TaskUpdate{Status: &done})
	require.NoError(t, err)

	rec := &recorder{}
	report := NewWorker(s, rec.notify, Config{}).SweepOnce(context.Background())
	assert.Zero(t, report.Overdue)
	assert.Empty(t, rec.tasks)
}

func TestConcurrentSweepsClaimOnce(t *testing.T) {
	s, roomID := openStore(t)
	past := time.Now().UTC().Add(-time.Hour)
	for _, title := range []string{"One", "Two", "Three"} {
		addTask(t, s, roomID, title, &past)
	}

	rec := &recorder{}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			NewWorker(s, rec.notify, Config{}).SweepOnce(context.Background())
		}()
	}
	wg.Wait()

	assert.Len(t, rec.tasks, 3)
}

func TestNotifyFailureIsReported(t *testing.T) {
	s, roomID := openStore(t)
	past := time.Now().UTC().Add(-time.Hour)
	addTask(t, s, roomID, "Call the vendor", &past)

	rec := &recorder{err: errors.New("room queue full")}
	report := NewWorker(s, rec.notify, Config{}).SweepOnce(context.Background())
	assert.Equal(t, 1, report.Overdue)
	assert.Zero(t, report.Reminded)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "room queue full")
}

func TestRunStopsOnCancel(t *testing.T) {
	s, _ := openStore(t)
	w := NewWorker(s, nil, Config{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return w.LastReport() != nil }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestText(t *testing.T) {
	due := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	bob := "bob"
	task := store.Task{Title: "Send invoices", DueAt: &due, Assignee: &bob}

	got := Text(task, due.Add(3*time.Hour))
	assert.Equal(t, `Reminder: "Send invoices" is overdue (was due 2026-03-02 09:00, 3h ago). Assigned to bob.`, got)

	assert.Equal(t, `Reminder: "Send invoices" is overdue.`, Text(store.Task{Title: "Send invoices"}, due))
	assert.Contains(t, Text(store.Task{Title: "x", DueAt: &due}, due.Add(72*time.Hour)), "3d ago")
}
