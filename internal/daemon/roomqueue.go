package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nous-labs/huddle/pkg/apperr"
)

// defaultMaxPending bounds the jobs waiting in one room.
const defaultMaxPending = 256

var errQueueClosed = errors.New("room queue: closed")

// roomQueue runs jobs one at a time per room, in submission order. Each room
// with pending work has a single worker goroutine; it exits as soon as the
// room's queue is empty. Rooms never wait on each other.
type roomQueue struct {
	mu         sync.Mutex
	rooms      map[string]*roomJobs
	maxPending int
	closed     bool
	wg         sync.WaitGroup
}

type roomJobs struct {
	pending []func()
}

func newRoomQueue(maxPending int) *roomQueue {
	if maxPending <= 0 {
		maxPending = defaultMaxPending
	}
	return &roomQueue{
		rooms:      make(map[string]*roomJobs),
		maxPending: maxPending,
	}
}

// Enqueue schedules job after every job already queued for roomID.
func (q *roomQueue) Enqueue(roomID string, job func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errQueueClosed
	}

	if r, ok := q.rooms[roomID]; ok {
		if len(r.pending) >= q.maxPending {
			return apperr.Unavailable("room queue", fmt.Errorf("room %s has %d pending messages", roomID, len(r.pending)))
		}
		r.pending = append(r.pending, job)
		return nil
	}

	r := &roomJobs{pending: []func(){job}}
	q.rooms[roomID] = r
	q.wg.Add(1)
	go q.work(roomID, r)
	return nil
}

func (q *roomQueue) work(roomID string, r *roomJobs) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(r.pending) == 0 {
			delete(q.rooms, roomID)
			q.mu.Unlock()
			return
		}
		job := r.pending[0]
		r.pending[0] = nil
		r.pending = r.pending[1:]
		q.mu.Unlock()

		runJob(roomID, job)
	}
}

func runJob(roomID string, job func()) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("room job panicked", "room", roomID, "panic", p)
		}
	}()
	job()
}

// Active returns the number of rooms with a running worker.
func (q *roomQueue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.rooms)
}

// Close rejects new jobs and waits for queued ones to finish.
func (q *roomQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}
