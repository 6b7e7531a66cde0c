package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrQueueEmpty  = errors.New("queue is empty")
	ErrQueueClosed = errors.New("queue is closed")
)

// Kind tells the crawler what to do with a fetched page.
type Kind string

const (
	KindPagination Kind = "pagination"
	KindProduct    Kind = "product"
)

type Task struct {
	ID        string
	URL       string
	Kind      Kind
	Depth     int
	CreatedAt time.Time
}

func NewTask(url string, kind Kind, depth int) *Task {
	return &Task{
		ID:        uuid.NewString(),
		URL:       url,
		Kind:      kind,
		Depth:     depth,
		CreatedAt: time.Now(),
	}
}

type Queue interface {
	Push(task *Task) error
	Pop(ctx context.Context) (*Task, error)
	Size() int
	Close() error
}

// Frontier is a FIFO work queue that knows when a crawl is finished.
//
// Every pushed task counts as pending until the worker that popped it calls
// Done. When the pending count drops to zero nothing can produce more work,
// so the frontier closes itself and blocked Pop calls return ErrQueueClosed.
type Frontier struct {
	tasks   []*Task
	pending int
	mu      sync.Mutex
	cond    *sync.Cond
	closed  bool
}

func NewFrontier() *Frontier {
	f := &Frontier{
		tasks: make([]*Task, 0),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *Frontier) Push(task *Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrQueueClosed
	}

	f.tasks = append(f.tasks, task)
	f.pending++
	f.cond.Signal()

	return nil
}

// Pop blocks until a task is available, the frontier is closed, or ctx is
// done. Tasks still queued at Close are handed out before ErrQueueClosed.
func (f *Frontier) Pop(ctx context.Context) (*Task, error) {
	stop := context.AfterFunc(ctx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cond.Broadcast()
	})
	defer stop()

	f.mu.Lock()
	defer f.mu.Unlock()

	for len(f.tasks) == 0 && !f.closed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f.cond.Wait()
	}

	if len(f.tasks) == 0 {
		return nil, ErrQueueClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	task := f.tasks[0]
	f.tasks[0] = nil
	f.tasks = f.tasks[1:]

	return task, nil
}

// Done marks a popped task as fully processed, including any pushes it made.
func (f *Frontier) Done() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pending > 0 {
		f.pending--
	}
	if f.pending == 0 {
		f.closed = true
		f.cond.Broadcast()
	}
}

func (f *Frontier) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

// Pending returns queued plus in-flight tasks.
func (f *Frontier) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

func (f *Frontier) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	f.cond.Broadcast()

	return nil
}
